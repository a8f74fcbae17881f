package router

import (
	"sync"
	"testing"

	"sreto/packet"
	"sreto/packetconn"
	"sreto/peerid"
	"sreto/reliability"
	"sreto/routetree"
	"sreto/transport"
)

// fakeLink is a minimal transport.Connection that records every sent frame,
// mirroring packetconn's own test double.
type fakeLink struct {
	mu       sync.Mutex
	sent     [][]byte
	delegate transport.ConnectionDelegate
}

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)
	return nil
}
func (f *fakeLink) Close() error { return nil }
func (f *fakeLink) SetDelegate(d transport.ConnectionDelegate) { f.delegate = d }

func (f *fakeLink) sentPackets(t *testing.T) []packet.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]packet.Packet, 0, len(f.sent))
	for _, frame := range f.sent {
		p, err := packet.Deserialize(frame)
		if err != nil {
			t.Fatalf("Deserialize sent frame: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func newTestPacketConn() (*packetconn.PacketConnection, *fakeLink) {
	link := &fakeLink{}
	return packetconn.New(link), link
}

func TestSessionRootAggregatesConfirmationsFromChildren(t *testing.T) {
	self := peerid.New()
	d1, d2 := peerid.New(), peerid.New()
	child1, child2 := peerid.New(), peerid.New()

	s := &session{
		router:       &Router{self: self},
		destinations: map[peerid.Identifier]struct{}{d1: {}, d2: {}},
		downstream:   make(map[peerid.Identifier]*packetconn.PacketConnection),
		acks:         make(map[peerid.Identifier]struct{}),
	}
	var established *RoutedConnection
	s.onEstablished = func(rc *RoutedConnection) { established = rc }
	handle := &RoutedConnection{self: self, destinations: []peerid.Identifier{d1, d2}, session: s}
	s.handle = handle

	conn1, _ := newTestPacketConn()
	conn2, _ := newTestPacketConn()
	s.downstream[child1] = conn1
	s.downstream[child2] = conn2

	s.handleConfirmationFromDownstream(d1)
	if established != nil {
		t.Fatalf("should not be established after only one of two confirmations")
	}
	s.handleConfirmationFromDownstream(d1) // duplicate, must be a no-op
	if established != nil {
		t.Fatalf("duplicate confirmation must not complete the session early")
	}
	s.handleConfirmationFromDownstream(d2)
	if established == nil {
		t.Fatalf("expected session to be established once every destination confirmed")
	}
}

func TestSessionIntermediateForwardsConfirmationUpstream(t *testing.T) {
	self := peerid.New()
	d1 := peerid.New()

	s := &session{
		router:       &Router{self: self},
		destinations: map[peerid.Identifier]struct{}{d1: {}},
		downstream:   make(map[peerid.Identifier]*packetconn.PacketConnection),
		acks:         make(map[peerid.Identifier]struct{}),
	}
	upstream, upstreamLink := newTestPacketConn()
	s.upstream = upstream

	s.handleConfirmationFromDownstream(d1)

	pkts := upstreamLink.sentPackets(t)
	if len(pkts) != 1 {
		t.Fatalf("expected exactly one forwarded packet, got %d", len(pkts))
	}
	conf, ok := pkts[0].(packet.RoutedConnectionEstablishedConfirmation)
	if !ok || conf.Source != d1 {
		t.Fatalf("expected forwarded confirmation for %v, got %+v", d1, pkts[0])
	}
}

func TestSessionDataFromUpstreamFansOutToAllChildren(t *testing.T) {
	self := peerid.New()
	child1, child2 := peerid.New(), peerid.New()

	s := &session{
		router:     &Router{self: self},
		downstream: make(map[peerid.Identifier]*packetconn.PacketConnection),
	}
	conn1, link1 := newTestPacketConn()
	conn2, link2 := newTestPacketConn()
	s.downstream[child1] = conn1
	s.downstream[child2] = conn2

	s.handleDataFromUpstream([]byte("hello"))

	for _, link := range []*fakeLink{link1, link2} {
		pkts := link.sentPackets(t)
		if len(pkts) != 1 {
			t.Fatalf("expected exactly one forwarded data packet, got %d", len(pkts))
		}
		dp, ok := pkts[0].(packet.DataPacket)
		if !ok || string(dp.Chunk) != "hello" {
			t.Fatalf("expected forwarded chunk 'hello', got %+v", pkts[0])
		}
	}
}

func TestSessionDataFromDownstreamForwardsUpstreamOrDeliversLocally(t *testing.T) {
	self := peerid.New()
	child := peerid.New()

	// Intermediate case: forwards upstream.
	s := &session{router: &Router{self: self}}
	upstream, upstreamLink := newTestPacketConn()
	s.upstream = upstream
	s.handleDataFromDownstream(child, []byte("payload"))
	pkts := upstreamLink.sentPackets(t)
	if len(pkts) != 1 {
		t.Fatalf("expected data forwarded upstream, got %d packets", len(pkts))
	}

	// Root case: delivered to the local application callback.
	s2 := &session{router: &Router{self: self}}
	var delivered []byte
	var from peerid.Identifier
	handle := &RoutedConnection{self: self, session: s2}
	handle.OnData(func(f peerid.Identifier, data []byte) {
		from = f
		delivered = data
	})
	s2.handle = handle
	s2.handleDataFromDownstream(child, []byte("payload2"))
	if from != child || string(delivered) != "payload2" {
		t.Fatalf("expected local delivery from %v with payload2, got from=%v data=%q", child, from, delivered)
	}
}

func TestHandleMulticastHandshakeDeliversToIncomingRoutedConnectionCallback(t *testing.T) {
	self := peerid.New()
	source := peerid.New()

	r := New(self, transport.NewLoopbackModule(self), reliability.DefaultReconnectDelays())

	var delivered *RoutedConnection
	done := make(chan struct{})
	r.OnIncomingRoutedConnection(func(rc *RoutedConnection) {
		delivered = rc
		close(done)
	})

	upstream, _ := newTestPacketConn()
	hs := packet.MulticastHandshake{
		SourcePeerID:           source,
		DestinationIdentifiers: []peerid.Identifier{self},
		NextHopTree:            routetree.Leaf(self),
	}
	r.handleMulticastHandshake(upstream, hs)

	select {
	case <-done:
	default:
		t.Fatalf("OnIncomingRoutedConnection callback was not invoked")
	}
	if delivered == nil {
		t.Fatalf("expected a non-nil RoutedConnection handle")
	}
	if len(delivered.Destinations()) != 1 || delivered.Destinations()[0] != self {
		t.Fatalf("expected destinations [%v], got %v", self, delivered.Destinations())
	}

	var from peerid.Identifier
	var data []byte
	delivered.OnData(func(f peerid.Identifier, d []byte) { from, data = f, d })
	delivered.session.handleDataFromUpstream([]byte("payload"))
	if from != source || string(data) != "payload" {
		t.Fatalf("expected data delivered from %v with payload, got from=%v data=%q", source, from, data)
	}
}

func TestRoutedConnectionWriteFromRootSendsToEveryChild(t *testing.T) {
	self := peerid.New()
	child1, child2 := peerid.New(), peerid.New()

	s := &session{
		router:     &Router{self: self},
		downstream: make(map[peerid.Identifier]*packetconn.PacketConnection),
	}
	conn1, link1 := newTestPacketConn()
	conn2, link2 := newTestPacketConn()
	s.downstream[child1] = conn1
	s.downstream[child2] = conn2
	rc := &RoutedConnection{self: self, session: s}

	if err := rc.Write([]byte("broadcast")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, link := range []*fakeLink{link1, link2} {
		pkts := link.sentPackets(t)
		if len(pkts) != 1 {
			t.Fatalf("expected one packet sent to each child, got %d", len(pkts))
		}
	}
}
