package reliability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"sreto/packet"
	"sreto/packetconn"
	"sreto/peerid"
	"sreto/transport"
)

type fakeLink struct {
	mu     sync.Mutex
	sent   []packet.Packet
	closed bool
}

func (f *fakeLink) Send(frame []byte) error {
	p, err := packet.Deserialize(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) SetDelegate(transport.ConnectionDelegate) {}

func (f *fakeLink) lastSent() packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConnectionManager struct {
	mu         sync.Mutex
	establish  func(onResult func(error))
	removed    int
}

func (cm *fakeConnectionManager) EstablishUnderlyingConnection(conn *packetconn.PacketConnection, onResult func(error)) {
	cm.mu.Lock()
	fn := cm.establish
	cm.mu.Unlock()
	fn(onResult)
}

func (cm *fakeConnectionManager) RemoveManagedConnection(conn *packetconn.PacketConnection) {
	cm.mu.Lock()
	cm.removed++
	cm.mu.Unlock()
}

func (cm *fakeConnectionManager) removedCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.removed
}

type fakeDelegate struct {
	mu          sync.Mutex
	connected   int
	expected    int
	unexpected  int
	lastErr     error
}

func (d *fakeDelegate) ConnectionConnected() {
	d.mu.Lock()
	d.connected++
	d.mu.Unlock()
}

func (d *fakeDelegate) ConnectionClosedExpectedly() {
	d.mu.Lock()
	d.expected++
	d.mu.Unlock()
}

func (d *fakeDelegate) ConnectionClosedUnexpectedly(err error) {
	d.mu.Lock()
	d.unexpected++
	d.lastErr = err
	d.mu.Unlock()
}

func (d *fakeDelegate) snapshot() (connected, expected, unexpected int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected, d.expected, d.unexpected
}

var localID = mustID(0x01)
var remoteID = mustID(0x02)

func mustID(b byte) peerid.Identifier {
	var id peerid.Identifier
	raw := make([]byte, peerid.Size)
	raw[0] = b
	copy(id[:], raw)
	return id
}

func testDelays() ReconnectDelays {
	return ReconnectDelays{Short: time.Millisecond, Regular: time.Millisecond}
}

func TestCloseConnectionDrivingSendsAnnounce(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, true, testDelays())
	_ = m

	m.CloseConnection()

	if _, ok := link.lastSent().(packet.CloseAnnounce); !ok {
		t.Fatalf("expected CloseAnnounce sent, got %#v", link.lastSent())
	}
}

func TestCloseConnectionNonDrivingSendsRequest(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, false, testDelays())

	m.CloseConnection()

	if _, ok := link.lastSent().(packet.CloseRequest); !ok {
		t.Fatalf("expected CloseRequest sent, got %#v", link.lastSent())
	}
}

func TestReceivingCloseRequestRepliesWithAnnounce(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, false, testDelays())

	m.HandlePacket(conn, packet.CloseRequest{})

	if _, ok := link.lastSent().(packet.CloseAnnounce); !ok {
		t.Fatalf("expected CloseAnnounce in reply, got %#v", link.lastSent())
	}
}

func TestReceivingCloseAnnounceMarksExpectingAndAcks(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, true, testDelays())

	m.HandlePacket(conn, packet.CloseAnnounce{})

	m.mu.Lock()
	expecting := m.isExpectingClose
	m.mu.Unlock()
	if !expecting {
		t.Fatalf("expected isExpectingClose to be set")
	}
	ack, ok := link.lastSent().(packet.CloseAcknowledge)
	if !ok {
		t.Fatalf("expected CloseAcknowledge sent, got %#v", link.lastSent())
	}
	if ack.Source != localID {
		t.Fatalf("expected ack source to be localID")
	}
}

func TestCloseAcknowledgeAggregationTriggersDisconnect(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{}
	del := &fakeDelegate{}
	peer2 := mustID(0x03)
	m := New(localID, []peerid.Identifier{remoteID, peer2}, conn, cm, del, true, testDelays())

	m.HandlePacket(conn, packet.CloseAcknowledge{Source: remoteID})
	if link.isClosed() {
		t.Fatalf("should not disconnect before all destinations ack")
	}

	m.HandlePacket(conn, packet.CloseAcknowledge{Source: remoteID}) // duplicate, no-op
	if link.isClosed() {
		t.Fatalf("duplicate ack must not trigger disconnect early")
	}

	m.HandlePacket(conn, packet.CloseAcknowledge{Source: peer2})
	if !link.isClosed() {
		t.Fatalf("expected disconnect once all destinations have acked")
	}
}

func TestReconnectLoopGivesUpAfterFiveAttempts(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	var attempts int
	var mu sync.Mutex
	cm := &fakeConnectionManager{establish: func(onResult func(error)) {
		mu.Lock()
		attempts++
		mu.Unlock()
		onResult(errors.New("dial failed"))
	}}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, true, testDelays())

	m.UnderlyingConnectionDidClose(conn, errors.New("link reset"))

	deadline := time.After(2 * time.Second)
	for cm.removedCount() == 0 {
		select {
		case <-deadline:
			mu.Lock()
			n := attempts
			mu.Unlock()
			t.Fatalf("timed out waiting for reconnect exhaustion, got %d attempts", n)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	n := attempts
	mu.Unlock()
	if n != MaxReconnectAttempts {
		t.Fatalf("expected %d reconnect attempts, got %d", MaxReconnectAttempts, n)
	}

	connected, expected, unexpected := del.snapshot()
	if connected != 0 || expected != 0 || unexpected != 1 {
		t.Fatalf("expected exactly one unexpected-close notification, got connected=%d expected=%d unexpected=%d", connected, expected, unexpected)
	}
	if cm.removedCount() != 1 {
		t.Fatalf("expected RemoveManagedConnection called once, got %d", cm.removedCount())
	}
}

func TestReconnectSuccessResetsAttemptCounter(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{establish: func(onResult func(error)) {
		onResult(nil)
	}}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, true, testDelays())

	m.UnderlyingConnectionDidClose(conn, errors.New("link reset"))
	time.Sleep(20 * time.Millisecond)

	m.mu.Lock()
	inFlight := m.attemptInFlight
	m.mu.Unlock()
	if inFlight {
		t.Fatalf("expected attemptInFlight cleared once establish reports success path taken")
	}

	m.UnderlyingConnectionDidConnect(conn)
	connected, _, _ := del.snapshot()
	if connected != 1 {
		t.Fatalf("expected ConnectionConnected notified once, got %d", connected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attemptCount != 0 {
		t.Fatalf("expected attempt counter reset, got %d", m.attemptCount)
	}
}

func TestExpectedCloseNotifiesDelegateAndRemoves(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	cm := &fakeConnectionManager{}
	del := &fakeDelegate{}
	m := New(localID, []peerid.Identifier{remoteID}, conn, cm, del, true, testDelays())

	m.mu.Lock()
	m.isExpectingClose = true
	m.mu.Unlock()

	m.UnderlyingConnectionDidClose(conn, nil)

	_, expected, _ := del.snapshot()
	if expected != 1 {
		t.Fatalf("expected ConnectionClosedExpectedly notified once, got %d", expected)
	}
	if cm.removedCount() != 1 {
		t.Fatalf("expected RemoveManagedConnection called once, got %d", cm.removedCount())
	}
}
