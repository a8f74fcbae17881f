package transport

import (
	"context"
	"sync"
	"testing"

	"sreto/peerid"
)

type recordingDelegate struct {
	mu       sync.Mutex
	opened   bool
	received [][]byte
	closed   bool
}

func (d *recordingDelegate) DidOpen() {
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
}
func (d *recordingDelegate) DidReceiveMessage(frame []byte) {
	d.mu.Lock()
	d.received = append(d.received, frame)
	d.mu.Unlock()
}
func (d *recordingDelegate) DidClose(int, string, bool) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
func (d *recordingDelegate) DidFailWithError(error) {}

func (d *recordingDelegate) messages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

type recordingAdvertiserDelegate struct {
	mu   sync.Mutex
	conn Connection
}

func (a *recordingAdvertiserDelegate) DidStartAdvertising()      {}
func (a *recordingAdvertiserDelegate) DidStopAdvertising(error)  {}
func (a *recordingAdvertiserDelegate) HandleConnection(conn Connection) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *recordingAdvertiserDelegate) get() Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func TestLoopbackDialDeliversMessagesBothWays(t *testing.T) {
	serverID := peerid.New()
	server := NewLoopbackModule(serverID)
	advDelegate := &recordingAdvertiserDelegate{}
	server.Advertiser().SetDelegate(advDelegate)
	server.Advertiser().StartAdvertising(serverID)
	defer server.Advertiser().StopAdvertising()

	clientDelegate := &recordingDelegate{}
	addr := &LoopbackAddress{target: serverID}
	clientConn, err := addr.Dial(context.Background(), clientDelegate)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var serverConn Connection
	for i := 0; i < 1000 && serverConn == nil; i++ {
		serverConn = advDelegate.get()
	}
	if serverConn == nil {
		t.Fatalf("server never observed HandleConnection")
	}
	serverDelegate := &recordingDelegate{}
	serverConn.SetDelegate(serverDelegate)

	if err := clientConn.Send([]byte("ping")); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	if err := serverConn.Send([]byte("pong")); err != nil {
		t.Fatalf("server Send: %v", err)
	}

	for i := 0; i < 1000 && (serverDelegate.messages() == 0 || clientDelegate.messages() == 0); i++ {
	}

	if serverDelegate.messages() != 1 {
		t.Fatalf("expected server to receive 1 message, got %d", serverDelegate.messages())
	}
	if clientDelegate.messages() != 1 {
		t.Fatalf("expected client to receive 1 message, got %d", clientDelegate.messages())
	}

	if err := clientConn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLoopbackDialUnknownTargetFails(t *testing.T) {
	addr := &LoopbackAddress{target: peerid.New()}
	if _, err := addr.Dial(context.Background(), nil); err == nil {
		t.Fatalf("expected error dialing an unadvertised peer")
	}
}
