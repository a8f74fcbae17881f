package transfer

import (
	"sync"
	"testing"

	"sreto/log"
	"sreto/packet"
	"sreto/packetconn"
	"sreto/transport"
)

func testLogger() *log.Logger { return log.New("transfer-test") }

type fakeLink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}
func (f *fakeLink) Close() error                               { return nil }
func (f *fakeLink) SetDelegate(transport.ConnectionDelegate)    {}

func (f *fakeLink) packets(t *testing.T) []packet.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]packet.Packet, 0, len(f.sent))
	for _, frame := range f.sent {
		p, err := packet.Deserialize(frame)
		if err != nil {
			t.Fatalf("Deserialize: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestTransferChunksPayloadWithCorrectSizes(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)

	tr := &Transfer{id: 1, conn: conn, length: 40000}
	tr.send(make([]byte, 40000), 16384)

	pkts := link.packets(t)
	if len(pkts) != 5 { // started + 3 data + completed
		t.Fatalf("expected 5 packets, got %d", len(pkts))
	}
	started, ok := pkts[0].(packet.TransferStarted)
	if !ok || started.Length != 40000 {
		t.Fatalf("expected TransferStarted{Length:40000}, got %+v", pkts[0])
	}
	sizes := []int{16384, 16384, 7232}
	for i, want := range sizes {
		dp, ok := pkts[1+i].(packet.DataPacket)
		if !ok || len(dp.Chunk) != want {
			t.Fatalf("chunk %d: expected size %d, got %+v", i, want, pkts[1+i])
		}
	}
	if _, ok := pkts[4].(packet.TransferCompleted); !ok {
		t.Fatalf("expected TransferCompleted, got %+v", pkts[4])
	}
	if tr.State() != StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", tr.State())
	}
	if tr.Progress() != 40000 {
		t.Fatalf("expected full progress, got %d", tr.Progress())
	}
}

func TestTransferCancelStopsBeforeFurtherChunks(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	tr := &Transfer{id: 1, conn: conn, length: 100}
	tr.state = StateCancelled // simulate Cancel() having already fired

	tr.send(make([]byte, 100), 10)

	pkts := link.packets(t)
	// send() still emits TransferStarted before its first cancellation
	// check, but must stop immediately afterward.
	if len(pkts) != 1 {
		t.Fatalf("expected only TransferStarted before cancellation check, got %d", len(pkts))
	}
}

func TestInTransferPartialDataPreferredOverComplete(t *testing.T) {
	it := &InTransfer{id: 1, length: 10, logger: testLogger()}
	var partial [][]byte
	var completeCalled bool
	it.OnPartialData(func(chunk []byte) { partial = append(partial, chunk) })
	it.OnCompleteData(func([]byte) { completeCalled = true })

	it.receiveChunk([]byte("abc"))
	it.receiveChunk([]byte("def"))
	it.complete()

	if len(partial) != 2 {
		t.Fatalf("expected 2 partial deliveries, got %d", len(partial))
	}
	if completeCalled {
		t.Fatalf("OnCompleteData must not fire when OnPartialData is set")
	}
}

func TestInTransferBuffersUntilCompleteWhenOnlyCompleteSet(t *testing.T) {
	it := &InTransfer{id: 1, length: 6, logger: testLogger()}
	var full []byte
	it.OnCompleteData(func(b []byte) { full = b })

	it.receiveChunk([]byte("foo"))
	it.receiveChunk([]byte("bar"))
	it.complete()

	if string(full) != "foobar" {
		t.Fatalf("expected reassembled 'foobar', got %q", full)
	}
}

func TestInTransferDropsWhenNoHandlerSet(t *testing.T) {
	it := &InTransfer{id: 1, length: 3, logger: testLogger()}
	it.receiveChunk([]byte("abc"))
	it.complete() // must not panic with no handlers set
	if it.State() != StateCompleted {
		t.Fatalf("expected StateCompleted even when dropped, got %v", it.State())
	}
}
