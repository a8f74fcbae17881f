package transfer

import (
	"testing"

	"sreto/packet"
	"sreto/packetconn"
)

func TestEngineSendAllocatesSequentialIDsStartingAtOne(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	e, err := NewEngine(conn, 0)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	t1 := e.Send([]byte("a"))
	t2 := e.Send([]byte("b"))
	if t1.ID() != 1 || t2.ID() != 2 {
		t.Fatalf("expected sequential ids starting at 1, got %d, %d", t1.ID(), t2.ID())
	}
}

func TestEngineDispatchesIncomingTransferLifecycle(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	e, err := NewEngine(conn, 0)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var got *InTransfer
	e.OnIncomingTransfer(func(it *InTransfer) { got = it })

	e.handleStarted(packet.TransferStarted{TransferID: 5, Length: 11})
	if got == nil || got.ID() != 5 || got.Length() != 11 {
		t.Fatalf("expected incoming transfer id=5 length=11, got %+v", got)
	}

	var complete []byte
	got.OnCompleteData(func(b []byte) { complete = b })
	e.handleData(packet.DataPacket{TransferID: 5, Chunk: []byte("hello world")})
	e.handleCompleted(packet.TransferCompleted{TransferID: 5})

	if string(complete) != "hello world" {
		t.Fatalf("expected reassembled payload, got %q", complete)
	}
}

func TestEngineUnknownTransferDataPacketIsDroppedNotPanicked(t *testing.T) {
	link := &fakeLink{}
	conn := packetconn.New(link)
	e, err := NewEngine(conn, 0)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.handleData(packet.DataPacket{TransferID: 999, Chunk: []byte("orphan")})
}
