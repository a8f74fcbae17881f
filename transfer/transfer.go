// Package transfer implements the Transfer engine: it chunks an outbound
// payload into DataPacket frames over a PacketConnection,
// and reassembles an inbound sequence back into a payload, with progress,
// cancellation and completion signaling. Grounded on the teacher's
// forward/outbound.go (length-prefixed chunked write loop) and
// forward/inbound.go (length-prefixed reassembly loop), generalized from
// raw IP packets framed ad hoc over a QUIC stream to the typed
// TransferStarted/DataPacket/TransferCompleted/TransferCancelled sequence
// multiplexed over a PacketConnection.
package transfer

import (
	"errors"
	"sync"

	"sreto/log"
	"sreto/packet"
	"sreto/packetconn"
)

// DefaultChunkSize is the default payload slice size.
const DefaultChunkSize = 16 * 1024

// State is a Transfer's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var errCancelled = errors.New("transfer: cancelled")

// Transfer is one outbound, chunked byte stream. Each Transfer is owned by
// exactly one PacketConnection for its lifetime, and
// its identifier is unique within that connection (allocated by Engine).
type Transfer struct {
	id   uint32
	conn *packetconn.PacketConnection

	mu       sync.Mutex
	length   uint32
	progress uint32
	state    State

	onProgress func(progress uint32)
}

// ID returns the transfer identifier, unique within its owning connection.
func (t *Transfer) ID() uint32 { return t.id }

// OnProgress registers a callback invoked after every chunk is written.
func (t *Transfer) OnProgress(fn func(progress uint32)) {
	t.mu.Lock()
	t.onProgress = fn
	t.mu.Unlock()
}

// State reports the transfer's current lifecycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress reports bytes written so far.
func (t *Transfer) Progress() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Cancel requests the transfer stop sending further chunks. If it has
// already completed, Cancel is a no-op.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return
	}
	t.state = StateCancelled
	t.mu.Unlock()
	_ = t.conn.Write(packet.TransferCancelled{TransferID: t.id})
}

func (t *Transfer) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateCancelled
}

// send writes length, then every chunk, then a completion marker, checking
// for cancellation between chunks. Runs on its own goroutine; the caller
// observes completion via OnProgress/State rather than blocking here.
func (t *Transfer) send(data []byte, chunkSize int) {
	if err := t.conn.Write(packet.TransferStarted{TransferID: t.id, Length: uint32(len(data))}); err != nil {
		t.fail()
		return
	}

	for offset := 0; offset < len(data); offset += chunkSize {
		if t.cancelled() {
			return
		}
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		if err := t.conn.Write(packet.DataPacket{TransferID: t.id, Chunk: chunk}); err != nil {
			t.fail()
			return
		}
		t.mu.Lock()
		t.progress = uint32(end)
		onProgress := t.onProgress
		t.mu.Unlock()
		if onProgress != nil {
			onProgress(uint32(end))
		}
	}

	if t.cancelled() {
		return
	}
	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	_ = t.conn.Write(packet.TransferCompleted{TransferID: t.id})
}

func (t *Transfer) fail() {
	t.mu.Lock()
	t.state = StateFailed
	t.mu.Unlock()
}

// InTransfer is one inbound, reassembling byte stream.
type InTransfer struct {
	id     uint32
	length uint32

	mu             sync.Mutex
	progress       uint32
	state          State
	buf            []byte
	onPartialData  func(chunk []byte)
	onCompleteData func(full []byte)

	logger *log.Logger
}

// ID returns the transfer identifier.
func (t *InTransfer) ID() uint32 { return t.id }

// Length returns the total payload length announced by TransferStarted.
func (t *InTransfer) Length() uint32 { return t.length }

// State reports the transfer's current lifecycle state.
func (t *InTransfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress reports bytes received so far.
func (t *InTransfer) Progress() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// OnPartialData registers a callback invoked with each chunk as it arrives.
// If both OnPartialData and OnCompleteData are set, OnPartialData wins and
// a warning is logged.
func (t *InTransfer) OnPartialData(fn func(chunk []byte)) {
	t.mu.Lock()
	t.onPartialData = fn
	t.mu.Unlock()
}

// OnCompleteData registers a callback invoked once, with the full
// reassembled payload, when TransferCompleted arrives.
func (t *InTransfer) OnCompleteData(fn func(full []byte)) {
	t.mu.Lock()
	t.onCompleteData = fn
	t.mu.Unlock()
}

func (t *InTransfer) receiveChunk(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress += uint32(len(chunk))
	if t.onPartialData != nil {
		if t.onCompleteData != nil {
			t.logger.Warnf("transfer %d: both OnPartialData and OnCompleteData set, OnPartialData wins", t.id)
		}
		fn := t.onPartialData
		t.mu.Unlock()
		fn(chunk)
		t.mu.Lock()
		return
	}
	if t.onCompleteData != nil {
		t.buf = append(t.buf, chunk...)
	}
}

func (t *InTransfer) complete() {
	t.mu.Lock()
	t.state = StateCompleted
	hadPartial := t.onPartialData != nil
	hadComplete := t.onCompleteData != nil
	full := t.buf
	fn := t.onCompleteData
	t.mu.Unlock()

	if hadPartial {
		return
	}
	if hadComplete {
		fn(full)
		return
	}
	t.logger.Errorf("transfer %d completed with no OnPartialData or OnCompleteData set, dropping %d bytes", t.id, t.length)
}

func (t *InTransfer) cancel() {
	t.mu.Lock()
	t.state = StateCancelled
	t.mu.Unlock()
}
