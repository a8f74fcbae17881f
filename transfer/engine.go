package transfer

import (
	"fmt"
	"sync"

	"sreto/log"
	"sreto/packet"
	"sreto/packetconn"
)

// Engine owns Transfer identifier allocation and packet dispatch for one
// PacketConnection. Identifiers are unique per connection; an Engine is
// meaningless shared across connections, so one Engine is
// constructed per PacketConnection that carries Transfer traffic.
type Engine struct {
	conn      *packetconn.PacketConnection
	logger    *log.Logger
	chunkSize int

	mu       sync.Mutex
	nextID   uint32
	outbound map[uint32]*Transfer
	inbound  map[uint32]*InTransfer
	onIncoming func(*InTransfer)
}

// NewEngine constructs a Transfer engine bound to conn, registering itself
// as the handler for the transfer packet family. chunkSize <= 0 uses
// DefaultChunkSize.
func NewEngine(conn *packetconn.PacketConnection, chunkSize int) (*Engine, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	e := &Engine{
		conn:      conn,
		logger:    log.New("transfer"),
		chunkSize: chunkSize,
		outbound:  make(map[uint32]*Transfer),
		inbound:   make(map[uint32]*InTransfer),
	}
	if err := conn.AddHandler(e); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return e, nil
}

// OnIncomingTransfer registers the callback invoked when a remote peer
// starts a new inbound transfer.
func (e *Engine) OnIncomingTransfer(fn func(*InTransfer)) {
	e.mu.Lock()
	e.onIncoming = fn
	e.mu.Unlock()
}

// TransferInfo summarizes one transfer's progress for operator inspection.
type TransferInfo struct {
	ID        uint32
	Direction string // "outbound" or "inbound"
	Length    uint32
	Progress  uint32
	State     State
}

// Transfers reports every transfer, outbound and inbound, this Engine is
// currently tracking.
func (e *Engine) Transfers() []TransferInfo {
	e.mu.Lock()
	outbound := make([]*Transfer, 0, len(e.outbound))
	for _, t := range e.outbound {
		outbound = append(outbound, t)
	}
	inbound := make([]*InTransfer, 0, len(e.inbound))
	for _, t := range e.inbound {
		inbound = append(inbound, t)
	}
	e.mu.Unlock()

	out := make([]TransferInfo, 0, len(outbound)+len(inbound))
	for _, t := range outbound {
		out = append(out, TransferInfo{ID: t.ID(), Direction: "outbound", Length: t.length, Progress: t.Progress(), State: t.State()})
	}
	for _, t := range inbound {
		out = append(out, TransferInfo{ID: t.ID(), Direction: "inbound", Length: t.Length(), Progress: t.Progress(), State: t.State()})
	}
	return out
}

// Send starts a new outbound Transfer carrying data, returning immediately;
// the caller observes progress via Transfer.OnProgress/State.
func (e *Engine) Send(data []byte) *Transfer {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	t := &Transfer{id: id, conn: e.conn, length: uint32(len(data))}
	e.outbound[id] = t
	e.mu.Unlock()

	go t.send(data, e.chunkSize)
	return t
}

func (e *Engine) PacketTypes() []packet.Type {
	return []packet.Type{
		packet.TypeTransferStarted,
		packet.TypeDataPacket,
		packet.TypeTransferCancelled,
		packet.TypeTransferCompleted,
	}
}

func (e *Engine) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	switch v := p.(type) {
	case packet.TransferStarted:
		e.handleStarted(v)
	case packet.DataPacket:
		e.handleData(v)
	case packet.TransferCancelled:
		e.handleCancelled(v)
	case packet.TransferCompleted:
		e.handleCompleted(v)
	}
}

func (e *Engine) handleStarted(v packet.TransferStarted) {
	it := &InTransfer{id: v.TransferID, length: v.Length, logger: e.logger}
	e.mu.Lock()
	e.inbound[v.TransferID] = it
	onIncoming := e.onIncoming
	e.mu.Unlock()
	if onIncoming != nil {
		onIncoming(it)
	} else {
		e.logger.Warnf("transfer %d started with no OnIncomingTransfer handler registered", v.TransferID)
	}
}

func (e *Engine) handleData(v packet.DataPacket) {
	e.mu.Lock()
	it, ok := e.inbound[v.TransferID]
	e.mu.Unlock()
	if !ok {
		e.logger.Warnf("DataPacket for unknown transfer %d", v.TransferID)
		return
	}
	it.receiveChunk(v.Chunk)
}

func (e *Engine) handleCancelled(v packet.TransferCancelled) {
	e.mu.Lock()
	it, ok := e.inbound[v.TransferID]
	if ok {
		delete(e.inbound, v.TransferID)
	}
	e.mu.Unlock()
	if ok {
		it.cancel()
	}
}

func (e *Engine) handleCompleted(v packet.TransferCompleted) {
	e.mu.Lock()
	it, ok := e.inbound[v.TransferID]
	if ok {
		delete(e.inbound, v.TransferID)
	}
	e.mu.Unlock()
	if ok {
		it.complete()
	}
}

func (e *Engine) WillSwapUnderlyingConnection(*packetconn.PacketConnection)       {}
func (e *Engine) UnderlyingConnectionDidClose(*packetconn.PacketConnection, error) {}
func (e *Engine) UnderlyingConnectionDidConnect(*packetconn.PacketConnection)     {}
func (e *Engine) DidWriteAllPackets(*packetconn.PacketConnection)                 {}
