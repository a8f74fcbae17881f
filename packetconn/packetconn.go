// Package packetconn implements the PacketConnection multiplexer: a closed
// set of typed packets exchanged over a replaceable underlying
// transport.Connection, dispatched to handlers by packet.Type. Grounded on
// the teacher's forward/dispatcher.go (route a decoded unit of work to the
// right consumer) and quic/transport.go's handleDecodedStream type switch
// (exactly one branch handles a given wire type).
package packetconn

import (
	"fmt"
	"sync"

	"sreto/log"
	"sreto/packet"
	"sreto/transport"
)

// State is the PacketConnection's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler consumes a declared set of packet.Types from a PacketConnection
// and observes its underlying-link lifecycle. Exactly one handler may
// claim any given packet.Type across a PacketConnection's handler set.
type Handler interface {
	PacketTypes() []packet.Type
	HandlePacket(conn *PacketConnection, p packet.Packet)
	WillSwapUnderlyingConnection(conn *PacketConnection)
	UnderlyingConnectionDidClose(conn *PacketConnection, err error)
	UnderlyingConnectionDidConnect(conn *PacketConnection)
	DidWriteAllPackets(conn *PacketConnection)
}

// PacketConnection multiplexes the packet codec over a replaceable
// transport.Connection. It implements transport.ConnectionDelegate so it
// can be bound directly to an underlying link.
type PacketConnection struct {
	mu         sync.Mutex
	underlying transport.Connection
	state      State
	outbox     [][]byte
	draining   bool
	closing    bool
	handlers   []Handler
	byType     map[packet.Type]Handler
	logger     *log.Logger
	consecutiveDecodeErrors int
}

// New wraps underlying in a PacketConnection, if underlying is non-nil, or
// starts Idle with no link if underlying is nil (the Router attaches a link
// later via SwapUnderlyingConnection).
func New(underlying transport.Connection) *PacketConnection {
	pc := &PacketConnection{
		byType: make(map[packet.Type]Handler),
		logger: log.New("packetconn"),
	}
	if underlying != nil {
		pc.underlying = underlying
		pc.state = StateConnected
		underlying.SetDelegate(pc)
	}
	return pc
}

// Bind attaches conn as the initial underlying link for a PacketConnection
// constructed with New(nil) — the pattern used on the dialing side, where a
// PacketConnection must exist as a transport.ConnectionDelegate before
// Address.Dial returns the Connection to bind. The Connected transition
// itself happens when the link calls back DidOpen; an already-open
// accepted connection should instead be wrapped directly via New(conn).
func (pc *PacketConnection) Bind(conn transport.Connection) {
	pc.mu.Lock()
	pc.underlying = conn
	pc.mu.Unlock()
	conn.SetDelegate(pc)
}

// AddHandler registers h for the packet types it declares. It is an error
// for h's types to overlap a previously registered handler's types.
func (pc *PacketConnection) AddHandler(h Handler) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, t := range h.PacketTypes() {
		if _, exists := pc.byType[t]; exists {
			return fmt.Errorf("packetconn: handler already registered for type %s", t)
		}
	}
	for _, t := range h.PacketTypes() {
		pc.byType[t] = h
	}
	pc.handlers = append(pc.handlers, h)
	return nil
}

// RemoveHandler unregisters h.
func (pc *PacketConnection) RemoveHandler(h Handler) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, t := range h.PacketTypes() {
		if pc.byType[t] == h {
			delete(pc.byType, t)
		}
	}
	for i, reg := range pc.handlers {
		if reg == h {
			pc.handlers = append(pc.handlers[:i], pc.handlers[i+1:]...)
			break
		}
	}
}

// State reports the current lifecycle state.
func (pc *PacketConnection) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Write serializes p and appends it to the outbox, beginning drain if the
// connection is Connected and no drain is already in flight. Write never
// blocks on transmission.
func (pc *PacketConnection) Write(p packet.Packet) error {
	frame, err := packet.Serialize(p)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	pc.outbox = append(pc.outbox, frame)
	shouldDrain := pc.state == StateConnected && !pc.draining
	if shouldDrain {
		pc.draining = true
		pc.state = StateDraining
	}
	pc.mu.Unlock()

	if shouldDrain {
		pc.drain()
	}
	return nil
}

// drain sends outbox frames in FIFO order until it empties or the link
// rejects a send, at which point the failure is treated as a link close.
func (pc *PacketConnection) drain() {
	for {
		pc.mu.Lock()
		if len(pc.outbox) == 0 {
			pc.draining = false
			if pc.state == StateDraining {
				pc.state = StateConnected
			}
			handlers := pc.snapshotHandlersLocked()
			pc.mu.Unlock()
			for _, h := range handlers {
				h.DidWriteAllPackets(pc)
			}
			return
		}
		frame := pc.outbox[0]
		link := pc.underlying
		pc.mu.Unlock()

		if link == nil {
			return
		}
		if err := link.Send(frame); err != nil {
			pc.logger.Warnf("send failed, tearing down link: %v", err)
			pc.handleClose(err)
			return
		}

		pc.mu.Lock()
		pc.outbox = pc.outbox[1:]
		pc.mu.Unlock()
	}
}

// SwapUnderlyingConnection detaches the current link without emitting a
// close notification and attaches new, preserving the outbox.
func (pc *PacketConnection) SwapUnderlyingConnection(newLink transport.Connection) {
	pc.mu.Lock()
	handlers := pc.snapshotHandlersLocked()
	old := pc.underlying
	pc.mu.Unlock()

	for _, h := range handlers {
		h.WillSwapUnderlyingConnection(pc)
	}

	if old != nil {
		old.SetDelegate(nil)
	}

	pc.mu.Lock()
	pc.underlying = newLink
	pc.state = StateConnected
	pc.closing = false
	outboxNonEmpty := len(pc.outbox) > 0
	pc.mu.Unlock()

	if newLink != nil {
		newLink.SetDelegate(pc)
	}
	for _, h := range handlers {
		h.UnderlyingConnectionDidConnect(pc)
	}
	if outboxNonEmpty {
		pc.mu.Lock()
		if pc.state == StateConnected && !pc.draining {
			pc.draining = true
			pc.state = StateDraining
			pc.mu.Unlock()
			pc.drain()
		} else {
			pc.mu.Unlock()
		}
	}
}

// DisconnectUnderlyingConnection tears the link down cleanly and emits
// underlyingConnectionDidClose(nil) to handlers.
func (pc *PacketConnection) DisconnectUnderlyingConnection() {
	pc.mu.Lock()
	link := pc.underlying
	pc.closing = true
	pc.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	pc.handleClose(nil)
}

func (pc *PacketConnection) snapshotHandlersLocked() []Handler {
	out := make([]Handler, len(pc.handlers))
	copy(out, pc.handlers)
	return out
}

func (pc *PacketConnection) handleClose(err error) {
	pc.mu.Lock()
	if pc.state == StateClosed {
		pc.mu.Unlock()
		return
	}
	pc.state = StateClosed
	pc.underlying = nil
	pc.draining = false
	pc.closing = false
	handlers := pc.snapshotHandlersLocked()
	pc.mu.Unlock()

	for _, h := range handlers {
		h.UnderlyingConnectionDidClose(pc, err)
	}
}

// --- transport.ConnectionDelegate ---

func (pc *PacketConnection) DidOpen() {
	pc.mu.Lock()
	wasClosed := pc.state == StateClosed || pc.state == StateIdle
	pc.state = StateConnected
	outboxNonEmpty := len(pc.outbox) > 0 && !pc.draining
	handlers := pc.snapshotHandlersLocked()
	pc.mu.Unlock()

	if wasClosed {
		for _, h := range handlers {
			h.UnderlyingConnectionDidConnect(pc)
		}
	}
	if outboxNonEmpty {
		pc.mu.Lock()
		pc.draining = true
		pc.state = StateDraining
		pc.mu.Unlock()
		pc.drain()
	}
}

func (pc *PacketConnection) DidReceiveMessage(frame []byte) {
	p, err := packet.Deserialize(frame)
	if err != nil {
		pc.mu.Lock()
		pc.consecutiveDecodeErrors++
		n := pc.consecutiveDecodeErrors
		pc.mu.Unlock()
		pc.logger.Errorf("dropping undecodable frame (%d consecutive): %v", n, err)
		if n >= 3 {
			pc.logger.Errorf("tearing down link after repeated decode errors")
			pc.DisconnectUnderlyingConnection()
		}
		return
	}

	pc.mu.Lock()
	pc.consecutiveDecodeErrors = 0
	h, ok := pc.byType[p.Type()]
	pc.mu.Unlock()

	if !ok {
		pc.logger.Warnf("no handler registered for packet type %s", p.Type())
		return
	}
	h.HandlePacket(pc, p)
}

func (pc *PacketConnection) DidClose(code int, reason string, wasClean bool) {
	pc.mu.Lock()
	closing := pc.closing
	pc.mu.Unlock()
	if closing {
		return
	}
	var err error
	if !wasClean {
		err = fmt.Errorf("packetconn: link closed uncleanly (code=%d reason=%s)", code, reason)
	}
	pc.handleClose(err)
}

func (pc *PacketConnection) DidFailWithError(err error) {
	pc.handleClose(err)
}
