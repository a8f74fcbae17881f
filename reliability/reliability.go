// Package reliability implements the ReliabilityManager state machine: the
// three-packet orderly close and the bounded reconnect loop for one
// PacketConnection. Grounded on the teacher's peer/registry.go (tie-break
// and single-active-connection bookkeeping on duplicate/lost connections)
// and peer/manager.go's reconnect loop (attempt counter plus growing delay
// on repeated dial failure), reworked to await an explicit asynchronous
// success/failure signal from a ConnectionManager rather than a fixed
// timeout.
package reliability

import (
	"fmt"
	"sync"
	"time"

	"sreto/log"
	"sreto/packet"
	"sreto/packetconn"
	"sreto/peerid"
)

// MaxReconnectAttempts bounds the reconnect loop.
const MaxReconnectAttempts = 5

// Delegate observes the managed connection's high-level lifecycle.
type Delegate interface {
	ConnectionConnected()
	ConnectionClosedExpectedly()
	ConnectionClosedUnexpectedly(err error)
}

// ConnectionManager re-establishes a PacketConnection's underlying link on
// request. It must report the outcome exactly once per call, asynchronously,
// by invoking onResult(nil) on success or onResult(err) on failure; it must
// never be asked to start a second attempt for the same Manager while one is
// still outstanding.
type ConnectionManager interface {
	EstablishUnderlyingConnection(conn *packetconn.PacketConnection, onResult func(err error))
	// RemoveManagedConnection is called once a Manager's connection is
	// permanently done (clean close or reconnect exhaustion), so the
	// ConnectionManager can drop its bookkeeping for it.
	RemoveManagedConnection(conn *packetconn.PacketConnection)
}

// ReconnectDelays configures the reconnect loop's two fixed delays: the
// first retry fires after Short, every subsequent retry after Regular.
type ReconnectDelays struct {
	Short   time.Duration
	Regular time.Duration
}

// DefaultReconnectDelays matches the teacher's peer/manager.go starting
// point before its exponential growth kicks in.
func DefaultReconnectDelays() ReconnectDelays {
	return ReconnectDelays{Short: 2 * time.Second, Regular: 10 * time.Second}
}

// Manager owns one PacketConnection and drives its close protocol and
// reconnect loop.
type Manager struct {
	localID      peerid.Identifier
	conn         *packetconn.PacketConnection
	cm           ConnectionManager
	delegate     Delegate
	delays       ReconnectDelays
	isDriving    bool
	logger       *log.Logger

	mu                sync.Mutex
	destinations      map[peerid.Identifier]struct{}
	acks              map[peerid.Identifier]struct{}
	isExpectingClose  bool
	closeInitiated    bool
	attemptInFlight   bool
	attemptCount      int
	originalError     error
	reconnectTimer    *time.Timer
	stopped           bool
}

// New constructs a Manager for conn, wrapping and replacing its underlying
// link on loss. destinationIdentifiers is the set of peers whose
// CloseAcknowledge must all arrive before the close completes (for a direct
// 1:1 connection this is just the remote peer). isDriving marks the side
// responsible for reconnecting.
func New(localID peerid.Identifier, destinationIdentifiers []peerid.Identifier, conn *packetconn.PacketConnection, cm ConnectionManager, delegate Delegate, isDriving bool, delays ReconnectDelays) *Manager {
	dests := make(map[peerid.Identifier]struct{}, len(destinationIdentifiers))
	for _, d := range destinationIdentifiers {
		dests[d] = struct{}{}
	}
	m := &Manager{
		localID:      localID,
		conn:         conn,
		cm:           cm,
		delegate:     delegate,
		delays:       delays,
		isDriving:    isDriving,
		logger:       log.New("reliability"),
		destinations: dests,
		acks:         make(map[peerid.Identifier]struct{}),
	}
	if err := conn.AddHandler(m); err != nil {
		m.logger.Errorf("failed to register close-protocol handler: %v", err)
	}
	return m
}

// PacketTypes implements packetconn.Handler.
func (m *Manager) PacketTypes() []packet.Type {
	return []packet.Type{packet.TypeCloseRequest, packet.TypeCloseAnnounce, packet.TypeCloseAcknowledge}
}

// HandlePacket implements packetconn.Handler.
func (m *Manager) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	switch pkt := p.(type) {
	case packet.CloseRequest:
		m.handleCloseRequest()
	case packet.CloseAnnounce:
		m.handleCloseAnnounce()
	case packet.CloseAcknowledge:
		m.handleCloseAcknowledge(pkt.Source)
	}
}

// WillSwapUnderlyingConnection implements packetconn.Handler.
func (m *Manager) WillSwapUnderlyingConnection(conn *packetconn.PacketConnection) {}

// DidWriteAllPackets implements packetconn.Handler.
func (m *Manager) DidWriteAllPackets(conn *packetconn.PacketConnection) {}

// UnderlyingConnectionDidConnect implements packetconn.Handler: reset the
// reconnect loop and notify the delegate.
func (m *Manager) UnderlyingConnectionDidConnect(conn *packetconn.PacketConnection) {
	m.mu.Lock()
	m.attemptCount = 0
	m.originalError = nil
	m.attemptInFlight = false
	m.stopReconnectTimerLocked()
	m.mu.Unlock()

	m.delegate.ConnectionConnected()
}

// UnderlyingConnectionDidClose implements packetconn.Handler: drive the
// reconnect loop or finalize an expected close.
func (m *Manager) UnderlyingConnectionDidClose(conn *packetconn.PacketConnection, err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	expected := m.isExpectingClose
	m.mu.Unlock()

	if expected {
		m.finalize(func() { m.delegate.ConnectionClosedExpectedly() })
		return
	}

	m.mu.Lock()
	m.originalError = err
	m.mu.Unlock()
	m.scheduleReconnect()
}

// CloseConnection initiates the orderly close protocol: the driving side
// announces the close, the other side simply requests it.
func (m *Manager) CloseConnection() {
	m.mu.Lock()
	if m.closeInitiated {
		m.mu.Unlock()
		return
	}
	m.closeInitiated = true
	driving := m.isDriving
	m.mu.Unlock()

	if driving {
		_ = m.conn.Write(packet.CloseAnnounce{})
	} else {
		_ = m.conn.Write(packet.CloseRequest{})
	}
}

func (m *Manager) handleCloseRequest() {
	_ = m.conn.Write(packet.CloseAnnounce{})
}

func (m *Manager) handleCloseAnnounce() {
	m.mu.Lock()
	m.isExpectingClose = true
	m.mu.Unlock()
	_ = m.conn.Write(packet.CloseAcknowledge{Source: m.localID})
}

func (m *Manager) handleCloseAcknowledge(source peerid.Identifier) {
	m.mu.Lock()
	if _, known := m.destinations[source]; !known {
		m.mu.Unlock()
		m.logger.Warnf("CloseAcknowledge from unexpected source %s", source)
		return
	}
	m.acks[source] = struct{}{}
	complete := len(m.acks) == len(m.destinations)
	if complete {
		m.acks = make(map[peerid.Identifier]struct{})
		m.isExpectingClose = true
	}
	m.mu.Unlock()

	if complete {
		m.conn.DisconnectUnderlyingConnection()
	}
}

// scheduleReconnect arms the next reconnect attempt at the appropriate
// fixed delay, or gives up after MaxReconnectAttempts.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.stopped || m.attemptInFlight {
		m.mu.Unlock()
		return
	}
	delay := m.delays.Regular
	if m.attemptCount == 0 {
		delay = m.delays.Short
	}
	m.stopReconnectTimerLocked()
	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)
	m.mu.Unlock()
}

func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.attemptCount++
	attempt := m.attemptCount
	m.attemptInFlight = true
	m.mu.Unlock()

	if attempt > MaxReconnectAttempts {
		m.mu.Lock()
		origErr := m.originalError
		m.attemptInFlight = false
		m.mu.Unlock()
		m.finalize(func() {
			m.delegate.ConnectionClosedUnexpectedly(fmt.Errorf("reconnect exhausted after %d attempts: %w", MaxReconnectAttempts, origErr))
		})
		return
	}

	m.cm.EstablishUnderlyingConnection(m.conn, m.handleReconnectResult)
}

func (m *Manager) handleReconnectResult(err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.attemptInFlight = false
	m.mu.Unlock()

	if err == nil {
		// UnderlyingConnectionDidConnect, delivered by the PacketConnection
		// once the new link is attached, resets state and notifies the
		// delegate; nothing further to do here.
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) finalize(notify func()) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.stopReconnectTimerLocked()
	m.mu.Unlock()

	notify()
	m.cm.RemoveManagedConnection(m.conn)
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}
