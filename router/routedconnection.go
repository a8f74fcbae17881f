package router

import (
	"context"
	"sync"
	"time"

	"sreto/packet"
	"sreto/packetconn"
	"sreto/peerid"
	"sreto/routetree"
)

// RoutedConnection is the user-facing handle for an established unicast or
// multicast routed connection. It is realized as a handle onto a
// Router-owned session rather than wrapping a single PacketConnection
// directly, since true multicast forwards each frame to every configured
// next-hop link, not just one (see DESIGN.md). For the common unicast case
// the session has exactly one child connection.
type RoutedConnection struct {
	self         peerid.Identifier
	destinations []peerid.Identifier
	session      *session

	mu     sync.Mutex
	onData func(from peerid.Identifier, data []byte)
}

// OnData registers the callback invoked for every opaque data frame this
// connection's session forwards up to the application layer.
func (c *RoutedConnection) OnData(fn func(from peerid.Identifier, data []byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *RoutedConnection) deliver(from peerid.Identifier, data []byte) {
	c.mu.Lock()
	fn := c.onData
	c.mu.Unlock()
	if fn != nil {
		fn(from, data)
	}
}

// Write sends an opaque data frame along this routed connection. On the
// initiator's handle it goes to every destination; on a handle held by a
// destination or intermediate it goes upstream towards the initiator only.
func (c *RoutedConnection) Write(data []byte) error {
	return c.session.writeData(c.self, data)
}

// Destinations reports the full destination set this connection was
// established for.
func (c *RoutedConnection) Destinations() []peerid.Identifier { return c.destinations }

// Close tears the session down: every child connection is disconnected.
func (c *RoutedConnection) Close() {
	c.session.close()
}

// session is the Router-internal bookkeeping for one routed-connection tree
// edge set: an optional upstream link (nil at the initiator), one
// downstream link per direct child, and (at the initiator) the confirmation
// aggregation state.
type session struct {
	router       *Router
	id           uint64
	source       peerid.Identifier
	destinations map[peerid.Identifier]struct{}
	selfIsDest   bool

	mu         sync.Mutex
	upstream   *packetconn.PacketConnection
	downstream map[peerid.Identifier]*packetconn.PacketConnection
	acks       map[peerid.Identifier]struct{}
	handle     *RoutedConnection
	onEstablished func(*RoutedConnection)
	onFailed      func(error)
	finalized     bool
}

type sessionConfirmationHandler struct {
	s    *session
	side peerid.Identifier // the child peer this downstream connection goes to
}

func (h *sessionConfirmationHandler) PacketTypes() []packet.Type {
	return []packet.Type{packet.TypeRoutedConnectionEstablishedConfirmation, packet.TypeDataPacket}
}

func (h *sessionConfirmationHandler) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	switch v := p.(type) {
	case packet.RoutedConnectionEstablishedConfirmation:
		h.s.handleConfirmationFromDownstream(v.Source)
	case packet.DataPacket:
		h.s.handleDataFromDownstream(h.side, v.Chunk)
	}
}

func (h *sessionConfirmationHandler) WillSwapUnderlyingConnection(*packetconn.PacketConnection)    {}
func (h *sessionConfirmationHandler) UnderlyingConnectionDidClose(*packetconn.PacketConnection, error) {}
func (h *sessionConfirmationHandler) UnderlyingConnectionDidConnect(*packetconn.PacketConnection)  {}
func (h *sessionConfirmationHandler) DidWriteAllPackets(*packetconn.PacketConnection)               {}

type sessionUpstreamHandler struct {
	s *session
}

func (h *sessionUpstreamHandler) PacketTypes() []packet.Type {
	return []packet.Type{packet.TypeDataPacket}
}

func (h *sessionUpstreamHandler) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	if v, ok := p.(packet.DataPacket); ok {
		h.s.handleDataFromUpstream(v.Chunk)
	}
}

func (h *sessionUpstreamHandler) WillSwapUnderlyingConnection(*packetconn.PacketConnection)    {}
func (h *sessionUpstreamHandler) UnderlyingConnectionDidClose(*packetconn.PacketConnection, error) {}
func (h *sessionUpstreamHandler) UnderlyingConnectionDidConnect(*packetconn.PacketConnection)  {}
func (h *sessionUpstreamHandler) DidWriteAllPackets(*packetconn.PacketConnection)              {}

func newSession(r *Router, source peerid.Identifier, destinations []peerid.Identifier) *session {
	dests := make(map[peerid.Identifier]struct{}, len(destinations))
	for _, d := range destinations {
		dests[d] = struct{}{}
	}
	_, selfIsDest := dests[r.self]

	r.mu.Lock()
	r.nextSession++
	id := r.nextSession
	s := &session{
		router:       r,
		id:           id,
		source:       source,
		destinations: dests,
		selfIsDest:   selfIsDest,
		downstream:   make(map[peerid.Identifier]*packetconn.PacketConnection),
		acks:         make(map[peerid.Identifier]struct{}),
	}
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// forget removes the session from the Router's bookkeeping once it has been
// closed; an established session stays registered until then.
func (s *session) forget() {
	s.router.mu.Lock()
	delete(s.router.sessions, s.id)
	s.router.mu.Unlock()
}

func (s *session) addChild(child peerid.Identifier, conn *packetconn.PacketConnection) {
	s.mu.Lock()
	s.downstream[child] = conn
	s.mu.Unlock()
	_ = conn.AddHandler(&sessionConfirmationHandler{s: s, side: child})
}

func (s *session) setUpstream(conn *packetconn.PacketConnection) {
	s.mu.Lock()
	s.upstream = conn
	s.mu.Unlock()
	_ = conn.AddHandler(&sessionUpstreamHandler{s: s})
}

// handleConfirmationFromDownstream is called whenever a child connection
// reports a RoutedConnectionEstablishedConfirmation (either its own, if it
// is a destination, or one it is relaying further down its own subtree).
func (s *session) handleConfirmationFromDownstream(source peerid.Identifier) {
	s.mu.Lock()
	upstream := s.upstream
	s.mu.Unlock()

	if upstream != nil {
		// Intermediate: forward unchanged.
		_ = upstream.Write(packet.RoutedConnectionEstablishedConfirmation{Source: source})
		return
	}
	s.recordAck(source)
}

// confirmLocal is called once, at construction, for a peer that is itself
// a destination: it surfaces its own confirmation upstream (intermediate)
// or records it directly (initiator, when it names itself as a
// destination).
func (s *session) confirmLocal(self peerid.Identifier) {
	s.mu.Lock()
	upstream := s.upstream
	s.mu.Unlock()
	if upstream != nil {
		_ = upstream.Write(packet.RoutedConnectionEstablishedConfirmation{Source: self})
		return
	}
	s.recordAck(self)
}

func (s *session) recordAck(source peerid.Identifier) {
	s.mu.Lock()
	if _, known := s.destinations[source]; !known {
		s.mu.Unlock()
		return
	}
	s.acks[source] = struct{}{}
	complete := len(s.acks) == len(s.destinations)
	handle := s.handle
	onEstablished := s.onEstablished
	finalized := s.finalized
	if complete && !finalized {
		s.finalized = true
	}
	s.mu.Unlock()

	if complete && !finalized && onEstablished != nil {
		onEstablished(handle)
	}
}

func (s *session) handleDataFromDownstream(from peerid.Identifier, data []byte) {
	s.mu.Lock()
	upstream := s.upstream
	handle := s.handle
	s.mu.Unlock()
	if upstream != nil {
		_ = upstream.Write(packet.DataPacket{Chunk: data})
		return
	}
	if handle != nil {
		handle.deliver(from, data)
	}
}

func (s *session) handleDataFromUpstream(data []byte) {
	s.mu.Lock()
	children := make([]*packetconn.PacketConnection, 0, len(s.downstream))
	for _, c := range s.downstream {
		children = append(children, c)
	}
	handle := s.handle
	selfIsDest := s.selfIsDest
	s.mu.Unlock()

	for _, c := range children {
		_ = c.Write(packet.DataPacket{Chunk: data})
	}
	if selfIsDest && handle != nil {
		handle.deliver(s.source, data)
	}
}

func (s *session) writeData(from peerid.Identifier, data []byte) error {
	s.mu.Lock()
	upstream := s.upstream
	children := make([]*packetconn.PacketConnection, 0, len(s.downstream))
	for _, c := range s.downstream {
		children = append(children, c)
	}
	s.mu.Unlock()

	if upstream != nil {
		return upstream.Write(packet.DataPacket{Chunk: data})
	}
	for _, c := range children {
		if err := c.Write(packet.DataPacket{Chunk: data}); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) close() {
	s.mu.Lock()
	children := make([]*packetconn.PacketConnection, 0, len(s.downstream))
	for _, c := range s.downstream {
		children = append(children, c)
	}
	upstream := s.upstream
	s.mu.Unlock()

	for _, c := range children {
		c.DisconnectUnderlyingConnection()
	}
	if upstream != nil {
		upstream.DisconnectUnderlyingConnection()
	}
	s.forget()
}

// EstablishRoutedConnection opens a unicast or multicast routed connection
// to destinations: it builds the next-hop tree, opens a direct Routed link
// to each of the root's children, and sends each a MulticastHandshake
// carrying its slice of the tree. For a non-empty destination set exactly
// one callback fires: onEstablished once every destination has confirmed,
// or, if some have not, when ConfirmationTimeout elapses (the missing ones
// are only logged); onFailed instead if no destination has a route, or if
// none confirmed before the timeout.
func (r *Router) EstablishRoutedConnection(ctx context.Context, destinations []peerid.Identifier, onEstablished func(*RoutedConnection), onFailed func(error)) {
	tree := routetree.Build(r.self, destinations, r.NextHopLookup())

	var unreachable []peerid.Identifier
	for _, d := range destinations {
		if d == r.self {
			continue
		}
		if _, _, ok := r.table.Lookup(d); !ok {
			unreachable = append(unreachable, d)
		}
	}

	s := newSession(r, r.self, destinations)
	s.onEstablished = func(rc *RoutedConnection) {
		r.metrics.RoutedConnectionEstablished()
		if onEstablished != nil {
			onEstablished(rc)
		}
	}
	s.onFailed = onFailed
	handle := &RoutedConnection{self: r.self, destinations: destinations, session: s}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	for _, u := range unreachable {
		r.logger.Warnf("no route to destination %s", u)
	}
	if len(unreachable) == len(destinations) && len(destinations) > 0 {
		onFailed(&RoutingError{Destination: unreachable[0], Reason: "no route for any destination"})
		return
	}

	if _, selfDest := s.destinations[r.self]; selfDest {
		s.confirmLocal(r.self)
	}

	for _, child := range tree.Children() {
		subtree, _ := tree.Subtree(child)
		conn, err := r.EstablishDirectConnection(ctx, child, packet.PurposeRouted)
		if err != nil {
			r.logger.Warnf("failed to open routed link to %s: %v", child, err)
			continue
		}
		s.addChild(child, conn)
		_ = conn.Write(packet.MulticastHandshake{SourcePeerID: r.self, DestinationIdentifiers: destinations, NextHopTree: subtree})
	}

	time.AfterFunc(ConfirmationTimeout, func() {
		s.mu.Lock()
		if s.finalized {
			s.mu.Unlock()
			return
		}
		missing := make([]peerid.Identifier, 0)
		for d := range s.destinations {
			if _, ok := s.acks[d]; !ok {
				missing = append(missing, d)
			}
		}
		allMissing := len(missing) == len(s.destinations)
		s.finalized = true
		s.mu.Unlock()

		if len(missing) == 0 {
			return
		}
		if allMissing {
			onFailed(&RoutingError{Destination: missing[0], Reason: "confirmation timeout"})
			return
		}
		for _, m := range missing {
			r.logger.Warnf("routed connection established without confirmation from %s (timed out)", m)
		}
		s.onEstablished(handle)
	})
}

// acceptRoutedLink wires a freshly classified Routed direct link: it expects
// exactly one MulticastHandshake, from which it derives (or joins) a
// session and fans out to its own subtree's direct children.
func (r *Router) acceptRoutedLink(peer peerid.Identifier, conn *packetconn.PacketConnection) {
	h := &multicastHandshakeHandler{router: r, conn: conn, upstreamPeer: peer}
	if err := conn.AddHandler(h); err != nil {
		r.logger.Errorf("failed to register multicast handshake handler: %v", err)
	}
}

type multicastHandshakeHandler struct {
	router       *Router
	conn         *packetconn.PacketConnection
	upstreamPeer peerid.Identifier

	mu   sync.Mutex
	done bool
}

func (h *multicastHandshakeHandler) PacketTypes() []packet.Type {
	return []packet.Type{packet.TypeMulticastHandshake}
}

func (h *multicastHandshakeHandler) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	hs, ok := p.(packet.MulticastHandshake)
	if !ok {
		return
	}
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()
	conn.RemoveHandler(h)

	h.router.handleMulticastHandshake(conn, hs)
}

func (h *multicastHandshakeHandler) WillSwapUnderlyingConnection(*packetconn.PacketConnection)    {}
func (h *multicastHandshakeHandler) UnderlyingConnectionDidClose(*packetconn.PacketConnection, error) {}
func (h *multicastHandshakeHandler) UnderlyingConnectionDidConnect(*packetconn.PacketConnection)  {}
func (h *multicastHandshakeHandler) DidWriteAllPackets(*packetconn.PacketConnection)               {}

func (r *Router) handleMulticastHandshake(upstream *packetconn.PacketConnection, hs packet.MulticastHandshake) {
	s := newSession(r, hs.SourcePeerID, hs.DestinationIdentifiers)
	s.setUpstream(upstream)

	handle := &RoutedConnection{self: r.self, destinations: hs.DestinationIdentifiers, session: s}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if s.selfIsDest {
		s.confirmLocal(r.self)
		r.logger.Infof("routed connection from %s reached destination %s", hs.SourcePeerID, r.self)

		r.mu.Lock()
		onIncoming := r.onIncomingRoutedConnection
		r.mu.Unlock()
		if onIncoming != nil {
			onIncoming(handle)
		}
	}

	for _, child := range hs.NextHopTree.Children() {
		subtree, _ := hs.NextHopTree.Subtree(child)
		ctx, cancel := context.WithTimeout(context.Background(), HandshakeTimeout)
		conn, err := r.EstablishDirectConnection(ctx, child, packet.PurposeRouted)
		cancel()
		if err != nil {
			r.logger.Warnf("intermediate failed to open routed link to %s: %v", child, err)
			continue
		}
		s.addChild(child, conn)
		_ = conn.Write(packet.MulticastHandshake{SourcePeerID: hs.SourcePeerID, DestinationIdentifiers: hs.DestinationIdentifiers, NextHopTree: subtree})
	}
}
