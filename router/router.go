// Package router implements the Router (spec component C6): the peer
// graph, the routing metadata protocol that disseminates reachability, and
// routed (unicast/multicast) connection establishment via the spanning-tree
// abstraction in routetree. Grounded on the teacher's netgraph/routes.go
// (a flat per-network route table, generalized here to per-peer reachability
// with hop counts) and control/announce.go's add/remove-with-hop-count
// dissemination idiom, rewritten against the closed binary packet codec
// instead of ad hoc JSON control frames (see DESIGN.md).
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sreto/log"
	"sreto/packet"
	"sreto/packetconn"
	"sreto/peerid"
	"sreto/reliability"
	"sreto/routetree"
	"sreto/transfer"
	"sreto/transport"
)

// RoutingError is surfaced to user code when a routed connection cannot be
// established because a named destination has no known route.
type RoutingError struct {
	Destination peerid.Identifier
	Reason      string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: no route to %s (%s)", e.Destination, e.Reason)
}

// ConfirmationTimeout bounds how long the initiator of a routed connection
// waits for RoutedConnectionEstablishedConfirmation from every destination
// before giving up on the unreachable ones.
const ConfirmationTimeout = 10 * time.Second

// HandshakeTimeout bounds how long a freshly opened direct link is given to
// deliver its LinkHandshake before being torn down.
const HandshakeTimeout = 5 * time.Second

// Router owns the peer graph and every Routing PacketConnection, and builds
// Routed connections on request.
type Router struct {
	self    peerid.Identifier
	module  transport.Module
	logger  *log.Logger
	delays  reliability.ReconnectDelays
	metrics Metrics

	transferChunkSize int

	mu                         sync.Mutex
	addresses                  map[peerid.Identifier][]transport.Address
	routingLink                map[peerid.Identifier]*managedLink
	table                      *routingTable
	sessions                   map[uint64]*session
	nextSession                uint64
	onIncomingRoutedConnection func(*RoutedConnection)
}

// Metrics is the subset of metrics.Registry the Router reports into. Kept
// as a narrow interface so the router package does not import metrics
// directly.
type Metrics interface {
	RoutedConnectionEstablished()
	SpanningTreeRebuilt()
	ReconnectAttempted()
}

type noopMetrics struct{}

func (noopMetrics) RoutedConnectionEstablished() {}
func (noopMetrics) SpanningTreeRebuilt()          {}
func (noopMetrics) ReconnectAttempted()           {}

// managedLink pairs a PacketConnection to a direct neighbor with the
// reliability.Manager driving its close/reconnect behavior.
type managedLink struct {
	peer    peerid.Identifier
	address transport.Address
	conn    *packetconn.PacketConnection
	manager *reliability.Manager
	purpose packet.Purpose
	engine  *transfer.Engine
}

// New constructs a Router identified as self, discovering and dialing peers
// through module.
func New(self peerid.Identifier, module transport.Module, delays reliability.ReconnectDelays) *Router {
	r := &Router{
		self:        self,
		module:      module,
		logger:      log.New("router"),
		delays:      delays,
		metrics:     noopMetrics{},
		addresses:   make(map[peerid.Identifier][]transport.Address),
		routingLink: make(map[peerid.Identifier]*managedLink),
		table:       newRoutingTable(),
		sessions:    make(map[uint64]*session),
	}
	module.Advertiser().SetDelegate((*advertiserDelegate)(r))
	module.Browser().SetDelegate((*browserDelegate)(r))
	return r
}

// SetMetrics wires a metrics sink. Optional; the Router is a no-op sink by
// default.
func (r *Router) SetMetrics(m Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// SetTransferChunkSize configures the chunk size every transfer.Engine
// attached to a routing link uses. n <= 0 leaves transfer.DefaultChunkSize
// in effect. Takes effect on routing links established after the call.
func (r *Router) SetTransferChunkSize(n int) {
	r.mu.Lock()
	r.transferChunkSize = n
	r.mu.Unlock()
}

// OnIncomingRoutedConnection registers the callback invoked whenever this
// peer is named as a destination of an incoming routed or multicast
// connection (as opposed to one it initiated itself via
// EstablishRoutedConnection). fn receives the same *RoutedConnection handle
// an initiator would get, ready for OnData/Write/Close. Unset by default,
// in which case the local peer still participates in relaying the
// connection but the application layer has no way to observe it.
func (r *Router) OnIncomingRoutedConnection(fn func(*RoutedConnection)) {
	r.mu.Lock()
	r.onIncomingRoutedConnection = fn
	r.mu.Unlock()
}

// Self returns the Router's own identifier.
func (r *Router) Self() peerid.Identifier { return r.self }

// --- discovery ---

type advertiserDelegate Router

func (a *advertiserDelegate) DidStartAdvertising()     {}
func (a *advertiserDelegate) DidStopAdvertising(error) {}
func (a *advertiserDelegate) HandleConnection(conn transport.Connection) {
	r := (*Router)(a)
	r.acceptIncoming(conn)
}

type browserDelegate Router

func (b *browserDelegate) DidStartBrowsing()     {}
func (b *browserDelegate) DidStopBrowsing(error) {}
func (b *browserDelegate) DidDiscoverAddress(addr transport.Address, id peerid.Identifier) {
	r := (*Router)(b)
	r.mu.Lock()
	r.addresses[id] = append(r.addresses[id], addr)
	r.mu.Unlock()
}
func (b *browserDelegate) DidRemoveAddress(addr transport.Address, id peerid.Identifier) {
	r := (*Router)(b)
	r.mu.Lock()
	addrs := r.addresses[id]
	for i, a := range addrs {
		if a == addr {
			r.addresses[id] = append(addrs[:i], addrs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// --- direct connection establishment ---

// EstablishDirectConnection opens a new underlying link to id for the given
// purpose, classifies it with a LinkHandshake, and (for Routing purpose)
// registers it as the peer's routing connection.
func (r *Router) EstablishDirectConnection(ctx context.Context, id peerid.Identifier, purpose packet.Purpose) (*packetconn.PacketConnection, error) {
	r.mu.Lock()
	addrs := r.addresses[id]
	r.mu.Unlock()
	if len(addrs) == 0 {
		return nil, &RoutingError{Destination: id, Reason: "no known address"}
	}

	pc := packetconn.New(nil)
	conn, err := addrs[0].Dial(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("router: dial to %s failed: %w", id, err)
	}
	pc.Bind(conn)
	if err := pc.Write(packet.LinkHandshake{PeerID: r.self, Purpose: purpose}); err != nil {
		return nil, err
	}

	if purpose == packet.PurposeRouting {
		r.registerRoutingLink(id, addrs[0], pc)
	}
	return pc, nil
}

func (r *Router) acceptIncoming(conn transport.Connection) {
	pc := packetconn.New(conn)
	handshakeHandler := &linkHandshakeHandler{router: r, conn: pc}
	if err := pc.AddHandler(handshakeHandler); err != nil {
		r.logger.Errorf("failed to register handshake handler: %v", err)
		return
	}
	time.AfterFunc(HandshakeTimeout, func() {
		if !handshakeHandler.classified() {
			r.logger.Warnf("link handshake timed out, tearing down")
			pc.DisconnectUnderlyingConnection()
		}
	})
}

// linkHandshakeHandler consumes the first LinkHandshake on a freshly
// accepted link and classifies it.
type linkHandshakeHandler struct {
	router *Router
	conn   *packetconn.PacketConnection

	mu   sync.Mutex
	done bool
}

func (h *linkHandshakeHandler) classified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *linkHandshakeHandler) PacketTypes() []packet.Type { return []packet.Type{packet.TypeLinkHandshake} }

func (h *linkHandshakeHandler) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	hs, ok := p.(packet.LinkHandshake)
	if !ok {
		return
	}
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
	conn.RemoveHandler(h)

	switch hs.Purpose {
	case packet.PurposeRouting:
		h.router.registerRoutingLink(hs.PeerID, nil, conn)
	case packet.PurposeRouted:
		h.router.acceptRoutedLink(hs.PeerID, conn)
	default:
		h.router.logger.Warnf("handshake with unknown purpose from %s", hs.PeerID)
		conn.DisconnectUnderlyingConnection()
	}
}

func (h *linkHandshakeHandler) WillSwapUnderlyingConnection(*packetconn.PacketConnection)    {}
func (h *linkHandshakeHandler) UnderlyingConnectionDidClose(*packetconn.PacketConnection, error) {}
func (h *linkHandshakeHandler) UnderlyingConnectionDidConnect(*packetconn.PacketConnection)  {}
func (h *linkHandshakeHandler) DidWriteAllPackets(*packetconn.PacketConnection)              {}

func (r *Router) registerRoutingLink(peer peerid.Identifier, addr transport.Address, conn *packetconn.PacketConnection) {
	link := &managedLink{peer: peer, address: addr, conn: conn, purpose: packet.PurposeRouting}
	link.manager = reliability.New(r.self, []peerid.Identifier{peer}, conn, (*routerConnectionManager)(r), (*linkDelegate)(link), true, r.delays)

	routing := &routingMetadataHandler{router: r, peer: peer}
	if err := conn.AddHandler(routing); err != nil {
		r.logger.Errorf("failed to register routing handler for %s: %v", peer, err)
	}

	r.mu.Lock()
	chunkSize := r.transferChunkSize
	r.mu.Unlock()
	engine, err := transfer.NewEngine(conn, chunkSize)
	if err != nil {
		r.logger.Errorf("failed to attach transfer engine for %s: %v", peer, err)
	} else {
		engine.OnIncomingTransfer(func(it *transfer.InTransfer) {
			r.logger.Infof("incoming transfer %d from %s (%d bytes)", it.ID(), peer, it.Length())
		})
		link.engine = engine
	}

	r.mu.Lock()
	r.routingLink[peer] = link
	r.mu.Unlock()

	r.advertiseSelfTo(peer, conn)
}

// advertiseSelfTo sends an initial RouteAdvertise announcing the local peer
// itself as reachable in one hop (Path = [self], self also being the
// destination) to a freshly established routing neighbor, seeding its table.
func (r *Router) advertiseSelfTo(peer peerid.Identifier, conn *packetconn.PacketConnection) {
	_ = conn.Write(packet.RouteAdvertise{Destination: r.self, Path: []peerid.Identifier{r.self}})
}

type linkDelegate managedLink

func (d *linkDelegate) ConnectionConnected() {}
func (d *linkDelegate) ConnectionClosedExpectedly() {}
func (d *linkDelegate) ConnectionClosedUnexpectedly(err error) {}

// routerConnectionManager implements reliability.ConnectionManager by
// redialing the peer's last known address, reporting the outcome
// asynchronously and keeping at most one attempt in flight at a time.
type routerConnectionManager Router

func (cm *routerConnectionManager) EstablishUnderlyingConnection(conn *packetconn.PacketConnection, onResult func(error)) {
	r := (*Router)(cm)
	r.mu.Lock()
	r.metrics.ReconnectAttempted()
	var addr transport.Address
	for _, link := range r.routingLink {
		if link.conn == conn && link.address != nil {
			addr = link.address
		}
	}
	r.mu.Unlock()
	if addr == nil {
		go onResult(errors.New("router: no address to reconnect through"))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), HandshakeTimeout)
		defer cancel()
		newConn, err := addr.Dial(ctx, conn)
		if err != nil {
			onResult(err)
			return
		}
		conn.SwapUnderlyingConnection(newConn)
		onResult(nil)
	}()
}

func (cm *routerConnectionManager) RemoveManagedConnection(conn *packetconn.PacketConnection) {
	r := (*Router)(cm)
	r.mu.Lock()
	for peer, link := range r.routingLink {
		if link.conn == conn {
			delete(r.routingLink, peer)
			r.mu.Unlock()
			for _, d := range r.table.RemoveNeighbor(peer) {
				r.propagateWithdraw(peer, d)
			}
			return
		}
	}
	r.mu.Unlock()
}

// --- routing metadata protocol ---

type routingMetadataHandler struct {
	router *Router
	peer   peerid.Identifier
}

func (h *routingMetadataHandler) PacketTypes() []packet.Type {
	return []packet.Type{packet.TypeRouteAdvertise, packet.TypeRouteWithdraw}
}

func (h *routingMetadataHandler) HandlePacket(conn *packetconn.PacketConnection, p packet.Packet) {
	switch v := p.(type) {
	case packet.RouteAdvertise:
		h.router.handleRouteAdvertise(h.peer, v)
	case packet.RouteWithdraw:
		h.router.handleRouteWithdraw(h.peer, v)
	}
}

func (h *routingMetadataHandler) WillSwapUnderlyingConnection(*packetconn.PacketConnection)    {}
func (h *routingMetadataHandler) UnderlyingConnectionDidClose(*packetconn.PacketConnection, error) {}
func (h *routingMetadataHandler) UnderlyingConnectionDidConnect(*packetconn.PacketConnection)  {}
func (h *routingMetadataHandler) DidWriteAllPackets(*packetconn.PacketConnection)              {}

func (r *Router) handleRouteAdvertise(via peerid.Identifier, v packet.RouteAdvertise) {
	if v.Destination == r.self {
		return
	}
	myPath := v.Path // starts with via (the sender) and ends at v.Destination
	if containsSelf(myPath, r.self) {
		return // would-be routing loop through ourselves
	}
	changed := r.table.Add(via, v.Destination, myPath)
	if changed {
		r.metrics.SpanningTreeRebuilt()
		r.propagateAdvertise(via, v.Destination, myPath)
	}
}

func (r *Router) handleRouteWithdraw(via peerid.Identifier, v packet.RouteWithdraw) {
	if r.table.Remove(via, v.Destination) {
		r.metrics.SpanningTreeRebuilt()
		r.propagateWithdraw(via, v.Destination)
	}
}

func containsSelf(path []peerid.Identifier, self peerid.Identifier) bool {
	for _, id := range path {
		if id == self {
			return true
		}
	}
	return false
}

// propagateAdvertise forwards a learned route to every other routing
// neighbor (split horizon: never back to the neighbor it came from).
func (r *Router) propagateAdvertise(except peerid.Identifier, destination peerid.Identifier, path []peerid.Identifier) {
	r.mu.Lock()
	links := make([]*managedLink, 0, len(r.routingLink))
	for peer, link := range r.routingLink {
		if peer == except {
			continue
		}
		links = append(links, link)
	}
	r.mu.Unlock()

	outPath := append([]peerid.Identifier{r.self}, path...)
	for _, link := range links {
		_ = link.conn.Write(packet.RouteAdvertise{Destination: destination, Path: outPath})
	}
}

func (r *Router) propagateWithdraw(except peerid.Identifier, destination peerid.Identifier) {
	r.mu.Lock()
	links := make([]*managedLink, 0, len(r.routingLink))
	for peer, link := range r.routingLink {
		if peer == except {
			continue
		}
		links = append(links, link)
	}
	r.mu.Unlock()

	for _, link := range links {
		_ = link.conn.Write(packet.RouteWithdraw{Destination: destination})
	}
}

// NextHopLookup exposes the routing table as a routetree.NextHopLookup for
// tree construction.
func (r *Router) NextHopLookup() routetree.NextHopLookup {
	return r.table.Lookup
}

// RouteInfo describes one destination's currently selected route, for
// operator inspection (cmd/sretoctl's "routes" command).
type RouteInfo struct {
	Destination peerid.Identifier
	NextHop     peerid.Identifier
	HopCount    int
}

// Routes reports the best currently-selected route to every known
// destination.
func (r *Router) Routes() []RouteInfo {
	destinations := r.table.Destinations()
	out := make([]RouteInfo, 0, len(destinations))
	for _, d := range destinations {
		nextHop, path, ok := r.table.Lookup(d)
		if !ok {
			continue
		}
		out = append(out, RouteInfo{Destination: d, NextHop: nextHop, HopCount: len(path)})
	}
	return out
}

// Peers reports every peer this Router currently holds a direct routing
// link to.
func (r *Router) Peers() []peerid.Identifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peerid.Identifier, 0, len(r.routingLink))
	for peer := range r.routingLink {
		out = append(out, peer)
	}
	return out
}

// PeerTransferInfo summarizes one routing link's transfer activity, for
// operator inspection (cmd/sretoctl's "transfers" command).
type PeerTransferInfo struct {
	Peer      peerid.Identifier
	Transfers []transfer.TransferInfo
}

// Transfers reports every tracked transfer across every direct routing
// link, grouped by peer.
func (r *Router) Transfers() []PeerTransferInfo {
	r.mu.Lock()
	links := make([]*managedLink, 0, len(r.routingLink))
	for _, link := range r.routingLink {
		links = append(links, link)
	}
	r.mu.Unlock()

	out := make([]PeerTransferInfo, 0, len(links))
	for _, link := range links {
		if link.engine == nil {
			continue
		}
		out = append(out, PeerTransferInfo{Peer: link.peer, Transfers: link.engine.Transfers()})
	}
	return out
}

// SendTransfer starts a new outbound Transfer of data to peer over its
// direct routing link, failing if no such link exists.
func (r *Router) SendTransfer(peer peerid.Identifier, data []byte) (*transfer.Transfer, error) {
	r.mu.Lock()
	link, ok := r.routingLink[peer]
	r.mu.Unlock()
	if !ok || link.engine == nil {
		return nil, &RoutingError{Destination: peer, Reason: "no routing link with a transfer engine"}
	}
	return link.engine.Send(data), nil
}

// ClosePeer initiates the three-packet close protocol on the direct
// routing link to peer, if any, and reports whether one was found.
// Withdraws propagate to other neighbors via the normal
// RemoveManagedConnection path once the close completes.
func (r *Router) ClosePeer(peer peerid.Identifier) bool {
	r.mu.Lock()
	link, ok := r.routingLink[peer]
	r.mu.Unlock()
	if !ok {
		return false
	}
	link.manager.CloseConnection()
	return true
}

// ActiveSessionCount reports the number of routed-connection sessions (as
// initiator, intermediate, or destination) currently tracked.
func (r *Router) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAllSessions tears down every routed connection this Router currently
// participates in. Called on shutdown so downstream/upstream links don't
// linger past process exit.
func (r *Router) CloseAllSessions() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
