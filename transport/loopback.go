package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sreto/peerid"
)

// SerialQueue is a minimal DispatchQueue backed by a single worker
// goroutine draining a channel: posted work runs to completion without
// interleaving.
type SerialQueue struct {
	work chan func()
	once sync.Once
}

// NewSerialQueue starts the worker goroutine.
func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{work: make(chan func(), 256)}
	go q.run()
	return q
}

func (q *SerialQueue) run() {
	for fn := range q.work {
		fn()
	}
}

// Post enqueues fn to run on the queue's goroutine.
func (q *SerialQueue) Post(fn func()) {
	q.work <- fn
}

// Close stops the worker goroutine after draining pending work. Idempotent.
func (q *SerialQueue) Close() {
	q.once.Do(func() { close(q.work) })
}

// hub is process-wide loopback switching fabric: it lets a LoopbackModule
// advertising under an identifier be dialed by name, without any real
// network I/O. This is the reference transport used by the core's own
// tests; cmd/sretod does not use it.
type hub struct {
	mu      sync.Mutex
	modules map[peerid.Identifier]*LoopbackModule
}

var defaultHub = &hub{modules: make(map[peerid.Identifier]*LoopbackModule)}

func (h *hub) register(id peerid.Identifier, m *LoopbackModule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules[id] = m
}

func (h *hub) unregister(id peerid.Identifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.modules, id)
}

func (h *hub) lookup(id peerid.Identifier) (*LoopbackModule, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.modules[id]
	return m, ok
}

// LoopbackModule is an in-memory Module implementation: advertising
// registers the module in a shared hub; dialing an Address looks the
// target up in that hub and wires two in-process pipes together.
type LoopbackModule struct {
	self peerid.Identifier

	mu               sync.Mutex
	advertising      bool
	browsing         bool
	advertiserDelegate AdvertiserDelegate
	browserDelegate  BrowserDelegate
	queue            DispatchQueue
}

// NewLoopbackModule constructs a module identified as self.
func NewLoopbackModule(self peerid.Identifier) *LoopbackModule {
	return &LoopbackModule{self: self}
}

func (m *LoopbackModule) SetDispatchQueue(queue DispatchQueue) {
	m.mu.Lock()
	m.queue = queue
	m.mu.Unlock()
}

func (m *LoopbackModule) post(fn func()) {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q == nil {
		fn()
		return
	}
	q.Post(fn)
}

func (m *LoopbackModule) Advertiser() Advertiser { return (*loopbackAdvertiser)(m) }
func (m *LoopbackModule) Browser() Browser       { return (*loopbackBrowser)(m) }

type loopbackAdvertiser LoopbackModule

func (a *loopbackAdvertiser) StartAdvertising(id peerid.Identifier) {
	m := (*LoopbackModule)(a)
	m.mu.Lock()
	m.advertising = true
	delegate := m.advertiserDelegate
	m.mu.Unlock()

	defaultHub.register(id, m)
	if delegate != nil {
		m.post(delegate.DidStartAdvertising)
	}
}

func (a *loopbackAdvertiser) StopAdvertising() {
	m := (*LoopbackModule)(a)
	m.mu.Lock()
	m.advertising = false
	delegate := m.advertiserDelegate
	m.mu.Unlock()

	defaultHub.unregister(m.self)
	if delegate != nil {
		m.post(func() { delegate.DidStopAdvertising(nil) })
	}
}

func (a *loopbackAdvertiser) IsAdvertising() bool {
	m := (*LoopbackModule)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

func (a *loopbackAdvertiser) SetDelegate(delegate AdvertiserDelegate) {
	m := (*LoopbackModule)(a)
	m.mu.Lock()
	m.advertiserDelegate = delegate
	m.mu.Unlock()
}

type loopbackBrowser LoopbackModule

func (b *loopbackBrowser) StartBrowsing() {
	m := (*LoopbackModule)(b)
	m.mu.Lock()
	m.browsing = true
	delegate := m.browserDelegate
	m.mu.Unlock()
	if delegate != nil {
		m.post(delegate.DidStartBrowsing)
	}
}

func (b *loopbackBrowser) StopBrowsing() {
	m := (*LoopbackModule)(b)
	m.mu.Lock()
	m.browsing = false
	delegate := m.browserDelegate
	m.mu.Unlock()
	if delegate != nil {
		m.post(func() { delegate.DidStopBrowsing(nil) })
	}
}

func (b *loopbackBrowser) IsBrowsing() bool {
	m := (*LoopbackModule)(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browsing
}

func (b *loopbackBrowser) SetDelegate(delegate BrowserDelegate) {
	m := (*LoopbackModule)(b)
	m.mu.Lock()
	m.browserDelegate = delegate
	m.mu.Unlock()
}

// Announce simulates discovery of a peer's address for every browser
// watching this module — a test/operator hook standing in for whatever
// out-of-band discovery a real transport performs.
func (m *LoopbackModule) Announce(remote peerid.Identifier) {
	m.mu.Lock()
	delegate := m.browserDelegate
	m.mu.Unlock()
	if delegate != nil {
		addr := &LoopbackAddress{target: remote}
		m.post(func() { delegate.DidDiscoverAddress(addr, remote) })
	}
}

// LoopbackAddress dials a LoopbackModule registered in the shared hub under
// target.
type LoopbackAddress struct {
	target peerid.Identifier
}

func (a *LoopbackAddress) String() string { return fmt.Sprintf("loopback:%s", a.target) }

func (a *LoopbackAddress) Dial(ctx context.Context, delegate ConnectionDelegate) (Connection, error) {
	remote, ok := defaultHub.lookup(a.target)
	if !ok {
		return nil, errors.New("loopback: no module advertising " + a.target.String())
	}

	local, remoteConn := newLoopbackPipe(delegate)

	remote.mu.Lock()
	advDelegate := remote.advertiserDelegate
	remote.mu.Unlock()
	if advDelegate != nil {
		remote.post(func() { advDelegate.HandleConnection(remoteConn) })
	}

	if delegate != nil {
		local.post(delegate.DidOpen)
	}
	return local, nil
}

// loopbackConn is one end of an in-process Connection pair.
type loopbackConn struct {
	peer *loopbackConn
	post func(func())

	mu       sync.Mutex
	delegate ConnectionDelegate
	closed   bool
}

func newLoopbackPipe(localDelegate ConnectionDelegate) (*loopbackConn, *loopbackConn) {
	a := &loopbackConn{delegate: localDelegate, post: func(fn func()) { fn() }}
	b := &loopbackConn{post: func(fn func()) { fn() }}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *loopbackConn) SetDelegate(delegate ConnectionDelegate) {
	c.mu.Lock()
	c.delegate = delegate
	c.mu.Unlock()
}

func (c *loopbackConn) Send(frame []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("loopback: send on closed connection")
	}

	peer := c.peer
	frameCopy := append([]byte(nil), frame...)
	peer.mu.Lock()
	peerClosed := peer.closed
	delegate := peer.delegate
	peer.mu.Unlock()
	if peerClosed {
		return errors.New("loopback: peer connection closed")
	}
	if delegate != nil {
		peer.post(func() { delegate.DidReceiveMessage(frameCopy) })
	}
	return nil
}

func (c *loopbackConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	delegate := c.delegate
	c.mu.Unlock()

	if delegate != nil {
		c.post(func() { delegate.DidClose(0, "closed", true) })
	}

	peer := c.peer
	peer.mu.Lock()
	alreadyClosed := peer.closed
	peer.closed = true
	peerDelegate := peer.delegate
	peer.mu.Unlock()
	if !alreadyClosed && peerDelegate != nil {
		peer.post(func() { peerDelegate.DidClose(0, "peer closed", true) })
	}
	return nil
}
