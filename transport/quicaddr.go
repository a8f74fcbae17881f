package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	quic "github.com/quic-go/quic-go"

	"sreto/log"
	"sreto/peerid"
)

// QUICModule is a real, non-loopback transport.Module: peers are dialed
// over QUIC streams, one stream per Connection. Grounded on the teacher's
// quic/transport.go (Listen/AcceptLoop around *quic.Listener), stripped of
// its JSON hello/route-announce/keepalive framing since packetconn already
// owns framing and packet typing above this layer.
//
// Discovery here is static: QUICModule has no browsing of its own. Callers
// feed known peer addresses in via Announce, mirroring config.Peer entries
// read at startup.
type QUICModule struct {
	self    peerid.Identifier
	tlsConf *tls.Config
	logger  *log.Logger

	mu                 sync.Mutex
	listener           *quic.Listener
	advertising        bool
	browsing           bool
	advertiserDelegate AdvertiserDelegate
	browserDelegate    BrowserDelegate
	queue              DispatchQueue
}

// NewQUICModule constructs a module that dials and accepts QUIC connections
// using tlsConf. It accepts inbound connections only once Listen is called.
func NewQUICModule(self peerid.Identifier, tlsConf *tls.Config) *QUICModule {
	return &QUICModule{self: self, tlsConf: tlsConf, logger: log.New("transport/quic")}
}

func (m *QUICModule) SetDispatchQueue(queue DispatchQueue) {
	m.mu.Lock()
	m.queue = queue
	m.mu.Unlock()
}

func (m *QUICModule) post(fn func()) {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q == nil {
		fn()
		return
	}
	q.Post(fn)
}

func (m *QUICModule) Advertiser() Advertiser { return (*quicAdvertiser)(m) }
func (m *QUICModule) Browser() Browser       { return (*quicBrowser)(m) }

// Announce feeds a statically known peer address to every browser watching
// this module, the QUIC equivalent of LoopbackModule.Announce:
// DidDiscoverAddress, fired here from config.Peer entries rather than an
// mDNS-style scan.
func (m *QUICModule) Announce(id peerid.Identifier, hostport string) {
	m.mu.Lock()
	delegate := m.browserDelegate
	m.mu.Unlock()
	if delegate == nil {
		return
	}
	addr := &QUICAddress{hostport: hostport, tlsConf: m.tlsConf}
	m.post(func() { delegate.DidDiscoverAddress(addr, id) })
}

type quicAdvertiser QUICModule

func (a *quicAdvertiser) StartAdvertising(id peerid.Identifier) {
	m := (*QUICModule)(a)
	m.mu.Lock()
	m.advertising = true
	delegate := m.advertiserDelegate
	m.mu.Unlock()
	if delegate != nil {
		m.post(delegate.DidStartAdvertising)
	}
}

func (a *quicAdvertiser) StopAdvertising() {
	m := (*QUICModule)(a)
	m.mu.Lock()
	m.advertising = false
	ln := m.listener
	m.listener = nil
	delegate := m.advertiserDelegate
	m.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if delegate != nil {
		m.post(func() { delegate.DidStopAdvertising(nil) })
	}
}

func (a *quicAdvertiser) IsAdvertising() bool {
	m := (*QUICModule)(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

func (a *quicAdvertiser) SetDelegate(delegate AdvertiserDelegate) {
	m := (*QUICModule)(a)
	m.mu.Lock()
	m.advertiserDelegate = delegate
	m.mu.Unlock()
}

// Listen starts accepting inbound QUIC connections at listenAddr,
// classifying each accepted stream as a Connection and handing it to the
// Advertiser's delegate. Unlike StartAdvertising, which only flips a
// readiness flag, Listen does real I/O, so it is a distinct
// method callers (cmd/sretod) invoke explicitly once a listen address is
// known.
func (m *QUICModule) Listen(listenAddr string) error {
	ln, err := quic.ListenAddr(listenAddr, m.tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("transport/quic: listen %s: %w", listenAddr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()
	m.logger.Infof("listening for QUIC connections on %s", listenAddr)
	go m.acceptLoop(ln)
	return nil
}

func (m *QUICModule) acceptLoop(ln *quic.Listener) {
	for {
		sess, err := ln.Accept(context.Background())
		if err != nil {
			m.logger.Warnf("accept loop exiting: %v", err)
			return
		}
		go m.acceptSession(sess)
	}
}

func (m *QUICModule) acceptSession(sess quic.Connection) {
	stream, err := sess.AcceptStream(context.Background())
	if err != nil {
		m.logger.Warnf("accept stream from %s: %v", sess.RemoteAddr(), err)
		return
	}
	conn := newQUICConn(sess, stream, m.logger)
	m.mu.Lock()
	delegate := m.advertiserDelegate
	m.mu.Unlock()
	if delegate != nil {
		m.post(func() { delegate.HandleConnection(conn) })
	}
}

type quicBrowser QUICModule

func (b *quicBrowser) StartBrowsing() {
	m := (*QUICModule)(b)
	m.mu.Lock()
	m.browsing = true
	delegate := m.browserDelegate
	m.mu.Unlock()
	if delegate != nil {
		m.post(delegate.DidStartBrowsing)
	}
}

func (b *quicBrowser) StopBrowsing() {
	m := (*QUICModule)(b)
	m.mu.Lock()
	m.browsing = false
	delegate := m.browserDelegate
	m.mu.Unlock()
	if delegate != nil {
		m.post(func() { delegate.DidStopBrowsing(nil) })
	}
}

func (b *quicBrowser) IsBrowsing() bool {
	m := (*QUICModule)(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browsing
}

func (b *quicBrowser) SetDelegate(delegate BrowserDelegate) {
	m := (*QUICModule)(b)
	m.mu.Lock()
	m.browserDelegate = delegate
	m.mu.Unlock()
}

// QUICAddress dials a single QUIC stream to hostport, one stream per
// Connection (the stream is opened fresh on every Dial; reconnects get a
// new stream rather than reusing a stale one, matching
// reliability.Manager's swap-the-underlying-connection model).
type QUICAddress struct {
	hostport string
	tlsConf  *tls.Config
}

func (a *QUICAddress) String() string { return fmt.Sprintf("quic:%s", a.hostport) }

func (a *QUICAddress) Dial(ctx context.Context, delegate ConnectionDelegate) (Connection, error) {
	sess, err := quic.DialAddr(ctx, a.hostport, a.tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("transport/quic: dial %s: %w", a.hostport, err)
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport/quic: open stream to %s: %w", a.hostport, err)
	}
	conn := newQUICConn(sess, stream, log.New("transport/quic"))
	conn.SetDelegate(delegate)
	if delegate != nil {
		delegate.DidOpen()
	}
	return conn, nil
}

// quicConn frames each Send as a length-prefixed write on a single QUIC
// stream, matching packetconn's "whole frame in, whole frame out" contract
// over a substrate (QUIC streams) that is itself just a reliable byte
// pipe.
type quicConn struct {
	sess   quic.Connection
	stream quic.Stream
	logger *log.Logger

	mu       sync.Mutex
	delegate ConnectionDelegate
	closed   bool
}

func newQUICConn(sess quic.Connection, stream quic.Stream, logger *log.Logger) *quicConn {
	c := &quicConn{sess: sess, stream: stream, logger: logger}
	go c.readLoop()
	return c
}

func (c *quicConn) SetDelegate(delegate ConnectionDelegate) {
	c.mu.Lock()
	c.delegate = delegate
	c.mu.Unlock()
}

func (c *quicConn) Send(frame []byte) error {
	length := uint32(len(frame))
	header := []byte{byte(length), byte(length >> 8), byte(length >> 16), byte(length >> 24)}
	if _, err := c.stream.Write(header); err != nil {
		return err
	}
	_, err := c.stream.Write(frame)
	return err
}

func (c *quicConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.stream.Close()
	return c.sess.CloseWithError(0, "closed")
}

func (c *quicConn) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := readFull(c.stream, header); err != nil {
			c.notifyClose(err)
			return
		}
		length := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
		frame := make([]byte, length)
		if _, err := readFull(c.stream, frame); err != nil {
			c.notifyClose(err)
			return
		}
		c.mu.Lock()
		delegate := c.delegate
		c.mu.Unlock()
		if delegate != nil {
			delegate.DidReceiveMessage(frame)
		}
	}
}

func (c *quicConn) notifyClose(err error) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	delegate := c.delegate
	c.mu.Unlock()
	if already || delegate == nil {
		return
	}
	delegate.DidFailWithError(err)
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
