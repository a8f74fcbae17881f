// Package transport defines the external contracts a concrete transport
// module plugs into the routing core through: Address, the bidirectional
// Connection it dials into, and the Advertiser/Browser split a Module
// exposes for discovery. Concrete link-layer transports are free to vary;
// only their contract lives here, grounded on the Listen/AcceptLoop split
// in the teacher's quic/transport.go and the dial/retry loop in
// peer/manager.go.
package transport

import (
	"context"

	"sreto/peerid"
)

// Connection is a bidirectional framed packet pipe: send discrete
// messages, receive callbacks for lifecycle events. A concrete transport's
// wire framing is its own concern; everything above this interface works
// in terms of whole frames.
type Connection interface {
	Send(frame []byte) error
	Close() error
	// SetDelegate binds the receiver of this connection's lifecycle
	// callbacks. The accepting side of a Dial always receives a
	// Connection with no delegate bound yet and must call SetDelegate
	// before it can observe incoming frames (the accepting side's
	// HandleConnection callback takes no delegate argument).
	SetDelegate(delegate ConnectionDelegate)
}

// ConnectionDelegate receives Connection lifecycle callbacks.
type ConnectionDelegate interface {
	DidOpen()
	DidReceiveMessage(frame []byte)
	DidClose(code int, reason string, wasClean bool)
	DidFailWithError(err error)
}

// Address is an opaque handle, produced and retracted by a Module's
// Browser, that can be dialed to obtain a Connection to a specific remote
// peer.
type Address interface {
	// Dial opens an underlying link to this address, delivering lifecycle
	// callbacks to delegate. A failure to open the link is returned as an
	// error; DidOpen reports a successful open. Dial may block until the
	// link is open (QUICAddress does), bounded by ctx.
	Dial(ctx context.Context, delegate ConnectionDelegate) (Connection, error)
	String() string
}

// AdvertiserDelegate receives Advertiser lifecycle callbacks.
type AdvertiserDelegate interface {
	DidStartAdvertising()
	DidStopAdvertising(err error)
	HandleConnection(conn Connection)
}

// Advertiser makes the local peer discoverable under the given identifier.
type Advertiser interface {
	StartAdvertising(id peerid.Identifier)
	StopAdvertising()
	IsAdvertising() bool
	SetDelegate(delegate AdvertiserDelegate)
}

// BrowserDelegate receives Browser lifecycle callbacks.
type BrowserDelegate interface {
	DidStartBrowsing()
	DidStopBrowsing(err error)
	DidDiscoverAddress(addr Address, id peerid.Identifier)
	DidRemoveAddress(addr Address, id peerid.Identifier)
}

// Browser discovers remote peers' Addresses.
type Browser interface {
	StartBrowsing()
	StopBrowsing()
	IsBrowsing() bool
	SetDelegate(delegate BrowserDelegate)
}

// DispatchQueue is the serial execution context a Module's callbacks are
// posted onto. A single-goroutine worker loop over a buffered
// channel is a faithful enough model of "post work, run to completion
// without interleaving" for a reference/loopback transport; real transports
// may bind this to their own I/O loop.
type DispatchQueue interface {
	Post(func())
}

// Module is the contract a concrete transport supplies: an Advertiser/
// Browser pair plus a dispatch context for their callbacks.
type Module interface {
	Advertiser() Advertiser
	Browser() Browser
	SetDispatchQueue(queue DispatchQueue)
}
