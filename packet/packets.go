package packet

import (
	"sreto/peerid"
	"sreto/routetree"
)

// LinkHandshake is the first message sent over a freshly opened underlying
// link, classifying it as Routing or Routed.
type LinkHandshake struct {
	PeerID  peerid.Identifier
	Purpose Purpose
}

func (LinkHandshake) Type() Type { return TypeLinkHandshake }

// MulticastHandshake fans a routed connection out to a direct child,
// carrying that child's subtree of the overall next-hop tree.
type MulticastHandshake struct {
	SourcePeerID         peerid.Identifier
	DestinationIdentifiers []peerid.Identifier
	NextHopTree          routetree.Tree
}

func (MulticastHandshake) Type() Type { return TypeMulticastHandshake }

// RoutedConnectionEstablishedConfirmation is emitted by a destination (and
// forwarded upstream by intermediates) once its routed connection is ready.
type RoutedConnectionEstablishedConfirmation struct {
	Source peerid.Identifier
}

func (RoutedConnectionEstablishedConfirmation) Type() Type {
	return TypeRoutedConnectionEstablishedConfirmation
}

// CloseRequest is step 1 of the three-packet close when the sender is not
// driving reconnection.
type CloseRequest struct{}

func (CloseRequest) Type() Type { return TypeCloseRequest }

// CloseAnnounce is step 1 of the three-packet close when the sender is
// driving reconnection, and step 2's reply to a CloseRequest.
type CloseAnnounce struct{}

func (CloseAnnounce) Type() Type { return TypeCloseAnnounce }

// CloseAcknowledge is step 3 of the three-packet close.
type CloseAcknowledge struct {
	Source peerid.Identifier
}

func (CloseAcknowledge) Type() Type { return TypeCloseAcknowledge }

// DataPacket carries one chunk of a Transfer's payload.
type DataPacket struct {
	TransferID uint32
	Chunk      []byte
}

func (DataPacket) Type() Type { return TypeDataPacket }

// TransferStarted announces a new outbound transfer and its total length.
type TransferStarted struct {
	TransferID uint32
	Length     uint32
}

func (TransferStarted) Type() Type { return TypeTransferStarted }

// TransferCancelled aborts an in-progress transfer.
type TransferCancelled struct {
	TransferID uint32
}

func (TransferCancelled) Type() Type { return TypeTransferCancelled }

// TransferCompleted marks a transfer's last chunk as sent.
type TransferCompleted struct {
	TransferID uint32
}

func (TransferCompleted) Type() Type { return TypeTransferCompleted }

// ManagedConnectionHandshake is exchanged when wrapping a freshly
// (re)established link back into a PacketConnection managed by a
// ReliabilityManager, so the peer can correlate it with the prior session.
type ManagedConnectionHandshake struct {
	PeerID peerid.Identifier
}

func (ManagedConnectionHandshake) Type() Type { return TypeManagedConnectionHandshake }

// RemoteP2PKind distinguishes the sub-messages of the relay protocol.
type RemoteP2PKind int

const (
	RemoteP2PStartAdvertisement RemoteP2PKind = iota
	RemoteP2PStopAdvertisement
	RemoteP2PStartBrowsing
	RemoteP2PStopBrowsing
	RemoteP2PPeerAdded
	RemoteP2PPeerRemoved
	RemoteP2PConnectionRequest
)

// RemoteP2P is a relay-protocol control message: type(4) | identifier(16).
type RemoteP2P struct {
	Kind       RemoteP2PKind
	Identifier peerid.Identifier
}

// RouteAdvertise announces that Destination is reachable via the sender,
// at the given accumulated Path (the sender itself first, Destination last;
// a peer advertising itself sends Path = [itself]) — the routing metadata
// protocol's "add" message.
type RouteAdvertise struct {
	Destination peerid.Identifier
	Path        []peerid.Identifier
}

func (RouteAdvertise) Type() Type { return TypeRouteAdvertise }

// RouteWithdraw announces that Destination is no longer reachable via the
// sender.
type RouteWithdraw struct {
	Destination peerid.Identifier
}

func (RouteWithdraw) Type() Type { return TypeRouteWithdraw }

func (p RemoteP2P) Type() Type {
	switch p.Kind {
	case RemoteP2PStartAdvertisement:
		return TypeRemoteP2PStartAdvertisement
	case RemoteP2PStopAdvertisement:
		return TypeRemoteP2PStopAdvertisement
	case RemoteP2PStartBrowsing:
		return TypeRemoteP2PStartBrowsing
	case RemoteP2PStopBrowsing:
		return TypeRemoteP2PStopBrowsing
	case RemoteP2PPeerAdded:
		return TypeRemoteP2PPeerAdded
	case RemoteP2PPeerRemoved:
		return TypeRemoteP2PPeerRemoved
	default:
		return TypeRemoteP2PConnectionRequest
	}
}
