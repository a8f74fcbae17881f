// Package packet implements the binary codec for every protocol message
// exchanged above a PacketConnection: a closed set of typed packets, each
// beginning with a 32-bit little-endian PacketType discriminant,
// serialized to a length-prefix-free frame (the transport delivers
// discrete messages).
package packet

// Type is the 32-bit little-endian discriminant every frame begins with.
type Type uint32

// The closed packet-type enumeration.
const (
	TypeLinkHandshake                          Type = 1
	TypeMulticastHandshake                     Type = 2
	TypeRoutedConnectionEstablishedConfirmation Type = 3
	TypeCloseRequest                           Type = 4
	TypeCloseAnnounce                          Type = 5
	TypeCloseAcknowledge                       Type = 6
	TypeDataPacket                             Type = 7
	TypeTransferStarted                        Type = 8
	TypeTransferCancelled                      Type = 9
	TypeTransferCompleted                      Type = 10
	TypeManagedConnectionHandshake              Type = 11
	TypeRemoteP2PStartAdvertisement            Type = 12
	TypeRemoteP2PStopAdvertisement             Type = 13
	TypeRemoteP2PStartBrowsing                 Type = 14
	TypeRemoteP2PStopBrowsing                  Type = 15
	TypeRemoteP2PPeerAdded                     Type = 16
	TypeRemoteP2PPeerRemoved                   Type = 17
	TypeRemoteP2PConnectionRequest             Type = 18
	// TypeRouteAdvertise and TypeRouteWithdraw carry the Router's routing
	// metadata protocol: reachability of a destination via the sender, with
	// the accumulated path and hop count. These two types continue the
	// enumeration rather than overloading an existing type (see DESIGN.md's
	// `router` entry).
	TypeRouteAdvertise Type = 19
	TypeRouteWithdraw  Type = 20
)

func (t Type) String() string {
	switch t {
	case TypeLinkHandshake:
		return "LinkHandshake"
	case TypeMulticastHandshake:
		return "MulticastHandshake"
	case TypeRoutedConnectionEstablishedConfirmation:
		return "RoutedConnectionEstablishedConfirmation"
	case TypeCloseRequest:
		return "CloseRequest"
	case TypeCloseAnnounce:
		return "CloseAnnounce"
	case TypeCloseAcknowledge:
		return "CloseAcknowledge"
	case TypeDataPacket:
		return "DataPacket"
	case TypeTransferStarted:
		return "TransferStarted"
	case TypeTransferCancelled:
		return "TransferCancelled"
	case TypeTransferCompleted:
		return "TransferCompleted"
	case TypeManagedConnectionHandshake:
		return "ManagedConnectionHandshake"
	case TypeRemoteP2PStartAdvertisement:
		return "RemoteP2P.StartAdvertisement"
	case TypeRemoteP2PStopAdvertisement:
		return "RemoteP2P.StopAdvertisement"
	case TypeRemoteP2PStartBrowsing:
		return "RemoteP2P.StartBrowsing"
	case TypeRemoteP2PStopBrowsing:
		return "RemoteP2P.StopBrowsing"
	case TypeRemoteP2PPeerAdded:
		return "RemoteP2P.PeerAdded"
	case TypeRemoteP2PPeerRemoved:
		return "RemoteP2P.PeerRemoved"
	case TypeRemoteP2PConnectionRequest:
		return "RemoteP2P.ConnectionRequest"
	case TypeRouteAdvertise:
		return "RouteAdvertise"
	case TypeRouteWithdraw:
		return "RouteWithdraw"
	default:
		return "Unknown"
	}
}

// Purpose classifies a LinkHandshake as establishing a Routing link between
// neighbors or a Routed connection to a destination.
type Purpose uint32

const (
	PurposeUnknown Purpose = 0
	PurposeRouting Purpose = 1
	PurposeRouted  Purpose = 2
)

// Packet is implemented by every concrete packet type in the closed set.
type Packet interface {
	Type() Type
}
