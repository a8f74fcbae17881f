package packet

import (
	"encoding/binary"
	"fmt"

	"sreto/peerid"
	"sreto/routetree"
)

// DecodeErrorKind enumerates the closed set of decode-failure reasons.
type DecodeErrorKind int

const (
	TruncatedFrame DecodeErrorKind = iota
	UnexpectedType
	InvalidField
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TruncatedFrame:
		return "TruncatedFrame"
	case UnexpectedType:
		return "UnexpectedType"
	case InvalidField:
		return "InvalidField"
	default:
		return "Unknown"
	}
}

// DecodeError is returned by Deserialize on malformed input. A DecodeError
// never terminates a process: the caller drops the frame and logs it.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func errTruncated(detail string) error { return &DecodeError{Kind: TruncatedFrame, Detail: detail} }
func errInvalid(detail string) error   { return &DecodeError{Kind: InvalidField, Detail: detail} }

// putLE32 (and reader.u32 below) handle the fixed-width little-endian
// integers the wire format mandates.
func putLE32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errTruncated("expected 4-byte integer")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) id() (peerid.Identifier, error) {
	if r.remaining() < peerid.Size {
		return peerid.Identifier{}, errTruncated("expected identifier")
	}
	id, _ := peerid.FromBytes(r.buf[r.pos : r.pos+peerid.Size])
	r.pos += peerid.Size
	return id, nil
}

func (r *reader) rest() []byte {
	out := r.buf[r.pos:]
	r.pos = len(r.buf)
	return out
}

func (r *reader) tree() (routetree.Tree, error) {
	value, err := r.id()
	if err != nil {
		return routetree.Tree{}, err
	}
	childCount, err := r.u32()
	if err != nil {
		return routetree.Tree{}, err
	}
	if childCount > uint32(r.remaining())/ (peerid.Size+4) && childCount > 0 {
		// A child tree is at least id+childCount bytes; this is a cheap
		// sanity bound against a corrupt/adversarial frame before we
		// recurse childCount times.
		return routetree.Tree{}, errInvalid("implausible child count")
	}
	out := routetree.Tree{Value: value}
	for i := uint32(0); i < childCount; i++ {
		child, err := r.tree()
		if err != nil {
			return routetree.Tree{}, err
		}
		out.Subtrees = append(out.Subtrees, child)
	}
	return out, nil
}

func writeTree(buf []byte, t routetree.Tree) []byte {
	buf = append(buf, t.Value.Bytes()...)
	count := make([]byte, 4)
	putLE32(count, uint32(len(t.Subtrees)))
	buf = append(buf, count...)
	for _, s := range t.Subtrees {
		buf = append(buf, writeTree(nil, s)...)
	}
	return buf
}

// Serialize encodes p into its wire frame. The first 4 bytes of the result
// always equal the packet's type.
func Serialize(p Packet) ([]byte, error) {
	typeBuf := make([]byte, 4)
	putLE32(typeBuf, uint32(p.Type()))

	switch v := p.(type) {
	case LinkHandshake:
		purpose := make([]byte, 4)
		putLE32(purpose, uint32(v.Purpose))
		return append(append(typeBuf, v.PeerID.Bytes()...), purpose...), nil

	case MulticastHandshake:
		if len(v.DestinationIdentifiers) == 0 {
			return nil, errInvalid("MulticastHandshake with zero destinations")
		}
		buf := append(typeBuf, v.SourcePeerID.Bytes()...)
		count := make([]byte, 4)
		putLE32(count, uint32(len(v.DestinationIdentifiers)))
		buf = append(buf, count...)
		for _, d := range v.DestinationIdentifiers {
			buf = append(buf, d.Bytes()...)
		}
		buf = writeTree(buf, v.NextHopTree)
		return buf, nil

	case RoutedConnectionEstablishedConfirmation:
		return append(typeBuf, v.Source.Bytes()...), nil

	case CloseRequest:
		return typeBuf, nil

	case CloseAnnounce:
		return typeBuf, nil

	case CloseAcknowledge:
		return append(typeBuf, v.Source.Bytes()...), nil

	case DataPacket:
		idBuf := make([]byte, 4)
		putLE32(idBuf, v.TransferID)
		return append(append(typeBuf, idBuf...), v.Chunk...), nil

	case TransferStarted:
		body := make([]byte, 8)
		putLE32(body[0:4], v.TransferID)
		putLE32(body[4:8], v.Length)
		return append(typeBuf, body...), nil

	case TransferCancelled:
		idBuf := make([]byte, 4)
		putLE32(idBuf, v.TransferID)
		return append(typeBuf, idBuf...), nil

	case TransferCompleted:
		idBuf := make([]byte, 4)
		putLE32(idBuf, v.TransferID)
		return append(typeBuf, idBuf...), nil

	case ManagedConnectionHandshake:
		return append(typeBuf, v.PeerID.Bytes()...), nil

	case RemoteP2P:
		return append(typeBuf, v.Identifier.Bytes()...), nil

	case RouteAdvertise:
		if len(v.Path) == 0 {
			return nil, errInvalid("RouteAdvertise with empty path")
		}
		buf := append(typeBuf, v.Destination.Bytes()...)
		count := make([]byte, 4)
		putLE32(count, uint32(len(v.Path)))
		buf = append(buf, count...)
		for _, hop := range v.Path {
			buf = append(buf, hop.Bytes()...)
		}
		return buf, nil

	case RouteWithdraw:
		return append(typeBuf, v.Destination.Bytes()...), nil

	default:
		return nil, errInvalid(fmt.Sprintf("unknown packet type %T", p))
	}
}

// Deserialize decodes frame into its typed packet, or a DecodeError
// describing why it could not.
func Deserialize(frame []byte) (Packet, error) {
	r := &reader{buf: frame}
	rawType, err := r.u32()
	if err != nil {
		return nil, err
	}
	t := Type(rawType)

	switch t {
	case TypeLinkHandshake:
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		purpose, err := r.u32()
		if err != nil {
			return nil, err
		}
		if purpose > uint32(PurposeRouted) {
			return nil, errInvalid("unknown LinkHandshake purpose")
		}
		return LinkHandshake{PeerID: id, Purpose: Purpose(purpose)}, nil

	case TypeMulticastHandshake:
		source, err := r.id()
		if err != nil {
			return nil, err
		}
		destCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		if destCount == 0 {
			return nil, errInvalid("MulticastHandshake with zero destinations")
		}
		if destCount > uint32(r.remaining()/peerid.Size) {
			return nil, errInvalid("implausible destination count")
		}
		dests := make([]peerid.Identifier, destCount)
		for i := range dests {
			dests[i], err = r.id()
			if err != nil {
				return nil, err
			}
		}
		tree, err := r.tree()
		if err != nil {
			return nil, err
		}
		return MulticastHandshake{SourcePeerID: source, DestinationIdentifiers: dests, NextHopTree: tree}, nil

	case TypeRoutedConnectionEstablishedConfirmation:
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return RoutedConnectionEstablishedConfirmation{Source: id}, nil

	case TypeCloseRequest:
		return CloseRequest{}, nil

	case TypeCloseAnnounce:
		return CloseAnnounce{}, nil

	case TypeCloseAcknowledge:
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return CloseAcknowledge{Source: id}, nil

	case TypeDataPacket:
		transferID, err := r.u32()
		if err != nil {
			return nil, err
		}
		return DataPacket{TransferID: transferID, Chunk: r.rest()}, nil

	case TypeTransferStarted:
		transferID, err := r.u32()
		if err != nil {
			return nil, err
		}
		length, err := r.u32()
		if err != nil {
			return nil, err
		}
		return TransferStarted{TransferID: transferID, Length: length}, nil

	case TypeTransferCancelled:
		transferID, err := r.u32()
		if err != nil {
			return nil, err
		}
		return TransferCancelled{TransferID: transferID}, nil

	case TypeTransferCompleted:
		transferID, err := r.u32()
		if err != nil {
			return nil, err
		}
		return TransferCompleted{TransferID: transferID}, nil

	case TypeManagedConnectionHandshake:
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return ManagedConnectionHandshake{PeerID: id}, nil

	case TypeRemoteP2PStartAdvertisement, TypeRemoteP2PStopAdvertisement,
		TypeRemoteP2PStartBrowsing, TypeRemoteP2PStopBrowsing,
		TypeRemoteP2PPeerAdded, TypeRemoteP2PPeerRemoved,
		TypeRemoteP2PConnectionRequest:
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return RemoteP2P{Kind: remoteP2PKind(t), Identifier: id}, nil

	case TypeRouteAdvertise:
		dest, err := r.id()
		if err != nil {
			return nil, err
		}
		hopCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		if hopCount == 0 {
			return nil, errInvalid("RouteAdvertise with empty path")
		}
		if hopCount > uint32(r.remaining()/peerid.Size) {
			return nil, errInvalid("implausible path length")
		}
		path := make([]peerid.Identifier, hopCount)
		for i := range path {
			path[i], err = r.id()
			if err != nil {
				return nil, err
			}
		}
		return RouteAdvertise{Destination: dest, Path: path}, nil

	case TypeRouteWithdraw:
		dest, err := r.id()
		if err != nil {
			return nil, err
		}
		return RouteWithdraw{Destination: dest}, nil

	default:
		return nil, &DecodeError{Kind: UnexpectedType, Detail: fmt.Sprintf("type %d", rawType)}
	}
}

func remoteP2PKind(t Type) RemoteP2PKind {
	switch t {
	case TypeRemoteP2PStartAdvertisement:
		return RemoteP2PStartAdvertisement
	case TypeRemoteP2PStopAdvertisement:
		return RemoteP2PStopAdvertisement
	case TypeRemoteP2PStartBrowsing:
		return RemoteP2PStartBrowsing
	case TypeRemoteP2PStopBrowsing:
		return RemoteP2PStopBrowsing
	case TypeRemoteP2PPeerAdded:
		return RemoteP2PPeerAdded
	case TypeRemoteP2PPeerRemoved:
		return RemoteP2PPeerRemoved
	default:
		return RemoteP2PConnectionRequest
	}
}
