package packet

import (
	"bytes"
	"testing"

	"sreto/peerid"
	"sreto/routetree"
)

// TestLinkHandshakeWireLayout checks the LinkHandshake field layout:
// type(4) | peerId(16) | purpose(4) = 24 bytes.
func TestLinkHandshakeWireLayout(t *testing.T) {
	id, err := peerid.Parse("11112222-3333-4444-5555-666677778899")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := LinkHandshake{PeerID: id, Purpose: PurposeRouted}

	frame, err := Serialize(p)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if len(frame) != 24 {
		t.Fatalf("expected 24-byte frame, got %d", len(frame))
	}
	if !bytes.Equal(frame[:4], []byte{0x01, 0x00, 0x00, 0x00}) {
		t.Fatalf("expected type prefix 01 00 00 00, got % x", frame[:4])
	}
	if !bytes.Equal(frame[4:20], id.Bytes()) {
		t.Fatalf("expected peer id bytes to match")
	}
	if !bytes.Equal(frame[20:24], []byte{0x02, 0x00, 0x00, 0x00}) {
		t.Fatalf("expected purpose suffix 02 00 00 00, got % x", frame[20:24])
	}

	decoded, err := Deserialize(frame)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if decoded != Packet(p) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, p)
	}
}

func roundTrip(t *testing.T, p Packet) {
	t.Helper()
	frame, err := Serialize(p)
	if err != nil {
		t.Fatalf("Serialize(%T): %v", p, err)
	}
	if len(frame) < 4 {
		t.Fatalf("frame too short to carry a type")
	}
	got, err := Deserialize(frame)
	if err != nil {
		t.Fatalf("Deserialize(%T): %v", p, err)
	}

	if dp, ok := p.(DataPacket); ok {
		gotDP, ok := got.(DataPacket)
		if !ok || gotDP.TransferID != dp.TransferID || !bytes.Equal(gotDP.Chunk, dp.Chunk) {
			t.Fatalf("round trip mismatch for DataPacket: got %+v, want %+v", got, p)
		}
		return
	}

	if got != p {
		t.Fatalf("round trip mismatch for %T: got %+v, want %+v", p, got, p)
	}
}

func TestRoundTripClosedSet(t *testing.T) {
	a := peerid.New()
	b := peerid.New()
	c := peerid.New()

	roundTrip(t, LinkHandshake{PeerID: a, Purpose: PurposeRouting})
	roundTrip(t, RoutedConnectionEstablishedConfirmation{Source: a})
	roundTrip(t, CloseRequest{})
	roundTrip(t, CloseAnnounce{})
	roundTrip(t, CloseAcknowledge{Source: b})
	roundTrip(t, DataPacket{TransferID: 7, Chunk: []byte("hello world")})
	roundTrip(t, DataPacket{TransferID: 7, Chunk: nil})
	roundTrip(t, TransferStarted{TransferID: 1, Length: 40000})
	roundTrip(t, TransferCancelled{TransferID: 1})
	roundTrip(t, TransferCompleted{TransferID: 1})
	roundTrip(t, ManagedConnectionHandshake{PeerID: c})
	roundTrip(t, RemoteP2P{Kind: RemoteP2PPeerAdded, Identifier: a})

	tree := routetree.Tree{Value: a, Subtrees: []routetree.Tree{routetree.Leaf(b), routetree.Leaf(c)}}
	mh := MulticastHandshake{SourcePeerID: a, DestinationIdentifiers: []peerid.Identifier{b, c}, NextHopTree: tree}
	frame, err := Serialize(mh)
	if err != nil {
		t.Fatalf("Serialize MulticastHandshake: %v", err)
	}
	decoded, err := Deserialize(frame)
	if err != nil {
		t.Fatalf("Deserialize MulticastHandshake: %v", err)
	}
	got := decoded.(MulticastHandshake)
	if got.SourcePeerID != mh.SourcePeerID {
		t.Fatalf("source mismatch")
	}
	if len(got.DestinationIdentifiers) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(got.DestinationIdentifiers))
	}
	if !got.NextHopTree.Equal(tree) {
		t.Fatalf("tree mismatch: got %+v, want %+v", got.NextHopTree, tree)
	}
}

func TestRouteAdvertiseAndWithdrawRoundTrip(t *testing.T) {
	dest := peerid.New()
	hop1 := peerid.New()
	hop2 := peerid.New()

	adv := RouteAdvertise{Destination: dest, Path: []peerid.Identifier{hop1, hop2, dest}}
	frame, err := Serialize(adv)
	if err != nil {
		t.Fatalf("Serialize RouteAdvertise: %v", err)
	}
	decoded, err := Deserialize(frame)
	if err != nil {
		t.Fatalf("Deserialize RouteAdvertise: %v", err)
	}
	got, ok := decoded.(RouteAdvertise)
	if !ok {
		t.Fatalf("expected RouteAdvertise, got %T", decoded)
	}
	if got.Destination != adv.Destination || len(got.Path) != len(adv.Path) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, adv)
	}
	for i := range got.Path {
		if got.Path[i] != adv.Path[i] {
			t.Fatalf("path[%d] mismatch: got %v, want %v", i, got.Path[i], adv.Path[i])
		}
	}

	if _, err := Serialize(RouteAdvertise{Destination: dest}); err == nil {
		t.Fatalf("expected error serializing RouteAdvertise with empty path")
	}

	roundTrip(t, RouteWithdraw{Destination: dest})
}

func TestMulticastHandshakeZeroDestinationsInvalid(t *testing.T) {
	mh := MulticastHandshake{SourcePeerID: peerid.New(), DestinationIdentifiers: nil}
	if _, err := Serialize(mh); err == nil {
		t.Fatalf("expected error serializing MulticastHandshake with zero destinations")
	}
}

func TestDeserializeTruncatedFrame(t *testing.T) {
	_, err := Deserialize([]byte{0x04, 0x00}) // 2 bytes, not even a full type
	if err == nil {
		t.Fatalf("expected error")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Kind != TruncatedFrame {
		t.Fatalf("expected TruncatedFrame, got %v", de.Kind)
	}
}

func TestDeserializeUnexpectedType(t *testing.T) {
	frame := make([]byte, 4)
	putLE32(frame, 9999)
	_, err := Deserialize(frame)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if de.Kind != UnexpectedType {
		t.Fatalf("expected UnexpectedType, got %v", de.Kind)
	}
}

func TestDeserializeInvalidField(t *testing.T) {
	frame := make([]byte, 4)
	putLE32(frame, uint32(TypeLinkHandshake))
	frame = append(frame, peerid.New().Bytes()...)
	purpose := make([]byte, 4)
	putLE32(purpose, 99)
	frame = append(frame, purpose...)

	_, err := Deserialize(frame)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if de.Kind != InvalidField {
		t.Fatalf("expected InvalidField, got %v", de.Kind)
	}
}
