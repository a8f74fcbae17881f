// Package peerid defines the peer identifier used throughout the routing
// core: a 16-byte value, totally ordered by byte lex order so that
// spanning-tree tie-breaks are deterministic across peers.
package peerid

import (
	"github.com/google/uuid"
)

// Size is the wire width of an Identifier, in bytes.
const Size = 16

// Identifier is a 16-byte peer identifier.
type Identifier [Size]byte

// Nil is the zero identifier. It never names a real peer; it is used as a
// sentinel in places like an empty Tree value.
var Nil Identifier

// New generates a fresh random identifier.
func New() Identifier {
	return Identifier(uuid.New())
}

// FromBytes copies a 16-byte slice into an Identifier.
func FromBytes(b []byte) (Identifier, bool) {
	var id Identifier
	if len(b) != Size {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Bytes returns the raw 16 bytes, suitable for wire encoding.
func (id Identifier) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// Less reports whether id sorts before other under byte lex order. This is
// the tie-break rule used when two routing neighbors offer an equal hop
// count.
func (id Identifier) Less(other Identifier) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Compare returns -1, 0 or 1 as id is less than, equal to, or greater than
// other, matching the conventions of sort.Interface-adjacent helpers.
func (id Identifier) Compare(other Identifier) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// String renders the identifier in canonical UUID form
// (8-4-4-4-12 lowercase hex), matching the wire layout's raw 16 bytes.
func (id Identifier) String() string {
	return uuid.UUID(id).String()
}

// Parse parses a canonical UUID string into an Identifier.
func Parse(s string) (Identifier, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier(u), nil
}

// IsNil reports whether id is the zero identifier.
func (id Identifier) IsNil() bool {
	return id == Nil
}
