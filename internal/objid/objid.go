// Package objid defines the object identifier type shared by every
// layer of the store (table, wire, subscriber, dispatcher) without
// forcing those packages to import the root package, which would create
// an import cycle since the root package imports them.
package objid

import (
	"encoding/hex"
	"fmt"
)

// Size is the width of an object identifier in bytes (SHA-1-sized).
const Size = 20

// ObjectID names an object in the store. It is opaque to the store:
// clients choose ids and the store only ever compares and hashes them.
type ObjectID [Size]byte

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

// FromBytes copies b into an ObjectID. b must be exactly Size bytes long.
func FromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != Size {
		return id, fmt.Errorf("objid: object id must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}
