package plasma

import (
	"github.com/plasma-store/plasma-store/internal/objid"
)

// ObjectIDSize is the width of an object identifier (SHA-1-sized).
const ObjectIDSize = objid.Size

// ObjectID names an object in the store. It is opaque to the store
// itself: clients choose ids and the store only ever compares and
// hashes them. It is a type alias for internal/objid.ObjectID so every
// internal package can use the same identifier type without importing
// this root package (which would create an import cycle).
type ObjectID = objid.ObjectID

// ObjectIDFromBytes copies b into an ObjectID. b must be exactly
// ObjectIDSize bytes long.
func ObjectIDFromBytes(b []byte) (ObjectID, error) {
	return objid.FromBytes(b)
}

// ObjectState tracks where an object sits in its open -> sealed
// lifecycle.
type ObjectState int

const (
	// StateOpen means the object's buffer was created but has not been
	// sealed; only the creating client may write to it, and GET requests
	// for it block until it is sealed.
	StateOpen ObjectState = iota
	// StateSealed means the object's data and metadata are immutable and
	// visible to GET/CONTAINS/subscribers.
	StateSealed
)

func (s ObjectState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// ObjectInfo is the metadata half of an object: everything a client
// needs to map the object's shared memory region, reconstructed from an
// internal objecttable.Handle for external consumption via Store.Info.
type ObjectInfo struct {
	ID             ObjectID
	DataSize       int64
	MetadataSize   int64
	DataOffset     int64
	MetadataOffset int64
	// RegionFD is the store-local fd of the shared memory region backing
	// this object. It is never meaningful to a client directly; the
	// dispatcher duplicates the real fd into the client's process via
	// SCM_RIGHTS at GET/CREATE/SEAL time.
	RegionFD int
	MapSize  int64
	State    ObjectState
}
