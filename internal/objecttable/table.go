// Package objecttable implements the store's object lifecycle state
// machine: the Open/Sealed collections, the wait registry that defers a
// GET until its object seals, and the create/get/contains/seal/delete
// operations the dispatcher calls into for every request.
//
// Production serializes all calls through the single-threaded event
// loop, so no two dispatcher operations ever run concurrently; Table
// still takes a mutex because Info (via Store.Info) may be called from
// another goroutine while the loop is running.
package objecttable

import (
	"fmt"
	"sync"
	"time"

	"github.com/plasma-store/plasma-store/internal/objid"
)

// Handle is the reply payload for CREATE/GET/SEAL/CONTAINS: everything a
// client needs to map and locate an object, short of the fd itself,
// which travels out of band.
type Handle struct {
	StoreFD        int
	MapSize        int64
	DataOffset     int64
	MetadataOffset int64
	DataSize       int64
	MetadataSize   int64
}

// Allocation is the subset of allocator.Allocation the table needs; kept
// as a local interface-shaped struct so this package doesn't import the
// allocator package directly and stays testable with fakes.
type Allocation struct {
	RegionFD int
	MapSize  int64
	Offset   int64
	Size     int64
}

// entry is the table's internal bookkeeping record for one object,
// corresponding to spec's ObjectEntry.
type entry struct {
	id           objid.ObjectID
	dataSize     int64
	metadataSize int64
	createdAt    time.Time
	alloc        Allocation
}

func (e *entry) handle() Handle {
	return Handle{
		StoreFD:        e.alloc.RegionFD,
		MapSize:        e.alloc.MapSize,
		DataOffset:     e.alloc.Offset,
		MetadataOffset: e.alloc.Offset + e.dataSize,
		DataSize:       e.dataSize,
		MetadataSize:   e.metadataSize,
	}
}

// waitEntry is one per object id with at least one pending GET.
type waitEntry struct {
	waiters []uint64 // client connection ids, in arrival order
}

// Table holds the Open and Sealed collections plus the wait registry.
type Table struct {
	mu      sync.Mutex
	open    map[objid.ObjectID]*entry
	sealed  map[objid.ObjectID]*entry
	waiters map[objid.ObjectID]*waitEntry
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		open:    make(map[objid.ObjectID]*entry),
		sealed:  make(map[objid.ObjectID]*entry),
		waiters: make(map[objid.ObjectID]*waitEntry),
	}
}

// IsEmpty reports whether both collections are empty, the precondition
// SUBSCRIBE checks before registering a subscriber.
func (t *Table) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open) == 0 && len(t.sealed) == 0
}

// Create allocates a fresh entry in Open. It is a fatal programming
// error (per spec §4.1) for id to already exist in Open; callers should
// treat this as a logic bug in the client protocol, not a recoverable
// condition — the panic is deliberate.
func (t *Table) Create(id objid.ObjectID, dataSize, metadataSize int64, alloc Allocation) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.open[id]; exists {
		panic(fmt.Sprintf("objecttable: CREATE of id %s already open", id))
	}
	if _, exists := t.sealed[id]; exists {
		panic(fmt.Sprintf("objecttable: CREATE of id %s already sealed", id))
	}

	e := &entry{
		id:           id,
		dataSize:     dataSize,
		metadataSize: metadataSize,
		createdAt:    time.Now(),
		alloc: Allocation{
			RegionFD: alloc.RegionFD,
			MapSize:  alloc.MapSize,
			Offset:   alloc.Offset,
			Size:     alloc.Size,
		},
	}
	t.open[id] = e
	return e.handle()
}

// GetResult is the outcome of a Get call.
type GetResult struct {
	Found  bool
	Handle Handle
}

// Get looks up id in Sealed. If absent, it registers requester in id's
// wait list (creating the WaitEntry if necessary) and returns
// Found=false; the dispatcher sends no reply in that case, per §4.1.
func (t *Table) Get(id objid.ObjectID, requester uint64) GetResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.sealed[id]; ok {
		return GetResult{Found: true, Handle: e.handle()}
	}

	w, ok := t.waiters[id]
	if !ok {
		w = &waitEntry{}
		t.waiters[id] = w
	}
	w.waiters = append(w.waiters, requester)
	return GetResult{Found: false}
}

// Contains reports whether id is in Sealed. Open objects are invisible
// to CONTAINS.
func (t *Table) Contains(id objid.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sealed[id]
	return ok
}

// SealResult is the outcome of a Seal call: the sealed handle plus the
// client ids that were waiting on it, in the order they registered.
type SealResult struct {
	Handle  Handle
	Waiters []uint64
	// CreatedAt is forwarded so callers can record seal latency without
	// this package depending on the metrics package.
	CreatedAt time.Time
}

// Seal moves id from Open to Sealed, returning the waiters that must now
// receive the delayed GET reply. Sealing an id not in Open is a silent
// no-op (ok=false) per spec §4.1/§7 — preserved for fidelity with the
// source's TODO rather than escalated to an error reply.
func (t *Table) Seal(id objid.ObjectID) (result SealResult, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.open[id]
	if !exists {
		return SealResult{}, false
	}
	delete(t.open, id)
	t.sealed[id] = e

	result = SealResult{Handle: e.handle(), CreatedAt: e.createdAt}

	if w, exists := t.waiters[id]; exists {
		result.Waiters = w.waiters
		delete(t.waiters, id)
	}
	return result, true
}

// Delete removes id from Sealed and returns its Allocation so the caller
// can free it. It panics if id is not in Sealed: deletion of an open or
// unknown object is not supported (spec §4.1).
func (t *Table) Delete(id objid.ObjectID) Allocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sealed[id]
	if !ok {
		panic(fmt.Sprintf("objecttable: DELETE of id %s not in sealed", id))
	}
	delete(t.sealed, id)
	return e.alloc
}

// Info is the outcome of an Info lookup: an entry's handle fields plus
// whether it was found in Open or Sealed.
type Info struct {
	Handle
	Sealed bool
}

// Info reports id's current handle and Open/Sealed state without
// affecting any wait list, for a caller building a read-only status view
// (e.g. an operator inspecting an object before issuing a GET that would
// otherwise block). ok is false if id is in neither collection.
func (t *Table) Info(id objid.ObjectID) (info Info, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, exists := t.sealed[id]; exists {
		return Info{Handle: e.handle(), Sealed: true}, true
	}
	if e, exists := t.open[id]; exists {
		return Info{Handle: e.handle(), Sealed: false}, true
	}
	return Info{}, false
}

// DropWaiter removes client from every wait list it appears on, used on
// client disconnect so a later seal never attempts to reply to a closed
// fd. Any WaitEntry left with no waiters is removed entirely. It reports
// whether client was found on any wait list, so a caller tracking
// per-client pending-GET state knows whether to retire it.
func (t *Table) DropWaiter(client uint64) (removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, w := range t.waiters {
		filtered := w.waiters[:0]
		for _, c := range w.waiters {
			if c != client {
				filtered = append(filtered, c)
			} else {
				removed = true
			}
		}
		if len(filtered) == 0 {
			delete(t.waiters, id)
			continue
		}
		w.waiters = filtered
	}
	return removed
}
