// Package grant implements the capability broker: it mints and revokes the
// tokens that stand in for a caller's virtual address in every message
// crossing to a driver. A driver never sees a raw pointer, only a grant id
// it hands back to the kernel's copy primitive; the broker is the only
// party that knows which process and address range a grant resolves to.
package grant

import (
	"sync"

	"github.com/ublkfs/devmux/internal/constants"
	"github.com/ublkfs/devmux/internal/interfaces"
	"github.com/ublkfs/devmux/internal/ipc"
)

// Direction constrains what a grant's holder may do with the memory it
// names.
type Direction uint8

const (
	// DirectionRead lets the driver read the caller's memory (a WRITE
	// syscall's source buffer, from the driver's point of view).
	DirectionRead Direction = iota
	// DirectionWrite lets the driver write the caller's memory (a READ
	// syscall's destination buffer).
	DirectionWrite
	// DirectionReadWrite is used by ioctls whose argument is both read
	// and written by the driver.
	DirectionReadWrite
)

// String renders a Direction the way Broker reports it to an Observer.
func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	case DirectionReadWrite:
		return "readwrite"
	default:
		return "unknown"
	}
}

// grant is one minted capability.
type grant struct {
	inUse     bool
	owner     ipc.Endpoint
	addr      uintptr
	length    uint32
	direction Direction
	indirect  bool // true for GrantIndirect: addr/length describe a vector, not a buffer
}

// Broker mints and revokes grants. Its table is sized NRProcs*NRIOReqs,
// matching the bound on how many grants a single request's scatter/gather
// vector may hold across every in-flight process.
type Broker struct {
	mu        sync.Mutex
	grants    []grant
	free      []uint64
	nextID    uint64
	outstanding int

	// Obs receives a mint/revoke event per grant, if set. A nil Obs means
	// "don't report" — the broker works standalone in tests that never
	// set it.
	Obs interfaces.Observer
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	size := constants.NRProcs * constants.NRIOReqs
	return &Broker{
		grants: make([]grant, size),
	}
}

// mint finds a free slot and fills it. It panics if the table is exhausted:
// running out of grant slots means a caller or the adapter violated the
// scatter/gather fragment cap (internal/adapter enforces NRIOReqs per
// request before ever reaching here), which is a programming error, not a
// recoverable condition.
func (b *Broker) mint(owner ipc.Endpoint, addr uintptr, length uint32, dir Direction, indirect bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.free) > 0 {
		id := b.free[len(b.free)-1]
		b.free = b.free[:len(b.free)-1]
		b.grants[id] = grant{inUse: true, owner: owner, addr: addr, length: length, direction: dir, indirect: indirect}
		b.outstanding++
		return id + 1 // 0 is reserved as "no grant"
	}

	id := b.nextID
	if int(id) >= len(b.grants) {
		panic("grant: table exhausted")
	}
	b.nextID++
	b.grants[id] = grant{inUse: true, owner: owner, addr: addr, length: length, direction: dir, indirect: indirect}
	b.outstanding++
	return id + 1
}

// GrantBuffer mints a grant over a single contiguous buffer belonging to
// owner, for the given direction.
func (b *Broker) GrantBuffer(owner ipc.Endpoint, addr uintptr, length uint32, dir Direction) uint64 {
	id := b.mint(owner, addr, length, dir, false)
	if b.Obs != nil {
		b.Obs.ObserveGrantMint(dir.String())
	}
	return id
}

// GrantIndirect mints a grant over a scatter/gather vector: addr names the
// vector itself (an array of sub-ranges), not a single buffer. The adapter
// mints one of these plus one sub-grant per fragment.
func (b *Broker) GrantIndirect(owner ipc.Endpoint, addr uintptr, length uint32, dir Direction) uint64 {
	id := b.mint(owner, addr, length, dir, true)
	if b.Obs != nil {
		b.Obs.ObserveGrantMint(dir.String())
	}
	return id
}

// Revoke releases id. Revoking an id that is zero, already revoked, or was
// never minted is a no-op: the request engine's cleanup path revokes
// unconditionally on every return path except SUSPEND, and double-revoking
// a grant that a cancel race already cleaned up must not panic.
func (b *Broker) Revoke(id uint64) {
	if id == 0 {
		return
	}
	idx := id - 1
	b.mu.Lock()
	if int(idx) >= len(b.grants) || !b.grants[idx].inUse {
		b.mu.Unlock()
		return
	}
	b.grants[idx] = grant{}
	b.free = append(b.free, idx)
	b.outstanding--
	b.mu.Unlock()

	if b.Obs != nil {
		b.Obs.ObserveGrantRevoke()
	}
}

// RevokeAll releases every grant in ids, ignoring ids already revoked.
// Used by the request engine to release every grant a rewritten request
// holds on its non-SUSPEND return paths.
func (b *Broker) RevokeAll(ids []uint64) {
	for _, id := range ids {
		b.Revoke(id)
	}
}

// Outstanding returns the number of currently-minted grants, for metrics
// and for tests asserting that a completed call leaves no grant behind.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding
}

// Owner returns the endpoint that owns id and whether id is currently
// minted.
func (b *Broker) Owner(id uint64) (ipc.Endpoint, bool) {
	if id == 0 {
		return ipc.NoEndpoint, false
	}
	idx := id - 1
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(idx) >= len(b.grants) || !b.grants[idx].inUse {
		return ipc.NoEndpoint, false
	}
	return b.grants[idx].owner, true
}
