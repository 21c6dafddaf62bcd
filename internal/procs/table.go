// Package procs holds the process table the core consults to track a
// caller's session state and in-flight suspension across the open, close,
// io, and cancel operations.
package procs

import (
	"golang.org/x/sys/unix"

	"github.com/ublkfs/devmux/internal/constants"
	"github.com/ublkfs/devmux/internal/ipc"
)

// Record is one process-table slot. A caller is identified to the rest of
// the core by its slot index, not by its IPC endpoint directly, mirroring
// the original file server's fp_ fields on a process struct.
type Record struct {
	// Pid is constants.PidFree when the slot is unused.
	Pid int32

	// Endpoint is the caller's IPC endpoint.
	Endpoint ipc.Endpoint

	// SuspendedDriver is the driver endpoint a blocking call is parked
	// against, or ipc.NoEndpoint if the process is not suspended.
	SuspendedDriver ipc.Endpoint

	// SuspendedGrant is the grant minted for the suspended call, used by
	// the suspension registry to find the matching slot when a DEV_REVIVE
	// arrives.
	SuspendedGrant uint64

	// IOEndpoint is the endpoint whose address space this slot's I/O
	// buffers belong to; the request engine mints grants against it. Bind
	// sets it equal to Endpoint.
	IOEndpoint ipc.Endpoint

	// SessionLeader is set once, by SetSID, and never cleared.
	SessionLeader bool

	// ControllingTTY is the device this process's terminal is bound to,
	// or the zero Device if none.
	ControllingTTY ipc.Device
	HasTTY         bool
}

func freeRecord() Record {
	return Record{
		Pid:             constants.PidFree,
		Endpoint:        ipc.NoEndpoint,
		SuspendedDriver: ipc.NoEndpoint,
		IOEndpoint:      ipc.NoEndpoint,
	}
}

// Table is the fixed-size process table. The zero Table is not usable;
// construct one with NewTable.
type Table struct {
	slots [constants.NRProcs]Record
}

// NewTable returns an empty table with every slot marked free.
func NewTable() *Table {
	t := &Table{}
	for i := range t.slots {
		t.slots[i] = freeRecord()
	}
	return t
}

// Bind assigns slot i to pid/endpoint, replacing whatever was there. The
// caller (the root Multiplexer) owns slot assignment; this package never
// allocates a slot on its own.
func (t *Table) Bind(i int, pid int32, ep ipc.Endpoint) {
	t.slots[i] = freeRecord()
	t.slots[i].Pid = pid
	t.slots[i].Endpoint = ep
	t.slots[i].IOEndpoint = ep
}

// Release frees slot i.
func (t *Table) Release(i int) {
	t.slots[i] = freeRecord()
}

// Get returns a copy of slot i's record.
func (t *Table) Get(i int) Record {
	return t.slots[i]
}

// Set overwrites slot i's record wholesale.
func (t *Table) Set(i int, r Record) {
	t.slots[i] = r
}

// Suspend marks slot i as parked on driver, holding grant.
func (t *Table) Suspend(i int, driver ipc.Endpoint, grant uint64) {
	t.slots[i].SuspendedDriver = driver
	t.slots[i].SuspendedGrant = grant
}

// Revive clears slot i's suspension.
func (t *Table) Revive(i int) {
	t.slots[i].SuspendedDriver = ipc.NoEndpoint
	t.slots[i].SuspendedGrant = 0
}

// IsSuspended reports whether slot i is parked waiting for a DEV_REVIVE.
func (t *Table) IsSuspended(i int) bool {
	return t.slots[i].SuspendedDriver != ipc.NoEndpoint
}

// FindSuspended returns the slot index suspended on driver holding grant,
// or -1 if none matches. At most one slot may match, since a grant is a
// linear resource owned by exactly one suspended call.
func (t *Table) FindSuspended(driver ipc.Endpoint, grant uint64) int {
	for i := range t.slots {
		r := &t.slots[i]
		if r.Pid == constants.PidFree {
			continue
		}
		if r.SuspendedDriver == driver && r.SuspendedGrant == grant {
			return i
		}
	}
	return -1
}

// SetSID marks slot i as a session leader and drops any controlling tty it
// held, matching the original pm_setsid contract: a process that starts a
// new session has no controlling terminal until it opens one.
func (t *Table) SetSID(i int) {
	t.slots[i].SessionLeader = true
	t.slots[i].HasTTY = false
	t.slots[i].ControllingTTY = 0
}

// SetControllingTTY records dev as slot i's controlling terminal.
func (t *Table) SetControllingTTY(i int, dev ipc.Device) {
	t.slots[i].HasTTY = true
	t.slots[i].ControllingTTY = dev
}

// HasControllingTTY reports whether any process already claims dev as its
// controlling terminal, used by the tty open policy to refuse a second
// claim.
func (t *Table) HasControllingTTY(dev ipc.Device) bool {
	for i := range t.slots {
		r := &t.slots[i]
		if r.Pid != constants.PidFree && r.HasTTY && r.ControllingTTY == dev {
			return true
		}
	}
	return false
}

// IsAlive reports whether slot i's claimed pid still names a live process,
// the Go analogue of the original file server's isokendpt staleness check
// on a grant or suspended call before trusting it. A free slot is never
// alive. unix.Kill with signal 0 performs no delivery; it only probes
// existence and permission.
func (t *Table) IsAlive(i int) bool {
	r := &t.slots[i]
	if r.Pid == constants.PidFree {
		return false
	}
	err := unix.Kill(int(r.Pid), 0)
	return err == nil || err == unix.EPERM
}
