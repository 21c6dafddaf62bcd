package procs

import (
	"os"
	"testing"

	"github.com/ublkfs/devmux/internal/ipc"
)

func TestBindAndRelease(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(3, 100, ipc.Endpoint(7))

	r := tbl.Get(3)
	if r.Pid != 100 || r.Endpoint != 7 || r.IOEndpoint != 7 {
		t.Fatalf("Get(3) = %+v, want pid 100 endpoint 7", r)
	}

	tbl.Release(3)
	r = tbl.Get(3)
	if r.Pid != -1 {
		t.Fatalf("Release did not free slot: %+v", r)
	}
}

func TestSuspendRevive(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(1, 10, ipc.Endpoint(1))
	const driver = ipc.Endpoint(4)
	tbl.Suspend(1, driver, 0xabc)

	if !tbl.IsSuspended(1) {
		t.Fatal("expected slot 1 to be suspended")
	}
	if got := tbl.FindSuspended(driver, 0xabc); got != 1 {
		t.Fatalf("FindSuspended = %d, want 1", got)
	}
	if got := tbl.FindSuspended(driver, 0xdef); got != -1 {
		t.Fatalf("FindSuspended wrong grant = %d, want -1", got)
	}

	tbl.Revive(1)
	if tbl.IsSuspended(1) {
		t.Fatal("expected slot 1 to no longer be suspended")
	}
	if got := tbl.FindSuspended(driver, 0xabc); got != -1 {
		t.Fatalf("FindSuspended after revive = %d, want -1", got)
	}
}

func TestSetSIDClearsTTY(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(2, 20, ipc.Endpoint(2))
	tbl.SetControllingTTY(2, ipc.NewDevice(4, 0))

	tbl.SetSID(2)
	r := tbl.Get(2)
	if !r.SessionLeader {
		t.Fatal("expected slot to become session leader")
	}
	if r.HasTTY {
		t.Fatal("expected SetSID to clear controlling tty")
	}
}

func TestHasControllingTTY(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(0, 1, ipc.Endpoint(1))
	dev := ipc.NewDevice(4, 2)

	if tbl.HasControllingTTY(dev) {
		t.Fatal("no process should claim dev yet")
	}
	tbl.SetControllingTTY(0, dev)
	if !tbl.HasControllingTTY(dev) {
		t.Fatal("expected dev to be claimed after SetControllingTTY")
	}
}

func TestIsAliveReflectsProcessExistence(t *testing.T) {
	tbl := NewTable()
	tbl.Bind(0, int32(os.Getpid()), ipc.Endpoint(1))
	if !tbl.IsAlive(0) {
		t.Fatal("expected the test process itself to be alive")
	}

	// Linux pids never reach this high, so no process can hold it.
	tbl.Bind(1, 1<<30-1, ipc.Endpoint(2))
	if tbl.IsAlive(1) {
		t.Fatal("expected an implausible pid to be reported as not alive")
	}

	if tbl.IsAlive(2) {
		t.Fatal("expected a free slot to never be alive")
	}
}
