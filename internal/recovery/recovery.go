// Package recovery implements the recovery controller: it reacts to a
// driver arriving or leaving by updating the driver map, reopening the
// filesystems and character files that depended on the old driver, and
// pulling a driver's status reply stream (revive and io-ready entries)
// into the rest of the core.
package recovery

import (
	"context"

	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/interfaces"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/suspend"
)

// Mount is one mounted superblock whose device lives on the major being
// brought up.
type Mount struct {
	Device   ipc.Device
	ReadOnly bool
}

// MountLister is the external collaborator (the superblock table) the
// controller asks which mounts depend on a major.
type MountLister interface {
	MountsForMajor(major uint8) []Mount
}

// Filp is one open character-special file whose device lives on the major
// being brought up.
type Filp struct {
	ID     uint64
	Device ipc.Device
}

// FilpLister is the external collaborator (the open-file table) the
// controller asks which filps depend on a major, and tells to invalidate
// one that failed to reopen.
type FilpLister interface {
	FilpsForMajor(major uint8) []Filp
	InvalidateFilp(id uint64)
}

// SelectNotifier routes a DEV_IO_READY entry to the select subsystem,
// explicitly out of this core's scope.
type SelectNotifier interface {
	IOReady(minor uint8, operations uint32)
}

// Controller is the recovery controller and status handler.
type Controller struct {
	Drivers *drivermap.Map
	Channel ipc.Channel
	Suspend *suspend.Registry
	Mounts  MountLister
	Filps   FilpLister
	Select  SelectNotifier
	Log     interfaces.Logger
	Obs     interfaces.Observer
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Warnf(format, args...)
	}
}

// DriverUp installs binding for major and reopens every mount and filp
// that depends on it. Reopen failures are logged, never fatal: a driver
// coming back up with some stale state is recoverable, unlike a
// programming error in the grant or adapter layers.
func (c *Controller) DriverUp(ctx context.Context, major uint8, binding drivermap.Binding) {
	c.Drivers.Bind(major, binding)
	if c.Obs != nil {
		c.Obs.ObserveDriverUp(major)
	}

	if c.Mounts != nil {
		for _, m := range c.Mounts.MountsForMajor(major) {
			flags := uint32(0)
			if m.ReadOnly {
				flags = readOnlyFlag
			}
			if _, err := binding.Open.Open(ctx, m.Device, noCaller, flags); err != nil {
				c.logf("reopen mount %s on major %d failed: %v", m.Device, major, err)
			}
		}
	}

	if c.Filps != nil {
		for _, f := range c.Filps.FilpsForMajor(major) {
			if _, err := binding.Open.Open(ctx, f.Device, noCaller, 0); err != nil {
				// Every descriptor referencing this filp is invalidated,
				// not recycled: the fd stays allocated until an explicit
				// close, matching the "closed on close" invariant.
				c.Filps.InvalidateFilp(f.ID)
			}
		}
	}
}

// DriverDown clears every binding referencing endpoint and reports which
// majors were affected, so the caller can decide whether to wake anything
// parked in a block I/O restart loop (drivermap already wakes it) or to
// fail character I/O in flight (nothing to do: the next SendReceive to
// that endpoint observes a dead peer on its own).
func (c *Controller) DriverDown(endpoint ipc.Endpoint) []uint8 {
	cleared := c.Drivers.UnbindByEndpoint(endpoint)
	if c.Obs != nil {
		for _, major := range cleared {
			c.Obs.ObserveDriverDown(major)
		}
	}
	return cleared
}

// StatusReceived pulls driver's status reply stream to completion: each
// iteration sends a DEV_STATUS probe and dispatches the single entry it
// gets back. A dead-peer error mid-loop silently drops the remainder of
// the batch, matching the original status handler's behavior of treating
// a vanished driver's stale status ring as nothing to report.
func (c *Controller) StatusReceived(ctx context.Context, driver ipc.Endpoint) {
	for {
		reply, err := c.Channel.SendReceive(ctx, driver, ipc.Message{Type: ipc.TypeDevStatus})
		if err != nil {
			if ipc.IsDeadPeer(err) {
				return
			}
			c.logf("status probe to driver %d failed: %v", driver, err)
			return
		}

		switch reply.Type {
		case ipc.TypeDevRevive:
			if reply.TargetEndpoint != 0 && reply.TargetEndpoint != ipc.NoEndpoint {
				// A revive entry not addressed to the file server itself
				// is not ours to resolve; skip it and keep draining.
				continue
			}
			if _, _, ok := c.Suspend.Revive(driver, reply.Grant, reply.Status); !ok {
				c.logf("DEV_REVIVE from driver %d named an unknown (driver, grant) pair", driver)
			}
		case ipc.TypeDevIOReady:
			if c.Select != nil {
				c.Select.IOReady(reply.Minor, reply.Operations)
			}
		case ipc.TypeDevNoStatus:
			return
		default:
			c.logf("unknown status entry type %v from driver %d, stopping", reply.Type, driver)
			return
		}
	}
}

const (
	noCaller     = -1
	readOnlyFlag = 1 << 0
)
