// Package engine implements the request engine: it orchestrates one I/O
// call end to end, from rewriting the request through a driver exchange to
// cleanup, and owns the two distinct suspension disciplines the core
// supports. Block I/O never suspends and instead blocks the single server
// thread while a driver restarts; character I/O returns a SUSPEND sentinel
// upward and never blocks.
package engine

import (
	"context"

	"github.com/ublkfs/devmux/internal/adapter"
	"github.com/ublkfs/devmux/internal/devmuxerr"
	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/grant"
	"github.com/ublkfs/devmux/internal/interfaces"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/procs"
	"github.com/ublkfs/devmux/internal/suspend"
)

// StatusSuspend is the sentinel CharIO returns in place of a status to mean
// "the caller's system call stays parked; a later revive delivers the real
// status". It is not a driver reply value; it never crosses the wire.
const StatusSuspend int32 = -1 << 30

// Engine ties every other component together to perform one I/O call.
type Engine struct {
	Drivers  *drivermap.Map
	Broker   *grant.Broker
	Adapter  *adapter.Adapter
	Procs    *procs.Table
	Suspend  *suspend.Registry
	Channel  ipc.Channel
	Self     ipc.Endpoint
	Obs      interfaces.Observer
	Log      interfaces.Logger
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.Log != nil {
		e.Log.Debugf(format, args...)
	}
}

// BlockIO performs a block-device I/O call on behalf of the file server
// itself. SUSPEND from the driver is a protocol violation and aborts the
// server, matching the original dev_bio contract: block I/O has no path to
// park a caller, since its caller is the server's own cache code, not a
// user process with a system call to leave outstanding.
func (e *Engine) BlockIO(ctx context.Context, dev ipc.Device, req adapter.Request) (int32, error) {
	major := dev.Major()
	binding := e.Drivers.Lookup(major)
	if binding.Open == nil {
		return 0, devmuxerr.ErrNoSuchDeviceOrAddress.WithContext("block_io", dev)
	}

	rw := e.Adapter.Rewrite(e.Self, dev, req)

	for {
		reply, err := e.Channel.SendReceive(ctx, binding.Endpoint, rw.Message)
		if err != nil {
			if ipc.IsDeadPeer(err) {
				e.logf("driver for major %d vanished mid block I/O, waiting for restart", major)
				newBinding, waitErr := e.Drivers.WaitForDriver(ctx, major)
				if waitErr != nil {
					e.Broker.RevokeAll(rw.Grants)
					return 0, waitErr
				}
				binding = newBinding
				continue
			}
			e.Broker.RevokeAll(rw.Grants)
			return 0, devmuxerr.FromIPC(err)
		}

		if reply.Status == StatusSuspend {
			panic("engine: driver returned SUSPEND for block I/O")
		}

		e.Broker.RevokeAll(rw.Grants)
		if e.Obs != nil {
			e.Obs.ObserveIO(req.Op.String(), uint64(req.Length), 0, reply.Status)
		}
		if reply.Status < 0 {
			return 0, devmuxerr.FromStatus(reply.Status).(*devmuxerr.Error).WithContext("block_io", dev)
		}
		return reply.Status, nil
	}
}

// CharIO performs a character-device I/O call on behalf of callerSlot.
// nonBlocking mirrors the caller's O_NONBLOCK; vectored marks a
// scatter/gather request, which may never legally suspend.
func (e *Engine) CharIO(ctx context.Context, dev ipc.Device, callerSlot int, req adapter.Request, nonBlocking, vectored bool) (int32, error) {
	binding := e.Drivers.Lookup(dev.Major())
	if binding.Open == nil {
		return 0, devmuxerr.ErrNoSuchDeviceOrAddress.WithContext("io", dev)
	}

	ioDev, err := binding.IO.Resolve(ctx, dev, callerSlot)
	if err != nil {
		return 0, err
	}
	if ioDev != dev {
		// The I/O handler redirected to a different device (the
		// controlling-tty alias); redispatch through its real binding. A
		// controlling tty whose driver is no longer bound is EIO.
		binding = e.Drivers.Lookup(ioDev.Major())
		if binding.Open == nil {
			return 0, devmuxerr.ErrIO.WithContext("io", ioDev)
		}
	}

	owner := e.Procs.Get(callerSlot).IOEndpoint
	rw := e.Adapter.Rewrite(owner, ioDev, req)

	reply, sendErr := e.Channel.SendReceive(ctx, binding.Endpoint, rw.Message)
	if sendErr != nil {
		e.Broker.RevokeAll(rw.Grants)
		return 0, devmuxerr.ErrIO.WithContext("io", ioDev)
	}

	// Sanity check: a reply that names a target endpoint must name the
	// process whose buffer the request granted, never some other slot's.
	// A driver that never populates TargetEndpoint on a plain I/O reply
	// leaves it zero, which is always trusted.
	if reply.TargetEndpoint != 0 && reply.TargetEndpoint != ipc.NoEndpoint && reply.TargetEndpoint != owner {
		e.Broker.RevokeAll(rw.Grants)
		return 0, devmuxerr.ErrIO.WithContext("io", ioDev)
	}

	if reply.Status != StatusSuspend {
		e.Broker.RevokeAll(rw.Grants)
		if e.Obs != nil {
			e.Obs.ObserveIO(req.Op.String(), uint64(req.Length), 0, reply.Status)
		}
		if reply.Status < 0 {
			return 0, devmuxerr.FromStatus(reply.Status).(*devmuxerr.Error).WithContext("io", ioDev)
		}
		return reply.Status, nil
	}

	if vectored {
		panic("engine: driver returned SUSPEND for a scatter/gather request")
	}

	if nonBlocking {
		return e.cancelAfterSuspend(ctx, binding.Endpoint, ioDev, rw, req)
	}

	// Transfer grant ownership to the suspension registry and return the
	// SUSPEND sentinel upward; the caller's system call stays parked
	// until a later DEV_REVIVE resolves it.
	e.Suspend.Suspend(callerSlot, binding.Endpoint, rw.Message.Grant)
	return StatusSuspend, nil
}

func (e *Engine) cancelAfterSuspend(ctx context.Context, driver ipc.Endpoint, dev ipc.Device, rw adapter.Rewritten, req adapter.Request) (int32, error) {
	mode := ipc.ModeRead
	if req.Op == ipc.OpWrite {
		mode = ipc.ModeWrite
	}

	_, cancelErr := e.Channel.SendReceive(ctx, driver, ipc.Message{
		Type:   ipc.TypeCancel,
		Device: dev,
		Grant:  rw.Message.Grant,
		Count:  mode,
	})

	e.Broker.RevokeAll(rw.Grants)
	if e.Obs != nil {
		e.Obs.ObserveCancel()
	}

	if cancelErr != nil && !ipc.IsDeadPeer(cancelErr) {
		return 0, devmuxerr.FromIPC(cancelErr)
	}
	// The driver's cancel acknowledgment may report "interrupted"; the
	// non-blocking contract remaps that to "try again" unconditionally.
	return 0, devmuxerr.ErrTryAgain
}
