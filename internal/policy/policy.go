// Package policy implements the five open/close behaviors and three I/O
// behaviors a driver binding can plug in: generic forwarding, the
// controlling-terminal acquisition rules, the /dev/tty alias, clone
// devices that mint a fresh minor per open, and the absent (no driver)
// fallback. Each type implements drivermap.OpenCloser or
// drivermap.IOHandler so the driver map can dispatch through them without
// importing this package back.
package policy

import (
	"context"

	"github.com/ublkfs/devmux/internal/devmuxerr"
	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/procs"
)

// FlagNoCTTY mirrors O_NOCTTY: the caller does not want this open to
// acquire a controlling terminal even if it otherwise could.
const FlagNoCTTY uint32 = 1 << 0

// FlagReadWrite marks an open as requesting both read and write access.
// No policy in this package reads it; callers that need it pass it
// through flags to the driver.
const FlagReadWrite uint32 = 1 << 1

// InodeAllocator is the external collaborator the clone policy asks to
// bind a fresh character-special inode to a newly-minted minor. It is
// outside this package's scope (inode/superblock code is explicitly
// out of scope for the core) but the clone policy cannot complete an open
// without it.
type InodeAllocator interface {
	AllocateCharSpecial(dev ipc.Device) error
}

// Generic forwards open and close to the driver verbatim.
type Generic struct {
	Channel  ipc.Channel
	Endpoint ipc.Endpoint
}

func (g Generic) Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error) {
	reply, err := g.Channel.SendReceive(ctx, g.Endpoint, ipc.Message{Type: ipc.TypeOpen, Device: dev, Count: flags})
	if err != nil {
		return dev, devmuxerr.FromIPC(err)
	}
	if reply.Status < 0 {
		return dev, devmuxerr.FromStatus(reply.Status)
	}
	return dev, nil
}

func (g Generic) Close(ctx context.Context, dev ipc.Device, callerSlot int) error {
	// close is infallible from the caller's point of view; the driver's
	// reply status is not propagated, matching dev_close's void return.
	_, _ = g.Channel.SendReceive(ctx, g.Endpoint, ipc.Message{Type: ipc.TypeClose, Device: dev})
	return nil
}

// TTY implements the controlling-terminal acquisition rules for a real
// terminal driver's open/close.
type TTY struct {
	Channel  ipc.Channel
	Endpoint ipc.Endpoint
	Procs    *procs.Table
}

func (p TTY) Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error) {
	rec := p.Procs.Get(callerSlot)

	// Force O_NOCTTY when this open cannot possibly acquire a controlling
	// terminal: not a session leader, already holds one, or another
	// process already claims this exact device as its controlling tty.
	if !rec.SessionLeader || rec.HasTTY || p.Procs.HasControllingTTY(dev) {
		flags |= FlagNoCTTY
	}

	reply, err := p.Channel.SendReceive(ctx, p.Endpoint, ipc.Message{Type: ipc.TypeOpen, Device: dev, Count: flags})
	if err != nil {
		return dev, devmuxerr.FromIPC(err)
	}
	if reply.Status < 0 {
		return dev, devmuxerr.FromStatus(reply.Status)
	}

	// Sentinel status 1 means the driver granted controlling-tty status
	// to this open.
	if reply.Status == 1 {
		p.Procs.SetControllingTTY(callerSlot, dev)
	}
	return dev, nil
}

func (p TTY) Close(ctx context.Context, dev ipc.Device, callerSlot int) error {
	_, _ = p.Channel.SendReceive(ctx, p.Endpoint, ipc.Message{Type: ipc.TypeClose, Device: dev})
	return nil
}

// ControllingTTY implements /dev/tty: it never talks to a driver, it only
// checks whether the caller has a controlling terminal at all.
type ControllingTTY struct {
	Procs *procs.Table
}

func (c ControllingTTY) Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error) {
	rec := c.Procs.Get(callerSlot)
	if !rec.HasTTY {
		return dev, devmuxerr.ErrNoSuchDeviceOrAddress
	}
	return dev, nil
}

func (c ControllingTTY) Close(ctx context.Context, dev ipc.Device, callerSlot int) error {
	return nil
}

// Clone implements devices that mint a new minor on each open, such as
// network sockets. A driver returning a different minor than requested
// means a fresh character-special inode must be bound to it; that binding
// is delegated to Allocator since inode management is out of this
// package's scope.
type Clone struct {
	Channel   ipc.Channel
	Endpoint  ipc.Endpoint
	Allocator InodeAllocator
}

func (c Clone) Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error) {
	reply, err := c.Channel.SendReceive(ctx, c.Endpoint, ipc.Message{Type: ipc.TypeOpen, Device: dev, Count: flags})
	if err != nil {
		return dev, devmuxerr.FromIPC(err)
	}
	if reply.Status < 0 {
		return dev, devmuxerr.FromStatus(reply.Status)
	}

	returnedMinor := uint8(reply.Status)
	if returnedMinor == dev.Minor() {
		return dev, nil
	}

	newDev := dev.WithMinor(returnedMinor)
	if err := c.Allocator.AllocateCharSpecial(newDev); err != nil {
		// Compensating close: the driver believes this minor is open,
		// but the file server failed to represent it, so undo the open.
		_, _ = c.Channel.SendReceive(ctx, c.Endpoint, ipc.Message{Type: ipc.TypeClose, Device: newDev})
		return dev, err
	}
	return newDev, nil
}

func (c Clone) Close(ctx context.Context, dev ipc.Device, callerSlot int) error {
	_, _ = c.Channel.SendReceive(ctx, c.Endpoint, ipc.Message{Type: ipc.TypeClose, Device: dev})
	return nil
}

// Absent is installed for every unregistered major. It never sends a
// message: there is no driver to send it to.
type Absent struct{}

func (Absent) Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error) {
	return dev, devmuxerr.ErrNoSuchDevice
}

func (Absent) Close(ctx context.Context, dev ipc.Device, callerSlot int) error {
	return nil
}

// GenericIO resolves to the requested device unchanged; the request engine
// performs the actual send/receive and the reply-endpoint sanity check
// uniformly for every I/O handler.
type GenericIO struct{}

func (GenericIO) Resolve(ctx context.Context, dev ipc.Device, callerSlot int) (ipc.Device, error) {
	return dev, nil
}

// ControllingTTYIO substitutes the caller's controlling terminal for
// /dev/tty before the engine redispatches through the real driver.
type ControllingTTYIO struct {
	Procs *procs.Table
}

func (c ControllingTTYIO) Resolve(ctx context.Context, dev ipc.Device, callerSlot int) (ipc.Device, error) {
	rec := c.Procs.Get(callerSlot)
	if !rec.HasTTY {
		return dev, devmuxerr.ErrIO
	}
	return rec.ControllingTTY, nil
}

// AbsentIO always fails: there is no driver bound to this major.
type AbsentIO struct{}

func (AbsentIO) Resolve(ctx context.Context, dev ipc.Device, callerSlot int) (ipc.Device, error) {
	return dev, devmuxerr.ErrIO
}

// SetSID marks slot as a session leader and clears any controlling
// terminal it held, matching pm_setsid: a new session starts with no
// controlling terminal until it opens one.
func SetSID(tbl *procs.Table, slot int) {
	tbl.SetSID(slot)
}

var (
	_ drivermap.OpenCloser = Generic{}
	_ drivermap.OpenCloser = TTY{}
	_ drivermap.OpenCloser = ControllingTTY{}
	_ drivermap.OpenCloser = Clone{}
	_ drivermap.OpenCloser = Absent{}
	_ drivermap.IOHandler  = GenericIO{}
	_ drivermap.IOHandler  = ControllingTTYIO{}
	_ drivermap.IOHandler  = AbsentIO{}
)
