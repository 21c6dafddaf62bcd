// Package devmux implements the device I/O multiplexer at the heart of a
// microkernel file server: it resolves a device number to the driver
// process bound to its major, converts a caller's virtual address into a
// capability grant, drives the request/reply exchange with that driver,
// and handles the slow paths — suspension, non-blocking cancellation,
// driver death, and driver rebinding — that the straightforward cases
// never touch.
//
// Multiplexer wires together the seven components the rest of this
// module implements: the grant broker (internal/grant), the driver map
// (internal/drivermap), the message adapter (internal/adapter), the
// request engine (internal/engine), the suspension registry
// (internal/suspend), the open/close policies (internal/policy), and the
// recovery controller (internal/recovery). It plays the role the
// teacher's backend.go plays for a ublk device: the single entry point an
// embedding file server drives its message loop through.
package devmux

import (
	"context"

	"github.com/ublkfs/devmux/internal/adapter"
	"github.com/ublkfs/devmux/internal/devmuxerr"
	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/engine"
	"github.com/ublkfs/devmux/internal/grant"
	"github.com/ublkfs/devmux/internal/interfaces"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/policy"
	"github.com/ublkfs/devmux/internal/procs"
	"github.com/ublkfs/devmux/internal/recovery"
	"github.com/ublkfs/devmux/internal/suspend"
)

// Logger is the optional structured logger a Multiplexer and its
// components log through. A nil Logger means "don't log".
type Logger = interfaces.Logger

// Device is the 16-bit major/minor device number every operation below
// is keyed on.
type Device = ipc.Device

// NewDevice packs a major/minor pair into a Device.
func NewDevice(major, minor uint8) Device {
	return ipc.NewDevice(major, minor)
}

// Options configures a Multiplexer at construction time. Every field is
// optional; a nil Mounts/Filps/Select/Allocator simply means that
// collaborator's feature (mount/filp reopen on driver-up, select
// notification, clone-device inode allocation) is unused.
type Options struct {
	Logger    Logger
	Observer  Observer
	Mounts    recovery.MountLister
	Filps     recovery.FilpLister
	Select    recovery.SelectNotifier
	Allocator policy.InodeAllocator
}

// Multiplexer ties the seven components together behind the external
// interface spec.md §6 names. Self is the file server's own endpoint,
// used as the grant owner for I/O the server performs on its own behalf
// (BlockIO).
type Multiplexer struct {
	Channel ipc.Channel
	Self    ipc.Endpoint

	Drivers  *drivermap.Map
	Broker   *grant.Broker
	Adapter  *adapter.Adapter
	Procs    *procs.Table
	Suspend  *suspend.Registry
	Engine   *engine.Engine
	Recovery *recovery.Controller

	allocator policy.InodeAllocator
	metrics   *Metrics
	log       Logger
}

// New wires a Multiplexer from scratch: an empty driver map, a fresh
// grant broker and process table, and the suspension registry, engine,
// and recovery controller built on top of them. channel is the IPC
// transport every driver exchange goes over; self is the file server's
// own endpoint.
func New(channel ipc.Channel, self ipc.Endpoint, options *Options) *Multiplexer {
	if options == nil {
		options = &Options{}
	}

	var obs Observer = options.Observer
	var metrics *Metrics
	if obs == nil {
		metrics = NewMetrics()
		obs = metrics
	}

	drivers := drivermap.NewMap()
	broker := grant.NewBroker()
	broker.Obs = obs
	procTbl := procs.NewTable()
	reg := suspend.New(procTbl, broker, channel, obs)
	ad := adapter.New(broker)

	m := &Multiplexer{
		Channel: channel,
		Self:    self,

		Drivers: drivers,
		Broker:  broker,
		Adapter: ad,
		Procs:   procTbl,
		Suspend: reg,
		Engine: &engine.Engine{
			Drivers: drivers,
			Broker:  broker,
			Adapter: ad,
			Procs:   procTbl,
			Suspend: reg,
			Channel: channel,
			Self:    self,
			Obs:     obs,
			Log:     options.Logger,
		},
		Recovery: &recovery.Controller{
			Drivers: drivers,
			Channel: channel,
			Suspend: reg,
			Mounts:  options.Mounts,
			Filps:   options.Filps,
			Select:  options.Select,
			Log:     options.Logger,
			Obs:     obs,
		},

		allocator: options.Allocator,
		metrics:   metrics,
		log:       options.Logger,
	}
	return m
}

// Metrics returns the built-in metrics collector, or nil if the
// Multiplexer was constructed with a caller-supplied Observer instead.
func (m *Multiplexer) Metrics() *Metrics {
	return m.metrics
}

// BindCaller assigns process-table slot i to pid/endpoint, the same slot
// index every other method below addresses a caller by.
func (m *Multiplexer) BindCaller(i int, pid int32, endpoint ipc.Endpoint) {
	m.Procs.Bind(i, pid, endpoint)
}

// ReleaseCaller frees process-table slot i.
func (m *Multiplexer) ReleaseCaller(i int) {
	m.Procs.Release(i)
}

// Allocator returns the clone-device inode allocator supplied at
// construction, or nil if none was configured. DriverUp installing a
// policy.Clone binding needs this to hand to the policy type.
func (m *Multiplexer) Allocator() policy.InodeAllocator {
	return m.allocator
}

// checkCaller reports ErrBadFileDescriptor if callerSlot's claimed pid no
// longer exists, the Go analogue of the original file server's isokendpt
// guard against trusting a stale process-table slot.
func (m *Multiplexer) checkCaller(op string, dev ipc.Device, callerSlot int) error {
	if !m.Procs.IsAlive(callerSlot) {
		return devmuxerr.ErrBadFileDescriptor.WithContext(op, dev)
	}
	return nil
}

// Open dispatches dev's open/close policy for callerSlot. An unbound
// major reports ENODEV without sending anything, matching the absent
// binding's own behavior — this check exists so Open never depends on
// drivermap installing policy.Absent itself.
func (m *Multiplexer) Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error) {
	if err := m.checkCaller("open", dev, callerSlot); err != nil {
		return dev, err
	}
	binding := m.Drivers.Lookup(dev.Major())
	if binding.Open == nil {
		return dev, devmuxerr.ErrNoSuchDevice.WithContext("open", dev)
	}
	return binding.Open.Open(ctx, dev, callerSlot, flags)
}

// Close dispatches dev's close policy for callerSlot. Closing a device
// whose major is no longer bound is a no-op, not an error: the original
// dev_close contract never fails.
func (m *Multiplexer) Close(ctx context.Context, dev ipc.Device, callerSlot int) error {
	binding := m.Drivers.Lookup(dev.Major())
	if binding.Open == nil {
		return nil
	}
	return binding.Open.Close(ctx, dev, callerSlot)
}

// IO performs one character-device I/O call on behalf of callerSlot.
// nonBlocking mirrors the caller's O_NONBLOCK. The returned status may be
// StatusSuspend, meaning the caller's own system call stays parked until
// a later StatusReceived delivers a DEV_REVIVE for it.
func (m *Multiplexer) IO(ctx context.Context, dev ipc.Device, callerSlot int, req adapter.Request, nonBlocking bool) (int32, error) {
	if err := m.checkCaller("io", dev, callerSlot); err != nil {
		return 0, err
	}
	vectored := req.Op == ipc.OpScatter || req.Op == ipc.OpGather
	return m.Engine.CharIO(ctx, dev, callerSlot, req, nonBlocking, vectored)
}

// Ioctl performs an ioctl call on behalf of callerSlot. It is a thin
// wrapper over IO with req.Op forced to OpIoctl, since ioctl shares every
// other branch of CharIO (suspend, cancel, driver redirect) with plain
// I/O.
func (m *Multiplexer) Ioctl(ctx context.Context, dev ipc.Device, callerSlot int, req adapter.Request) (int32, error) {
	if err := m.checkCaller("ioctl", dev, callerSlot); err != nil {
		return 0, err
	}
	req.Op = ipc.OpIoctl
	return m.Engine.CharIO(ctx, dev, callerSlot, req, false, false)
}

// BlockIO performs a block-device I/O call on behalf of the file server
// itself (Self). It never suspends; a driver crash mid-call blocks this
// goroutine until the driver restarts.
func (m *Multiplexer) BlockIO(ctx context.Context, dev ipc.Device, req adapter.Request) (int32, error) {
	return m.Engine.BlockIO(ctx, dev, req)
}

// SetSID marks callerSlot as a session leader, dropping any controlling
// terminal it held. Idempotent: calling it again on an existing session
// leader is a no-op beyond re-clearing an already-clear controlling tty.
func (m *Multiplexer) SetSID(callerSlot int) {
	policy.SetSID(m.Procs, callerSlot)
}

// Cancel aborts callerSlot's outstanding suspended call, used when the
// owning process exits or takes a signal while parked. A slot that is
// not currently suspended is a no-op.
func (m *Multiplexer) Cancel(ctx context.Context, callerSlot int) error {
	return m.Suspend.Cancel(ctx, callerSlot)
}

// DriverUp installs a binding for major and reopens every mount and filp
// that depended on it, via the MountLister/FilpLister supplied at
// construction. Calling it again for a major that is already bound
// simply replaces the binding and reopens the same mounts/filps again —
// the embedding server is expected to call this once per genuine bind
// notification, not speculatively.
func (m *Multiplexer) DriverUp(ctx context.Context, major uint8, endpoint ipc.Endpoint, style drivermap.Style, open drivermap.OpenCloser, io drivermap.IOHandler) {
	m.Recovery.DriverUp(ctx, major, drivermap.Binding{
		Endpoint: endpoint,
		Open:     open,
		IO:       io,
		Style:    style,
	})
}

// DriverDown clears every binding referencing endpoint and returns which
// majors were affected. Any call blocked in BlockIO's restart wait for
// one of those majors wakes automatically; character I/O in flight fails
// its own SendReceive with a dead-peer error on its next attempt.
func (m *Multiplexer) DriverDown(endpoint ipc.Endpoint) []uint8 {
	return m.Recovery.DriverDown(endpoint)
}

// StatusReceived drains driver's status reply stream to completion,
// dispatching each DEV_REVIVE to the suspension registry and each
// DEV_IO_READY to the configured SelectNotifier.
func (m *Multiplexer) StatusReceived(ctx context.Context, driver ipc.Endpoint) {
	m.Recovery.StatusReceived(ctx, driver)
}
