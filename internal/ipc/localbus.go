package ipc

import (
	"context"
	"sync"
)

// LocalBus is a reference, in-process implementation of Channel. It exists
// for tests and for cmd/devmuxdemo, standing in for the microkernel's real
// IPC primitive. It implements two independent delivery mechanisms:
//
//   - A plain addressed inbox (Send/Receive), the one-way primitive
//     spec.md §1 names alongside send-then-receive.
//   - A correlated call/reply mechanism (used by SendReceive) for every
//     request/reply exchange the core makes against a driver: open,
//     close, I/O, ioctl, and status probes.
//
// Driver processes are never implemented by this module (the core does not
// implement drivers), so the call/reply side of the bus is served by test
// doubles through RegisterDriver, not through the Channel interface itself.
type LocalBus struct {
	mu      sync.Mutex
	inbox   map[Endpoint]chan addressedMessage
	drivers map[Endpoint]*driverState
}

type addressedMessage struct {
	msg  Message
	from Endpoint
}

type driverState struct {
	calls chan pendingCall
	done  chan struct{}
}

type pendingCall struct {
	msg   Message
	from  Endpoint
	reply chan Reply
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		inbox:   make(map[Endpoint]chan addressedMessage),
		drivers: make(map[Endpoint]*driverState),
	}
}

func (b *LocalBus) inboxFor(ep Endpoint) chan addressedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inbox[ep]
	if !ok {
		ch = make(chan addressedMessage, 16)
		b.inbox[ep] = ch
	}
	return ch
}

// Send delivers msg to to's plain inbox without waiting for a reply.
func (b *LocalBus) Send(ctx context.Context, to Endpoint, msg Message) error {
	select {
	case b.inboxFor(to) <- addressedMessage{msg: msg, from: NoEndpoint}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks for the next message addressed to as.
func (b *LocalBus) Receive(ctx context.Context, as Endpoint) (Message, Endpoint, error) {
	select {
	case env := <-b.inboxFor(as):
		return env.msg, env.from, nil
	case <-ctx.Done():
		return Message{}, NoEndpoint, ctx.Err()
	}
}

// RegisterDriver marks ep alive and returns a handle the driver-side test
// double uses to consume requests and post replies. Re-registering an
// endpoint (simulating a driver restart after DriverDown/DriverUp) starts a
// fresh generation: pending calls against the old generation still observe
// the death that closed it.
func (b *LocalBus) RegisterDriver(ep Endpoint) *DriverInbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := &driverState{
		calls: make(chan pendingCall, 16),
		done:  make(chan struct{}),
	}
	b.drivers[ep] = st
	return &DriverInbox{bus: b, ep: ep, state: st}
}

// Kill simulates driver death: SendReceive calls already in flight against
// ep observe ErrDestinationDied, and new calls observe ErrDeadSrcDst until
// the endpoint is registered again.
func (b *LocalBus) Kill(ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.drivers[ep]
	if !ok {
		return
	}
	delete(b.drivers, ep)
	close(st.done)
}

// SendReceive delivers msg to to and blocks for its reply, or for a dead-peer
// error if to is not registered or dies mid-call.
func (b *LocalBus) SendReceive(ctx context.Context, to Endpoint, msg Message) (Reply, error) {
	b.mu.Lock()
	st, ok := b.drivers[to]
	b.mu.Unlock()
	if !ok {
		return Reply{}, ErrDeadSrcDst
	}

	replyCh := make(chan Reply, 1)
	call := pendingCall{msg: msg, from: NoEndpoint, reply: replyCh}

	select {
	case st.calls <- call:
	case <-st.done:
		return Reply{}, ErrDestinationDied
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	select {
	case r := <-replyCh:
		return r, nil
	case <-st.done:
		return Reply{}, ErrDestinationDied
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

var _ Channel = (*LocalBus)(nil)

// DriverInbox is the driver-side handle to a registered endpoint's call
// stream. It is deliberately not part of the Channel interface: the core
// never plays the driver role, only test doubles and demo drivers do.
type DriverInbox struct {
	bus   *LocalBus
	ep    Endpoint
	state *driverState
}

// Call is one pending request a driver-side loop must answer exactly once.
type Call struct {
	Message Message
	reply   chan Reply
}

// Reply posts r back to the caller blocked in SendReceive. Calling Reply
// more than once on the same Call panics, matching the one-reply-per-call
// contract a real driver's reply path enforces implicitly.
func (c Call) Reply(r Reply) {
	select {
	case c.reply <- r:
		// Closing marks the call answered: a second Reply then sends on a
		// closed channel and panics even after SendReceive has consumed
		// the first reply.
		close(c.reply)
	default:
		panic("ipc: duplicate reply to call")
	}
}

// Next blocks for the next call addressed to this driver endpoint.
func (d *DriverInbox) Next(ctx context.Context) (Call, error) {
	select {
	case pc := <-d.state.calls:
		return Call{Message: pc.msg, reply: pc.reply}, nil
	case <-d.state.done:
		return Call{}, ErrDestinationDied
	case <-ctx.Done():
		return Call{}, ctx.Err()
	}
}
