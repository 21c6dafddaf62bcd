package devmux

import (
	"context"
	"sync"

	"github.com/ublkfs/devmux/internal/ipc"
)

// MockDriver is a programmable in-process driver for testing code that
// drives a Multiplexer. It registers itself on an ipc.LocalBus and
// answers every call either from a fixed reply script (consumed in
// order) or from a handler function, tracking how many calls of each
// message type it has seen.
type MockDriver struct {
	bus      *ipc.LocalBus
	endpoint ipc.Endpoint
	handler  func(ipc.Message) ipc.Reply

	mu      sync.Mutex
	script  []ipc.Reply
	calls   []ipc.Message
	typeN   map[ipc.MsgType]int
	stopped bool
}

// NewMockDriver returns a mock driver for endpoint on bus; Start
// registers it. With no script or handler set, every call is answered
// with a zero Reply (status 0).
func NewMockDriver(bus *ipc.LocalBus, endpoint ipc.Endpoint) *MockDriver {
	return &MockDriver{
		bus:      bus,
		endpoint: endpoint,
		typeN:    make(map[ipc.MsgType]int),
	}
}

// WithScript queues replies to hand back in order, one per call; once the
// script is exhausted, calls fall back to the handler (if any) or a zero
// Reply.
func (d *MockDriver) WithScript(replies ...ipc.Reply) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, replies...)
	return d
}

// WithHandler installs a function computing the reply for each call,
// used once the script (if any) is exhausted.
func (d *MockDriver) WithHandler(fn func(ipc.Message) ipc.Reply) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
	return d
}

// Start registers the driver's inbox and begins answering calls in a
// background goroutine. Stop ends that goroutine; Kill deregisters the
// endpoint.
func (d *MockDriver) Start(ctx context.Context) {
	inbox := d.bus.RegisterDriver(d.endpoint)
	go func() {
		for {
			call, err := inbox.Next(ctx)
			if err != nil {
				return
			}
			d.mu.Lock()
			d.calls = append(d.calls, call.Message)
			d.typeN[call.Message.Type]++
			var reply ipc.Reply
			if len(d.script) > 0 {
				reply = d.script[0]
				d.script = d.script[1:]
			} else if d.handler != nil {
				reply = d.handler(call.Message)
			}
			stopped := d.stopped
			d.mu.Unlock()
			if stopped {
				return
			}
			call.Reply(reply)
		}
	}()
}

// Stop makes the answering goroutine exit at the next call it pulls from
// the inbox; that call gets no reply, and the endpoint stays registered
// on the bus. A call whose reply was already chosen before Stop still
// receives it.
func (d *MockDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

// Endpoint returns the endpoint this driver is registered under.
func (d *MockDriver) Endpoint() ipc.Endpoint {
	return d.endpoint
}

// Calls returns every message this driver has received, in order.
func (d *MockDriver) Calls() []ipc.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ipc.Message, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many calls of the given type this driver has
// received.
func (d *MockDriver) CallCount(t ipc.MsgType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typeN[t]
}

// Kill simulates this driver's process dying: in-flight and future calls
// to its endpoint observe a dead peer.
func (d *MockDriver) Kill() {
	d.bus.Kill(d.endpoint)
}
