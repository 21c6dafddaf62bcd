// Package drivermap owns the major-to-driver binding table: which endpoint
// currently serves a major, and the open/close and I/O policies attached to
// it. It also owns the OpenCloser and IOHandler interfaces, so that
// internal/policy can implement them without internal/drivermap importing
// internal/policy back.
package drivermap

import (
	"context"
	"sync"

	"github.com/ublkfs/devmux/internal/constants"
	"github.com/ublkfs/devmux/internal/ipc"
)

// OpenCloser is the open/close policy attached to a binding. Different
// device classes (plain, tty, controlling tty, clone, absent) implement
// this differently; internal/policy holds the concrete implementations.
type OpenCloser interface {
	Open(ctx context.Context, dev ipc.Device, callerSlot int, flags uint32) (ipc.Device, error)
	Close(ctx context.Context, dev ipc.Device, callerSlot int) error
}

// IOHandler is the I/O policy attached to a binding. Most devices forward
// directly to their driver; the controlling-tty alias redirects to the
// caller's actual terminal device instead.
type IOHandler interface {
	Resolve(ctx context.Context, dev ipc.Device, callerSlot int) (ipc.Device, error)
}

// Binding is one major's driver registration.
type Binding struct {
	Endpoint ipc.Endpoint
	Open     OpenCloser
	IO       IOHandler
	// Style records whether the driver was registered for character or
	// block I/O. The request engine does not read it: BlockIO waits for a
	// restart on any dead driver, whatever its Style.
	Style Style
}

// Style distinguishes character and block drivers at registration time.
type Style uint8

const (
	StyleChar Style = iota
	StyleBlock
)

// emptyBinding is the zero value stored for an unregistered or just-unbound
// major. Bind always sets Open alongside Endpoint, so Open's nilness alone
// decides presence; NoEndpoint is not load-bearing here, only documentary.
var emptyBinding = Binding{Endpoint: ipc.NoEndpoint}

// Map is the fixed-size major table plus the wait mechanism BlockIO uses
// while a driver restarts.
type Map struct {
	mu       sync.Mutex
	bindings [constants.NRDevices]Binding
	// waiters is signaled whenever a binding changes, so WaitForDriver can
	// wake and re-check rather than polling.
	waiters map[uint8][]chan struct{}
}

// NewMap returns a table with every major absent.
func NewMap() *Map {
	return &Map{waiters: make(map[uint8][]chan struct{})}
}

// Lookup returns major's current binding. An unregistered major returns
// emptyBinding, never an error. emptyBinding has a nil Open policy, and
// callers check for that themselves (Multiplexer.Open reports ENODEV,
// the request engine ENXIO).
func (m *Map) Lookup(major uint8) Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(major) >= len(m.bindings) {
		return emptyBinding
	}
	return m.bindings[major]
}

// Bind registers b for major, replacing any existing binding, and wakes
// anyone parked in WaitForDriver for this major.
func (m *Map) Bind(major uint8, b Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(major) >= len(m.bindings) {
		return
	}
	m.bindings[major] = b
	m.wake(major)
}

// Unbind clears major's binding (the driver went down and was not
// reincarnated), waking anyone parked in WaitForDriver so they observe the
// absence and can decide how to proceed.
func (m *Map) Unbind(major uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(major) >= len(m.bindings) {
		return
	}
	m.bindings[major] = emptyBinding
	m.wake(major)
}

// UnbindByEndpoint clears every major currently bound to ep, used when a
// driver death notification names an endpoint rather than a major.
func (m *Map) UnbindByEndpoint(ep ipc.Endpoint) []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared []uint8
	for major := range m.bindings {
		if m.bindings[major].Open != nil && m.bindings[major].Endpoint == ep {
			m.bindings[major] = emptyBinding
			cleared = append(cleared, uint8(major))
			m.wake(uint8(major))
		}
	}
	return cleared
}

func (m *Map) wake(major uint8) {
	for _, ch := range m.waiters[major] {
		close(ch)
	}
	delete(m.waiters, major)
}

// WaitForDriver blocks until major has a live binding again, or ctx is
// done. This is the one place the server loop legitimately blocks: the
// original dev_bio loop parks on receive() waiting for a DEVCTL rebind
// because block I/O has no SUSPEND path to return through. Character I/O
// never calls this; it returns SUSPEND upward instead.
func (m *Map) WaitForDriver(ctx context.Context, major uint8) (Binding, error) {
	for {
		m.mu.Lock()
		b := m.bindings[major]
		if b.Open != nil {
			m.mu.Unlock()
			return b, nil
		}
		ch := make(chan struct{})
		m.waiters[major] = append(m.waiters[major], ch)
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Binding{}, ctx.Err()
		}
	}
}
