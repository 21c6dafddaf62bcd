package devmux

import (
	"sync/atomic"

	"github.com/ublkfs/devmux/internal/interfaces"
)

// Observer receives metrics events from the request engine and recovery
// controller. It is an alias for the internal interface every component
// package already depends on, so a Multiplexer's Obs field and a caller's
// own Observer implementation are the same type.
type Observer = interfaces.Observer

// Metrics tracks operational statistics for a Multiplexer: grant churn,
// suspend/revive/cancel counts, per-op I/O counters, and driver up/down
// transitions.
type Metrics struct {
	GrantMints  atomic.Uint64
	GrantRevoke atomic.Uint64

	Suspends atomic.Uint64
	Revives  atomic.Uint64
	Cancels  atomic.Uint64

	ReadOps   atomic.Uint64
	WriteOps  atomic.Uint64
	IoctlOps  atomic.Uint64
	OtherOps  atomic.Uint64
	IOErrors  atomic.Uint64
	TotalBytes atomic.Uint64

	DriverUps   atomic.Uint64
	DriverDowns atomic.Uint64
}

// NewMetrics returns a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to retain and
// print without further synchronization.
type MetricsSnapshot struct {
	GrantMints  uint64
	GrantRevoke uint64
	Suspends    uint64
	Revives     uint64
	Cancels     uint64
	ReadOps     uint64
	WriteOps    uint64
	IoctlOps    uint64
	OtherOps    uint64
	IOErrors    uint64
	TotalBytes  uint64
	DriverUps   uint64
	DriverDowns uint64
}

// Snapshot returns a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		GrantMints:  m.GrantMints.Load(),
		GrantRevoke: m.GrantRevoke.Load(),
		Suspends:    m.Suspends.Load(),
		Revives:     m.Revives.Load(),
		Cancels:     m.Cancels.Load(),
		ReadOps:     m.ReadOps.Load(),
		WriteOps:    m.WriteOps.Load(),
		IoctlOps:    m.IoctlOps.Load(),
		OtherOps:    m.OtherOps.Load(),
		IOErrors:    m.IOErrors.Load(),
		TotalBytes:  m.TotalBytes.Load(),
		DriverUps:   m.DriverUps.Load(),
		DriverDowns: m.DriverDowns.Load(),
	}
}

// Reset zeroes every counter, useful between test cases.
func (m *Metrics) Reset() {
	*m = Metrics{}
}

func (m *Metrics) ObserveGrantMint(direction string) { m.GrantMints.Add(1) }
func (m *Metrics) ObserveGrantRevoke()                { m.GrantRevoke.Add(1) }
func (m *Metrics) ObserveSuspend()                    { m.Suspends.Add(1) }
func (m *Metrics) ObserveRevive()                     { m.Revives.Add(1) }
func (m *Metrics) ObserveCancel()                     { m.Cancels.Add(1) }

func (m *Metrics) ObserveIO(op string, bytes uint64, latencyNs uint64, status int32) {
	switch op {
	case "read":
		m.ReadOps.Add(1)
	case "write":
		m.WriteOps.Add(1)
	case "ioctl":
		m.IoctlOps.Add(1)
	default:
		m.OtherOps.Add(1)
	}
	m.TotalBytes.Add(bytes)
	if status < 0 {
		m.IOErrors.Add(1)
	}
}

func (m *Metrics) ObserveDriverUp(major uint8)   { m.DriverUps.Add(1) }
func (m *Metrics) ObserveDriverDown(major uint8) { m.DriverDowns.Add(1) }

// NoOpObserver discards every event; it is the default when a Multiplexer
// is built without an explicit Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveGrantMint(string)                    {}
func (NoOpObserver) ObserveGrantRevoke()                        {}
func (NoOpObserver) ObserveSuspend()                            {}
func (NoOpObserver) ObserveRevive()                             {}
func (NoOpObserver) ObserveCancel()                             {}
func (NoOpObserver) ObserveIO(string, uint64, uint64, int32)    {}
func (NoOpObserver) ObserveDriverUp(uint8)                      {}
func (NoOpObserver) ObserveDriverDown(uint8)                    {}

var (
	_ Observer = (*Metrics)(nil)
	_ Observer = NoOpObserver{}
)
