package devmux

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ublkfs/devmux/internal/adapter"
	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/policy"
	"github.com/ublkfs/devmux/internal/recovery"
)

func newTestMux() (*Multiplexer, *ipc.LocalBus) {
	bus := ipc.NewLocalBus()
	m := New(bus, ipc.Endpoint(1), nil)
	return m, bus
}

func bindChar(m *Multiplexer, bus *ipc.LocalBus, major uint8, driver ipc.Endpoint) *ipc.DriverInbox {
	inbox := bus.RegisterDriver(driver)
	m.DriverUp(context.Background(), major, driver, drivermap.StyleChar, policy.Generic{Channel: bus, Endpoint: driver}, policy.GenericIO{})
	return inbox
}

func bindBlock(m *Multiplexer, bus *ipc.LocalBus, major uint8, driver ipc.Endpoint) *ipc.DriverInbox {
	inbox := bus.RegisterDriver(driver)
	m.DriverUp(context.Background(), major, driver, drivermap.StyleBlock, policy.Generic{Channel: bus, Endpoint: driver}, policy.GenericIO{})
	return inbox
}

// Scenario 1: plain read completes synchronously.
func TestScenarioPlainRead(t *testing.T) {
	m, bus := newTestMux()
	m.BindCaller(0, int32(os.Getpid()), ipc.Endpoint(17))
	driver := ipc.Endpoint(3)
	inbox := bindChar(m, bus, 1, driver)

	go func() {
		call, err := inbox.Next(context.Background())
		require.NoError(t, err)
		call.Reply(ipc.Reply{Status: 512})
	}()

	dev := NewDevice(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := m.IO(ctx, dev, 0, adapter.Request{Op: ipc.OpRead, Addr: 0x1000, Length: 512}, false)
	require.NoError(t, err)
	require.EqualValues(t, 512, status)
	require.Zero(t, m.Broker.Outstanding())
}

// Scenario 2: non-blocking read on an empty source remaps SUSPEND to
// EAGAIN via the cancel-and-remap path.
func TestScenarioNonBlockingReadBecomesEAGAIN(t *testing.T) {
	m, bus := newTestMux()
	m.BindCaller(0, int32(os.Getpid()), ipc.Endpoint(17))
	driver := ipc.Endpoint(3)
	inbox := bindChar(m, bus, 1, driver)

	go func() {
		call, err := inbox.Next(context.Background())
		require.NoError(t, err)
		call.Reply(ipc.Reply{Status: StatusSuspend})

		cancelCall, err := inbox.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, ipc.TypeCancel, cancelCall.Message.Type)
		cancelCall.Reply(ipc.Reply{Status: -4})
	}()

	dev := NewDevice(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.IO(ctx, dev, 0, adapter.Request{Op: ipc.OpRead, Addr: 0x1000, Length: 512}, true)
	require.ErrorIs(t, err, ErrAGAIN)
	require.Zero(t, m.Broker.Outstanding())
}

// Scenario 3: blocking terminal read suspends, then a status probe
// delivers its revive.
func TestScenarioBlockingReadSuspendsThenRevives(t *testing.T) {
	m, bus := newTestMux()
	m.BindCaller(0, int32(os.Getpid()), ipc.Endpoint(17))
	driver := ipc.Endpoint(3)
	inbox := bindChar(m, bus, 1, driver)

	var suspendedGrant uint64
	go func() {
		call, err := inbox.Next(context.Background())
		require.NoError(t, err)
		suspendedGrant = call.Message.Grant
		call.Reply(ipc.Reply{Status: StatusSuspend})

		// Status handler probes once and gets the revive, once more and
		// gets DEV_NO_STATUS.
		statusCall, err := inbox.Next(context.Background())
		require.NoError(t, err)
		statusCall.Reply(ipc.Reply{Type: ipc.TypeDevRevive, Grant: suspendedGrant, Status: 64})

		noMore, err := inbox.Next(context.Background())
		require.NoError(t, err)
		noMore.Reply(ipc.Reply{Type: ipc.TypeDevNoStatus})
	}()

	dev := NewDevice(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := m.IO(ctx, dev, 0, adapter.Request{Op: ipc.OpRead, Addr: 0x1000, Length: 512}, false)
	require.NoError(t, err)
	require.EqualValues(t, StatusSuspend, status)
	require.True(t, m.Procs.IsSuspended(0))

	time.Sleep(20 * time.Millisecond)
	m.StatusReceived(ctx, driver)
	require.False(t, m.Procs.IsSuspended(0))
	require.Zero(t, m.Broker.Outstanding())
}

// Scenario 5: a block-I/O driver crashes mid call; BlockIO blocks until
// the recovery controller rebinds the major, then resumes transparently.
func TestScenarioBlockIORestartsAfterDriverCrash(t *testing.T) {
	m, bus := newTestMux()
	oldDriver := ipc.Endpoint(5)
	bindBlock(m, bus, 3, oldDriver)

	dev := NewDevice(3, 1)
	req := adapter.Request{Op: ipc.OpRead, Addr: 0x2000, Length: 4096}

	type result struct {
		status int32
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		status, err := m.BlockIO(ctx, dev, req)
		resultCh <- result{status, err}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Kill(oldDriver)
	m.DriverDown(oldDriver)

	time.Sleep(20 * time.Millisecond)
	newDriver := ipc.Endpoint(6)
	newInbox := bindBlock(m, bus, 3, newDriver)
	go func() {
		call, err := newInbox.Next(context.Background())
		require.NoError(t, err)
		call.Reply(ipc.Reply{Status: 4096})
	}()

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.EqualValues(t, 4096, res.status)
	case <-time.After(2 * time.Second):
		t.Fatal("BlockIO did not resume after driver restart")
	}
	require.Zero(t, m.Broker.Outstanding())
}

// Scenario 6: /dev/tty without a controlling terminal reports ENXIO on
// open and EIO on I/O.
func TestScenarioCTTYWithoutTerminal(t *testing.T) {
	m, _ := newTestMux()
	m.BindCaller(0, int32(os.Getpid()), ipc.Endpoint(17))
	m.Drivers.Bind(6, drivermap.Binding{
		Endpoint: ipc.NoEndpoint,
		Open:     policy.ControllingTTY{Procs: m.Procs},
		IO:       policy.ControllingTTYIO{Procs: m.Procs},
		Style:    drivermap.StyleChar,
	})

	dev := NewDevice(6, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.Open(ctx, dev, 0, 0)
	require.ErrorIs(t, err, ErrNXIO)

	_, err = m.IO(ctx, dev, 0, adapter.Request{Op: ipc.OpRead, Addr: 0x1000, Length: 1}, false)
	require.ErrorIs(t, err, ErrEIO)
}

// SetSID is idempotent: calling it twice leaves the caller a session
// leader with no controlling terminal.
func TestSetSIDIdempotent(t *testing.T) {
	m, _ := newTestMux()
	m.BindCaller(0, int32(os.Getpid()), ipc.Endpoint(17))
	m.Procs.SetControllingTTY(0, NewDevice(4, 0))

	m.SetSID(0)
	require.False(t, m.Procs.Get(0).HasTTY)

	m.SetSID(0)
	rec := m.Procs.Get(0)
	require.True(t, rec.SessionLeader)
	require.False(t, rec.HasTTY)
}

// Close on an absent major is a no-op, matching dev_close's void return.
func TestCloseOnAbsentMajorIsNoOp(t *testing.T) {
	m, _ := newTestMux()
	m.BindCaller(0, int32(os.Getpid()), ipc.Endpoint(17))
	dev := NewDevice(9, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx, dev, 0))
}

// DriverUp reissues dev_open the same number of times on repeated calls
// for the same major.
func TestDriverUpReissuesOpensOnRepeatedCalls(t *testing.T) {
	bus := ipc.NewLocalBus()
	m := New(bus, ipc.Endpoint(1), nil)
	driver := ipc.Endpoint(4)
	inbox := bus.RegisterDriver(driver)

	m.Recovery.Mounts = fakeMountsTest{mounts: []recovery.Mount{{Device: NewDevice(3, 0)}}}

	var opens int
	go func() {
		for i := 0; i < 2; i++ {
			call, err := inbox.Next(context.Background())
			if err != nil {
				return
			}
			opens++
			call.Reply(ipc.Reply{Status: 0})
		}
	}()

	ctx := context.Background()
	m.DriverUp(ctx, 3, driver, drivermap.StyleBlock, policy.Generic{Channel: bus, Endpoint: driver}, policy.GenericIO{})
	m.DriverUp(ctx, 3, driver, drivermap.StyleBlock, policy.Generic{Channel: bus, Endpoint: driver}, policy.GenericIO{})

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 2, opens)
}

type fakeMountsTest struct {
	mounts []recovery.Mount
}

func (f fakeMountsTest) MountsForMajor(major uint8) []recovery.Mount {
	return f.mounts
}
