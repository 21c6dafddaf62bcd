package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/grant"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/policy"
	"github.com/ublkfs/devmux/internal/procs"
	"github.com/ublkfs/devmux/internal/suspend"
)

type fakeMounts struct {
	mounts []Mount
}

func (f fakeMounts) MountsForMajor(major uint8) []Mount { return f.mounts }

type fakeFilps struct {
	filps       []Filp
	invalidated []uint64
}

func (f *fakeFilps) FilpsForMajor(major uint8) []Filp { return f.filps }
func (f *fakeFilps) InvalidateFilp(id uint64)         { f.invalidated = append(f.invalidated, id) }

func TestDriverUpReopensMountsAndFilps(t *testing.T) {
	bus := ipc.NewLocalBus()
	drivers := drivermap.NewMap()
	const driver = ipc.Endpoint(4)
	inbox := bus.RegisterDriver(driver)

	mounts := fakeMounts{mounts: []Mount{{Device: ipc.NewDevice(3, 0), ReadOnly: true}}}
	filps := &fakeFilps{filps: []Filp{{ID: 1, Device: ipc.NewDevice(3, 1)}, {ID: 2, Device: ipc.NewDevice(3, 2)}}}

	var opens int
	go func() {
		for i := 0; i < 3; i++ {
			call, err := inbox.Next(context.Background())
			if err != nil {
				return
			}
			opens++
			if call.Message.Device.Minor() == 2 {
				call.Reply(ipc.Reply{Status: -5})
			} else {
				call.Reply(ipc.Reply{Status: 0})
			}
		}
	}()

	c := &Controller{Drivers: drivers, Channel: bus, Mounts: mounts, Filps: filps}
	c.DriverUp(context.Background(), 3, drivermap.Binding{
		Endpoint: driver,
		Open:     policy.Generic{Channel: bus, Endpoint: driver},
		IO:       policy.GenericIO{},
		Style:    drivermap.StyleBlock,
	})

	time.Sleep(50 * time.Millisecond)
	if opens != 3 {
		t.Fatalf("expected 3 reopens (1 mount + 2 filps), got %d", opens)
	}
	if len(filps.invalidated) != 1 || filps.invalidated[0] != 2 {
		t.Fatalf("expected filp 2 to be invalidated, got %v", filps.invalidated)
	}

	if drivers.Lookup(3).Open == nil {
		t.Fatal("expected major 3 to be bound after DriverUp")
	}
}

func TestDriverDownClearsAffectedMajors(t *testing.T) {
	drivers := drivermap.NewMap()
	const driver = ipc.Endpoint(4)
	drivers.Bind(1, drivermap.Binding{Endpoint: driver, Open: policy.Absent{}})
	drivers.Bind(2, drivermap.Binding{Endpoint: driver, Open: policy.Absent{}})

	c := &Controller{Drivers: drivers}
	cleared := c.DriverDown(driver)
	if len(cleared) != 2 {
		t.Fatalf("DriverDown cleared %d majors, want 2", len(cleared))
	}
}

func TestStatusReceivedDeliversRevive(t *testing.T) {
	bus := ipc.NewLocalBus()
	const driver = ipc.Endpoint(4)
	inbox := bus.RegisterDriver(driver)

	tbl := procs.NewTable()
	tbl.Bind(0, 1, ipc.Endpoint(1))
	broker := grant.NewBroker()
	g := broker.GrantBuffer(ipc.Endpoint(1), 0, 1, grant.DirectionWrite)
	reg := suspend.New(tbl, broker, bus, nil)
	reg.Suspend(0, driver, g)

	go func() {
		call, err := inbox.Next(context.Background())
		if err != nil {
			return
		}
		call.Reply(ipc.Reply{Type: ipc.TypeDevRevive, Grant: g, Status: 64})

		call2, err := inbox.Next(context.Background())
		if err != nil {
			return
		}
		call2.Reply(ipc.Reply{Type: ipc.TypeDevNoStatus})
	}()

	c := &Controller{Drivers: drivermap.NewMap(), Channel: bus, Suspend: reg}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.StatusReceived(ctx, driver)

	if tbl.IsSuspended(0) {
		t.Fatal("expected revive to clear the suspension")
	}
	if broker.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after revive", broker.Outstanding())
	}
}

func TestStatusReceivedRoutesIOReady(t *testing.T) {
	bus := ipc.NewLocalBus()
	const driver = ipc.Endpoint(4)
	inbox := bus.RegisterDriver(driver)

	var notified bool
	go func() {
		call, err := inbox.Next(context.Background())
		if err != nil {
			return
		}
		call.Reply(ipc.Reply{Type: ipc.TypeDevIOReady, Minor: 2, Operations: 1})

		call2, err := inbox.Next(context.Background())
		if err != nil {
			return
		}
		call2.Reply(ipc.Reply{Type: ipc.TypeDevNoStatus})
	}()

	notifier := notifierFunc(func(minor uint8, ops uint32) { notified = true })
	c := &Controller{Drivers: drivermap.NewMap(), Channel: bus, Select: notifier}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.StatusReceived(ctx, driver)

	if !notified {
		t.Fatal("expected IOReady to be called")
	}
}

type notifierFunc func(minor uint8, operations uint32)

func (f notifierFunc) IOReady(minor uint8, operations uint32) { f(minor, operations) }
