// Command devmuxdemo exercises a Multiplexer against a pair of in-process
// driver stubs over the reference LocalBus transport: a character driver
// and a block driver that each answer a request with its byte count as
// the status (and open/close with 0), without touching any data. It
// demonstrates the wiring an embedding file server would do for real
// drivers, without a kernel in the loop.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ublkfs/devmux"
	"github.com/ublkfs/devmux/internal/adapter"
	"github.com/ublkfs/devmux/internal/drivermap"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/logging"
	"github.com/ublkfs/devmux/internal/policy"
)

const (
	charMajor  uint8 = 1
	blockMajor uint8 = 2

	charDriverEndpoint  = ipc.Endpoint(100)
	blockDriverEndpoint = ipc.Endpoint(200)
)

func main() {
	bus := ipc.NewLocalBus()
	self := ipc.Endpoint(1)

	mux := devmux.New(bus, self, &devmux.Options{Logger: logging.Default()})

	runCharDriver(bus)
	runBlockDriver(bus)

	mux.DriverUp(context.Background(), charMajor, charDriverEndpoint, drivermap.StyleChar,
		policy.Generic{Channel: bus, Endpoint: charDriverEndpoint}, policy.GenericIO{})
	mux.DriverUp(context.Background(), blockMajor, blockDriverEndpoint, drivermap.StyleBlock,
		policy.Generic{Channel: bus, Endpoint: blockDriverEndpoint}, policy.GenericIO{})

	const callerSlot = 0
	mux.BindCaller(callerSlot, int32(os.Getpid()), ipc.Endpoint(1000))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	charDev := devmux.NewDevice(charMajor, 0)
	if _, err := mux.Open(ctx, charDev, callerSlot, 0); err != nil {
		log.Fatalf("open char device: %v", err)
	}

	status, err := mux.IO(ctx, charDev, callerSlot, adapter.Request{
		Op:     ipc.OpRead,
		Addr:   0x1000,
		Length: 8,
	}, false)
	if err != nil {
		log.Fatalf("read char device: %v", err)
	}
	fmt.Printf("char read: status=%d\n", status)

	blockDev := devmux.NewDevice(blockMajor, 0)
	status, err = mux.BlockIO(ctx, blockDev, adapter.Request{
		Op:     ipc.OpWrite,
		Addr:   0x2000,
		Length: 512,
	})
	if err != nil {
		log.Fatalf("write block device: %v", err)
	}
	fmt.Printf("block write: status=%d\n", status)

	snap := mux.Metrics().Snapshot()
	fmt.Printf("metrics: reads=%d writes=%d grants_minted=%d grants_revoked=%d\n",
		snap.ReadOps, snap.WriteOps, snap.GrantMints, snap.GrantRevoke)
}

func runCharDriver(bus *ipc.LocalBus) {
	inbox := bus.RegisterDriver(charDriverEndpoint)
	go func() {
		for {
			call, err := inbox.Next(context.Background())
			if err != nil {
				return
			}
			switch call.Message.Type {
			case ipc.TypeOpen, ipc.TypeClose:
				call.Reply(ipc.Reply{Status: 0})
			default:
				call.Reply(ipc.Reply{Status: int32(call.Message.Count)})
			}
		}
	}()
}

func runBlockDriver(bus *ipc.LocalBus) {
	inbox := bus.RegisterDriver(blockDriverEndpoint)
	go func() {
		for {
			call, err := inbox.Next(context.Background())
			if err != nil {
				return
			}
			call.Reply(ipc.Reply{Status: int32(call.Message.Count)})
		}
	}()
}
