// Package adapter rewrites a caller's plain I/O request into the "safe"
// wire message a driver actually receives: one with capability grants in
// place of raw addresses. It is the only place in the core that mints
// grants, and the only place that decides which direction a driver may
// access a caller's memory in.
package adapter

import (
	"github.com/ublkfs/devmux/internal/constants"
	"github.com/ublkfs/devmux/internal/grant"
	"github.com/ublkfs/devmux/internal/ipc"
)

// IOVecEntry is one fragment of a scatter/gather vector: an address and
// length in the caller's address space.
type IOVecEntry struct {
	Addr   uintptr
	Length uint32
}

// Request is the caller-facing shape of an I/O call, before grants exist.
type Request struct {
	Op ipc.Op

	Position     int64
	HighPosition uint32

	// Addr/Length describe a single buffer, used by OpRead and OpWrite.
	Addr   uintptr
	Length uint32

	// Vector describes a scatter/gather call, used by OpScatter and
	// OpGather. Its length must not exceed constants.NRIOReqs.
	Vector []IOVecEntry

	// Ioctl fields, used by OpIoctl only.
	IoctlCmd       uint32
	IoctlAddr      uintptr
	IoctlDirection grant.Direction
	IoctlSize      uint32
}

// Rewritten is a minted message plus the grant ids it holds, so the
// request engine can revoke every one of them on the way out regardless
// of which path the call took.
type Rewritten struct {
	Message ipc.Message
	Grants  []uint64
}

// Adapter mints grants for requests against a single broker.
type Adapter struct {
	broker *grant.Broker
}

// New returns an adapter backed by b.
func New(b *grant.Broker) *Adapter {
	return &Adapter{broker: b}
}

// Rewrite converts req, issued by owner against dev, into the message a
// driver will receive. The scatter/gather path mints one outer indirect
// grant over the vector plus one grant per fragment; exceeding
// constants.NRIOReqs fragments panics, since the caller-facing layer above
// this package is responsible for rejecting an oversized vector before it
// ever reaches the adapter.
func (a *Adapter) Rewrite(owner ipc.Endpoint, dev ipc.Device, req Request) Rewritten {
	switch req.Op {
	case ipc.OpRead:
		return a.rewriteBuffer(owner, dev, req, ipc.TypeReadS, grant.DirectionWrite)
	case ipc.OpWrite:
		return a.rewriteBuffer(owner, dev, req, ipc.TypeWriteS, grant.DirectionRead)
	case ipc.OpScatter:
		return a.rewriteVector(owner, dev, req, ipc.TypeScatterS, grant.DirectionWrite)
	case ipc.OpGather:
		return a.rewriteVector(owner, dev, req, ipc.TypeGatherS, grant.DirectionRead)
	case ipc.OpIoctl:
		return a.rewriteIoctl(owner, dev, req)
	default:
		panic("adapter: unknown op")
	}
}

func (a *Adapter) rewriteBuffer(owner ipc.Endpoint, dev ipc.Device, req Request, msgType ipc.MsgType, dir grant.Direction) Rewritten {
	id := a.broker.GrantBuffer(owner, req.Addr, req.Length, dir)
	return Rewritten{
		Message: ipc.Message{
			Type:               msgType,
			Device:             dev,
			EndpointOrPosition: req.Position,
			Count:              req.Length,
			HighPosition:       req.HighPosition,
			Grant:              id,
		},
		Grants: []uint64{id},
	}
}

func (a *Adapter) rewriteVector(owner ipc.Endpoint, dev ipc.Device, req Request, msgType ipc.MsgType, dir grant.Direction) Rewritten {
	if len(req.Vector) > constants.NRIOReqs {
		panic("adapter: scatter/gather vector exceeds NRIOReqs")
	}

	grants := make([]uint64, 0, len(req.Vector)+1)
	var total uint32
	for _, e := range req.Vector {
		sub := a.broker.GrantBuffer(owner, e.Addr, e.Length, dir)
		grants = append(grants, sub)
		total += e.Length
	}

	// The outer grant covers the vector's own backing storage so the
	// driver can walk it without a separate copy-in of the vector itself.
	outer := a.broker.GrantIndirect(owner, vectorAddr(req.Vector), uint32(len(req.Vector)), dir)
	grants = append(grants, outer)

	return Rewritten{
		Message: ipc.Message{
			Type:               msgType,
			Device:             dev,
			EndpointOrPosition: req.Position,
			Count:              total,
			HighPosition:       req.HighPosition,
			Grant:              outer,
		},
		Grants: grants,
	}
}

func (a *Adapter) rewriteIoctl(owner ipc.Endpoint, dev ipc.Device, req Request) Rewritten {
	id := a.broker.GrantBuffer(owner, req.IoctlAddr, req.IoctlSize, req.IoctlDirection)
	return Rewritten{
		Message: ipc.Message{
			Type:   ipc.TypeIoctlS,
			Device: dev,
			// An ioctl message has no position, so the original endpoint
			// is stashed in the slot that read/write and scatter/gather
			// use for the position.
			EndpointOrPosition: int64(owner),
			Count:              req.IoctlCmd,
			Grant:              id,
		},
		Grants: []uint64{id},
	}
}

// vectorAddr is a placeholder for the vector's own address in the caller's
// space. A real embedding system would pass this in; the abstract core
// only needs a stable value to mint the outer grant against.
func vectorAddr(v []IOVecEntry) uintptr {
	if len(v) == 0 {
		return 0
	}
	return v[0].Addr
}
