// Package suspend implements the suspension registry: it tracks which user
// processes are parked on an outstanding driver call, and knows how to
// revive or cancel them. It owns the grant each suspended call is holding
// from the moment the request engine hands it off until revive or cancel
// revokes it.
package suspend

import (
	"context"

	"github.com/ublkfs/devmux/internal/grant"
	"github.com/ublkfs/devmux/internal/interfaces"
	"github.com/ublkfs/devmux/internal/ipc"
	"github.com/ublkfs/devmux/internal/procs"
)

// Registry ties a process table and grant broker together to implement
// suspend/revive/cancel. It holds no state of its own beyond what the
// process table already records, per the single-owner process table design
// note: every component that touches a process record goes through the
// same table.
type Registry struct {
	procs   *procs.Table
	broker  *grant.Broker
	channel ipc.Channel
	obs     interfaces.Observer
}

// New returns a registry backed by tbl and broker, sending cancel messages
// over ch. obs may be nil.
func New(tbl *procs.Table, broker *grant.Broker, ch ipc.Channel, obs interfaces.Observer) *Registry {
	return &Registry{procs: tbl, broker: broker, channel: ch, obs: obs}
}

// Suspend records that slot's call is parked against driver, holding g. The
// grant's revocation is now owed by the registry, not the caller.
func (r *Registry) Suspend(slot int, driver ipc.Endpoint, g uint64) {
	r.procs.Suspend(slot, driver, g)
	if r.obs != nil {
		r.obs.ObserveSuspend()
	}
}

// Revive resolves a late reply for the given (driver, grant) pair, revokes
// the held grant, clears the suspension, and returns the slot index plus
// the status to deliver as that call's return value. ok is false if no
// suspended process matches — a stray or duplicate status entry.
func (r *Registry) Revive(driver ipc.Endpoint, g uint64, status int32) (slot int, deliveredStatus int32, ok bool) {
	slot = r.procs.FindSuspended(driver, g)
	if slot < 0 {
		return 0, 0, false
	}
	r.broker.Revoke(g)
	r.procs.Revive(slot)
	if r.obs != nil {
		r.obs.ObserveRevive()
	}
	return slot, status, true
}

// Cancel aborts a suspended slot on behalf of process exit or a delivered
// signal: it sends a cancel message carrying the outstanding grant to the
// driver, waits for the acknowledgment, then revokes and clears the
// suspension regardless of what the driver replied with.
func (r *Registry) Cancel(ctx context.Context, slot int) error {
	rec := r.procs.Get(slot)
	if rec.SuspendedDriver == ipc.NoEndpoint {
		return nil
	}

	_, err := r.channel.SendReceive(ctx, rec.SuspendedDriver, ipc.Message{
		Type:  ipc.TypeCancel,
		Grant: rec.SuspendedGrant,
	})

	r.broker.Revoke(rec.SuspendedGrant)
	r.procs.Revive(slot)
	if r.obs != nil {
		r.obs.ObserveCancel()
	}

	if err != nil && !ipc.IsDeadPeer(err) {
		return err
	}
	return nil
}
