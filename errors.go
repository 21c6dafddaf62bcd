package devmux

import (
	"errors"

	"github.com/ublkfs/devmux/internal/devmuxerr"
	"github.com/ublkfs/devmux/internal/engine"
)

// Error is the structured error every external-interface operation
// returns. It is an alias for the internal taxonomy type so that
// internal/policy, internal/engine, and internal/recovery can construct
// one without importing this package (which imports all of them).
type Error = devmuxerr.Error

// ErrorCode is the taxonomy of errors a caller of the multiplexer's
// external interface may observe.
type ErrorCode = devmuxerr.Code

// Sentinel errors, matched with errors.Is. A *devmux.Error compares equal
// by code alone, so errors.Is(err, ErrIO) matches any IO failure
// regardless of which operation or device produced it.
var (
	ErrNXIO  = devmuxerr.ErrNoSuchDeviceOrAddress
	ErrNODEV = devmuxerr.ErrNoSuchDevice
	ErrNOTTY = devmuxerr.ErrNotATTY
	ErrEIO   = devmuxerr.ErrIO
	ErrAGAIN = devmuxerr.ErrTryAgain
	ErrBADF  = devmuxerr.ErrBadFileDescriptor
)

// StatusSuspend is the non-error sentinel IO returns in place of a status
// when a caller's system call is parked pending a later DEV_REVIVE. It is
// not an errno; callers check for it by value, not with errors.Is.
const StatusSuspend = engine.StatusSuspend

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
