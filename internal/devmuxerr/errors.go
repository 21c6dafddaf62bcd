// Package devmuxerr defines the error taxonomy shared by every internal
// package: the sentinel codes a caller sees (ENXIO, ENODEV, ...), the
// structured Error type that carries them with context, and the
// translation from IPC-layer and driver-reply failures into that
// taxonomy. It lives below internal/policy, internal/engine, and the
// others so all of them can return a consistent error shape without
// importing the root package (which would create an import cycle, since
// the root package imports all of these).
package devmuxerr

import (
	"errors"
	"fmt"

	"github.com/ublkfs/devmux/internal/ipc"
)

// Code is the taxonomy of errors a caller of the multiplexer's external
// interface may observe.
type Code string

const (
	CodeNoSuchDeviceOrAddress Code = "ENXIO"
	CodeNoSuchDevice          Code = "ENODEV"
	CodeNotATTY               Code = "ENOTTY"
	CodeIO                    Code = "EIO"
	CodeTryAgain              Code = "EAGAIN"
	CodeBadFileDescriptor     Code = "EBADF"
)

// Sentinel errors for the common cases; most internal code compares
// against these with errors.Is rather than constructing an *Error.
var (
	ErrNoSuchDeviceOrAddress = New(CodeNoSuchDeviceOrAddress, "device out of range or driver absent")
	ErrNoSuchDevice          = New(CodeNoSuchDevice, "no driver bound to this device")
	ErrNotATTY               = New(CodeNotATTY, "ioctl on a non-special file")
	ErrIO                    = New(CodeIO, "driver I/O error")
	ErrTryAgain              = New(CodeTryAgain, "operation would block")
	ErrBadFileDescriptor     = New(CodeBadFileDescriptor, "bad file descriptor")
)

// Error is the structured error every external-interface operation
// returns. Op names the multiplexer operation (e.g. "open", "io"); Device
// is the zero value when not applicable.
type Error struct {
	Op     string
	Device ipc.Device
	Code   Code
	Msg    string
	Inner  error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("devmux: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("devmux: %s (op=%s device=%s): %s", e.Code, e.Op, e.Device, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports equality by Code so errors.Is(err, ErrIO) matches any *Error
// carrying CodeIO, regardless of Op/Device/Msg.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithContext returns a copy of e annotated with the operation and device
// it occurred on, used at the boundary where a policy or engine function
// knows which operation and device triggered a sentinel error.
func (e *Error) WithContext(op string, dev ipc.Device) *Error {
	cp := *e
	cp.Op = op
	cp.Device = dev
	return &cp
}

// FromStatus maps a negative driver reply status into the taxonomy. The
// driver-facing wire protocol reuses plain negative integers for error
// codes the way the original message layer does; status >= 0 is success
// and must not be passed here.
func FromStatus(status int32) error {
	switch status {
	case -6: // ENXIO
		return ErrNoSuchDeviceOrAddress
	case -19: // ENODEV
		return ErrNoSuchDevice
	case -25: // ENOTTY
		return ErrNotATTY
	case -5: // EIO
		return ErrIO
	case -11: // EAGAIN
		return ErrTryAgain
	default:
		return ErrIO
	}
}

// FromIPC maps a transport-level failure (dead or locked peer) into the
// taxonomy. Dead-peer codes mid-request become EIO; a locked destination
// is also reported as EIO since the core has no separate "try later"
// contract for it.
func FromIPC(err error) error {
	if err == nil {
		return nil
	}
	return ErrIO
}
