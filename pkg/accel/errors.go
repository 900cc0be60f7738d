package accel

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/accel-runtime/pkg/transport"
)

// Errors returned by the runtime. Match them with errors.Is; failures reported
// by the transport arrive as *TransportError wrapping one of them.
var (
	ErrNoDevicesFound          = errors.New("no devices found")
	ErrDeviceIDOutOfRange      = errors.New("device id out of range")
	ErrAccessDenied            = errors.New("access denied")
	ErrTransport               = errors.New("transport error")
	ErrPEUnavailable           = errors.New("PE unavailable")
	ErrUnsupportedArgumentSize = errors.New("unsupported argument size")
	ErrBarePointerNotAllowed   = errors.New("bare pointers are not allowed as arguments")
	ErrLocalMemoryExhausted    = errors.New("PE-local memory exhausted")
	ErrOutOfDeviceMemory       = errors.New("out of device memory")
	ErrTransfer                = errors.New("transfer error")
	ErrLaunch                  = errors.New("launch error")
	ErrRelease                 = errors.New("release error")
	ErrAlreadyReleased         = errors.New("already released")

	ErrTimeout         = errors.New("timeout")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidFree     = errors.New("address is not allocated")
	ErrInvalidState    = errors.New("invalid job state")
	ErrDeviceBusy      = errors.New("device busy")
	ErrClosed          = errors.New("closed")
)

// TransportError is a failure detected by the transport. Message is the
// text read from the transport's last-error slot at the point of failure.
type TransportError struct {
	// Op names the runtime operation that failed.
	Op string
	// Kind classifies the failure; it is one of the sentinel errors above.
	Kind    error
	Message string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Kind
}

// lastError converts a failed transport call into a *TransportError. It must
// run directly after the failing call, before any other transport call can
// overwrite the shared last-error slot.
func lastError(tr transport.Transport, kind error, format string, args ...any) *TransportError {
	return &TransportError{
		Op:      fmt.Sprintf(format, args...),
		Kind:    kind,
		Message: transport.ReadLastError(tr),
	}
}
