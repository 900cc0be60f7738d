// Package transport defines the primitives a device driver transport exposes
// to the runtime.
//
// The contract mirrors a thin native driver binding: calls return a reserved
// failure sentinel (InvalidHandle for handles and addresses, Failure for
// status codes) and leave a human-readable description in a single,
// process-wide last-error slot. Callers must read that slot immediately after
// a failing call, before issuing any other transport call, because an
// unrelated failure may overwrite it.
//
// Implementations:
//   - sim: a software transport with simulated PEs and device memory (always available)
//
// Implementations register themselves with Register and are selected with New.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// InvalidHandle is the all-ones failure sentinel returned instead of a
// device handle, PE handle or device address.
const InvalidHandle = ^uint64(0)

// Status codes returned by primitives that do not produce a handle.
const (
	Success = 0
	Failure = -1
)

// DeviceHandle identifies one lease on a device.
type DeviceHandle uint64

// PEHandle identifies one acquired PE instance.
type PEHandle uint64

// Address is a location in device memory.
type Address uint64

// PEKind identifies a kind of processing element in the loaded image.
type PEKind uint32

// AccessMode is the kind of lease requested on a device.
type AccessMode int

const (
	// AccessExclusive grants sole use of the device.
	AccessExclusive AccessMode = iota
	// AccessShared allows several shared holders at once.
	AccessShared
	// AccessMonitor observes the device without launching work.
	AccessMonitor
)

func (m AccessMode) String() string {
	switch m {
	case AccessExclusive:
		return "exclusive"
	case AccessShared:
		return "shared"
	case AccessMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// ParseAccessMode converts a configuration string into an AccessMode.
func ParseAccessMode(s string) (AccessMode, error) {
	switch s {
	case "exclusive", "":
		return AccessExclusive, nil
	case "shared":
		return AccessShared, nil
	case "monitor":
		return AccessMonitor, nil
	default:
		return 0, fmt.Errorf("unknown access mode %q", s)
	}
}

// Transport is the set of driver primitives used by the runtime.
//
// Every primitive must be safe for concurrent use. Wait is the only call
// allowed to block for an extended period; it must honour ctx.
type Transport interface {
	// DeviceCount returns the number of devices, or Failure.
	DeviceCount() int
	// AllocateDevice takes a lease on device id, or returns InvalidHandle.
	AllocateDevice(id int) DeviceHandle
	// DestroyDevice drops a lease and any access it holds.
	DestroyDevice(d DeviceHandle) int
	// RequestAccess upgrades the lease to the given access mode.
	RequestAccess(d DeviceHandle, mode AccessMode) int

	// PECount returns the number of instances of kind, 0 if the image has none, or Failure.
	PECount(d DeviceHandle, kind PEKind) int
	// PEKinds lists the kinds present in the loaded image.
	PEKinds(d DeviceHandle) []PEKind
	// AcquirePE reserves a free instance of kind, or returns InvalidHandle.
	AcquirePE(d DeviceHandle, kind PEKind) PEHandle
	// ReleasePE returns an idle instance to the device.
	ReleasePE(d DeviceHandle, pe PEHandle) int
	// Start writes the argument registers and triggers the PE.
	Start(d DeviceHandle, pe PEHandle, args []uint64) int
	// Wait blocks until the PE signals completion or ctx is done.
	Wait(ctx context.Context, d DeviceHandle, pe PEHandle) int
	// ReturnValue reads the return register of a completed PE.
	ReturnValue(d DeviceHandle, pe PEHandle, value *uint64) int

	// Allocate reserves length bytes of shared device memory, or returns InvalidHandle.
	Allocate(d DeviceHandle, length uint64) Address
	// Free releases memory obtained from Allocate.
	Free(d DeviceHandle, addr Address) int
	// LocalAllocate reserves PE-local memory on an acquired instance, or returns InvalidHandle.
	LocalAllocate(d DeviceHandle, pe PEHandle, length uint64) Address
	// LocalFree releases memory obtained from LocalAllocate.
	LocalFree(d DeviceHandle, pe PEHandle, addr Address) int
	// CopyTo copies host into device memory at addr.
	CopyTo(d DeviceHandle, host []byte, addr Address) int
	// CopyFrom copies device memory at addr into host.
	CopyFrom(d DeviceHandle, addr Address, host []byte) int

	// LastErrorLength returns the length of the last error message.
	LastErrorLength() int
	// LastErrorMessage copies the last error message into buf and returns the bytes written.
	LastErrorMessage(buf []byte) int

	// Close tears down the transport.
	Close() int
}

// Constructor builds a transport from an implementation specific platform description.
type Constructor func(platform any, log *zap.Logger) (Transport, error)

var (
	registryMu   sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes a transport implementation available to New.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[name] = constructor
}

// Registered lists the names of the registered transports.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the named transport.
func New(name string, platform any, log *zap.Logger) (Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	registryMu.RLock()
	constructor, ok := constructors[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (registered: %v)", name, Registered())
	}
	return constructor(platform, log.Named("transport").With(zap.String("transport", name)))
}
