// Package accel is the runtime for dispatching jobs to the processing
// elements (PEs) of an accelerator device.
//
// A Driver enumerates devices of a transport. A Device is a lease on one of
// them: it hands out PE instances as Jobs, owns the default device Memory and
// builds ArgumentLists. Starting a Job marshals its arguments (scalars into
// registers, host buffers into device memory) and returns a CompletionHandle;
// waiting on the handle collects the return value, copies buffers back, frees
// the device memory the launch allocated and returns the PE to the pool.
//
//	drv, _ := accel.NewDriver(tr, log)
//	dev, _ := drv.AllocateDevice(0, accel.Exclusive)
//	out := make([]byte, 16)
//	h, _ := dev.Launch(ctx, 3, uint32(42), accel.OutOnly(out))
//	_, err := h.Wait(ctx)
//
// The runtime starts no goroutines of its own. Every type is safe for
// concurrent use.
package accel

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AccessMode is the lease mode requested on a device.
type AccessMode = transport.AccessMode

const (
	Exclusive = transport.AccessExclusive
	Shared    = transport.AccessShared
	Monitor   = transport.AccessMonitor
)

// PEKind identifies a kind of PE in the loaded hardware image.
type PEKind = transport.PEKind

type options struct {
	strictLocal    bool
	panicOnLeak    bool
	acquireTimeout time.Duration
}

// Option configures a Driver and the devices it opens.
type Option func(*options)

// WithStrictLocalMemory makes buffers that request PE-local memory fail with
// ErrLocalMemoryExhausted when it is full, instead of falling back to shared
// device memory.
func WithStrictLocalMemory() Option {
	return func(o *options) { o.strictLocal = true }
}

// WithPanicOnLeak panics when a Job or CompletionHandle holding a PE is
// garbage collected. Without it the leak is logged and counted.
func WithPanicOnLeak() Option {
	return func(o *options) { o.panicOnLeak = true }
}

// WithAcquireTimeout bounds how long Device.Launch waits for a free PE.
// Zero waits until the caller's context is done.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// Driver is the process-wide entry point to the devices of one transport.
type Driver struct {
	tr   transport.Transport
	log  *zap.Logger
	opts options

	mu      sync.Mutex
	closed  bool
	devices map[*Device]struct{}
}

// NewDriver creates a driver over tr.
func NewDriver(tr transport.Transport, log *zap.Logger, opts ...Option) (*Driver, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidArgument)
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Driver{
		tr:      tr,
		log:     log.Named("driver"),
		devices: make(map[*Device]struct{}),
	}
	for _, opt := range opts {
		opt(&d.opts)
	}
	return d, nil
}

// DeviceCount returns the number of devices present on the transport.
func (d *Driver) DeviceCount() (int, error) {
	n := d.tr.DeviceCount()
	if n < 0 {
		return 0, lastError(d.tr, ErrTransport, "count devices")
	}
	return n, nil
}

// AllocateDevice leases device id and requests access mode on it.
func (d *Driver) AllocateDevice(id int, mode AccessMode) (*Device, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("allocate device %d: driver %w", id, ErrClosed)
	}

	n, err := d.DeviceCount()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoDevicesFound
	}
	if id < 0 || id >= n {
		return nil, fmt.Errorf("%w: id %d, %d devices present", ErrDeviceIDOutOfRange, id, n)
	}

	h := d.tr.AllocateDevice(id)
	if uint64(h) == transport.InvalidHandle {
		return nil, lastError(d.tr, ErrTransport, "allocate device %d", id)
	}
	if d.tr.RequestAccess(h, mode) != transport.Success {
		err := lastError(d.tr, ErrAccessDenied, "request %s access to device %d", mode, id)
		if d.tr.DestroyDevice(h) != transport.Success {
			d.log.Warn("failed to drop lease after access was denied",
				zap.Int("device", id), zap.String("error", transport.ReadLastError(d.tr)))
		}
		return nil, err
	}

	dev, err := newDevice(d, id, h, mode)
	if err != nil {
		d.tr.DestroyDevice(h)
		return nil, err
	}

	d.mu.Lock()
	d.devices[dev] = struct{}{}
	d.mu.Unlock()

	d.log.Info("device allocated",
		zap.Int("device", id),
		zap.Stringer("access", mode),
		zap.Int("pe_kinds", len(dev.catalog)))
	return dev, nil
}

func (d *Driver) forget(dev *Device) {
	d.mu.Lock()
	delete(d.devices, dev)
	d.mu.Unlock()
}

// Close closes every device still open and tears down the transport.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("driver already %w", ErrClosed)
	}
	d.closed = true
	devices := make([]*Device, 0, len(d.devices))
	for dev := range d.devices {
		devices = append(devices, dev)
	}
	d.mu.Unlock()

	var errs error
	for _, dev := range devices {
		errs = multierr.Append(errs, dev.Close())
	}
	if d.tr.Close() != transport.Success {
		errs = multierr.Append(errs, lastError(d.tr, ErrTransport, "close transport"))
	}
	return errs
}
