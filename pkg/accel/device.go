package accel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fxnlabs/accel-runtime/internal/metrics"
	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// busyRetryInterval is how long a blocking acquire backs off when the
// transport reports every instance of a kind busy although the local pool
// has room, which happens when another lease on a shared device holds them.
const busyRetryInterval = 200 * time.Microsecond

// pePool tracks the instances of one PE kind held through this device.
type pePool struct {
	kind  PEKind
	count int
	sem   *semaphore.Weighted

	mu    sync.Mutex
	inUse map[transport.PEHandle]struct{}
}

// Device is a lease on one accelerator device.
type Device struct {
	drv    *Driver
	tr     transport.Transport
	log    *zap.Logger
	opts   options
	id     int
	label  string
	mode   AccessMode
	handle transport.DeviceHandle
	mem    *Memory

	catalog map[PEKind]int

	mu     sync.Mutex
	closed bool
	held   int
	pools  map[PEKind]*pePool
}

func newDevice(drv *Driver, id int, h transport.DeviceHandle, mode AccessMode) (*Device, error) {
	d := &Device{
		drv:     drv,
		tr:      drv.tr,
		log:     drv.log.Named("device").With(zap.Int("device", id)),
		opts:    drv.opts,
		id:      id,
		label:   strconv.Itoa(id),
		mode:    mode,
		handle:  h,
		catalog: make(map[PEKind]int),
		pools:   make(map[PEKind]*pePool),
	}
	d.mem = &Memory{dev: d, live: make(map[DeviceAddress]int64)}

	kinds := d.tr.PEKinds(h)
	for _, kind := range kinds {
		n := d.tr.PECount(h, kind)
		if n < 0 {
			return nil, lastError(d.tr, ErrTransport, "count PEs of kind %d on device %d", kind, id)
		}
		if n > 0 {
			d.catalog[kind] = n
		}
	}
	return d, nil
}

// ID returns the device id the lease was taken on.
func (d *Device) ID() int {
	return d.id
}

// Mode returns the access mode granted on the device.
func (d *Device) Mode() AccessMode {
	return d.mode
}

// Catalog returns the PE kinds of the loaded image and their instance counts.
func (d *Device) Catalog() map[PEKind]int {
	out := make(map[PEKind]int, len(d.catalog))
	for k, n := range d.catalog {
		out[k] = n
	}
	return out
}

// Kinds returns the PE kinds of the loaded image in ascending order.
func (d *Device) Kinds() []PEKind {
	kinds := make([]PEKind, 0, len(d.catalog))
	for k := range d.catalog {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// PECount returns the number of instances of kind, 0 if the image has none.
func (d *Device) PECount(kind PEKind) int {
	return d.catalog[kind]
}

// DefaultMemory returns the shared device memory.
func (d *Device) DefaultMemory() *Memory {
	return d.mem
}

// Busy returns the number of Jobs currently holding a PE of this device.
func (d *Device) Busy() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

// NewArgumentList returns an empty argument list bound to this device.
func (d *Device) NewArgumentList() *ArgumentList {
	l := &ArgumentList{dev: d}
	l.reset()
	return l
}

func (d *Device) pool(kind PEKind) (*pePool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("device %d %w", d.id, ErrClosed)
	}
	if d.mode == Monitor {
		return nil, fmt.Errorf("%w: device %d is leased in monitor mode", ErrAccessDenied, d.id)
	}
	n := d.catalog[kind]
	if n == 0 {
		return nil, fmt.Errorf("%w: PE kind %d is not in the image of device %d", ErrPEUnavailable, kind, d.id)
	}
	p, ok := d.pools[kind]
	if !ok {
		p = &pePool{
			kind:  kind,
			count: n,
			sem:   semaphore.NewWeighted(int64(n)),
			inUse: make(map[transport.PEHandle]struct{}, n),
		}
		d.pools[kind] = p
	}
	return p, nil
}

// AcquirePE reserves an instance of kind, waiting until one is free or ctx is
// done. Kinds missing from the image fail at once with ErrPEUnavailable.
func (d *Device) AcquirePE(ctx context.Context, kind PEKind) (*Job, error) {
	p, err := d.pool(kind)
	if err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: acquiring PE kind %d: %w", ErrTimeout, kind, err)
	}

	for {
		job, busy, err := d.claim(p)
		if !busy {
			return job, err
		}
		d.log.Debug("PE kind held by another lease, retrying", zap.Uint32("kind", uint32(kind)), zap.Error(err))
		select {
		case <-ctx.Done():
			p.sem.Release(1)
			return nil, fmt.Errorf("%w: acquiring PE kind %d: %w", ErrTimeout, kind, ctx.Err())
		case <-time.After(busyRetryInterval):
		}
	}
}

// TryAcquirePE reserves an instance of kind without waiting. It fails with
// ErrPEUnavailable when every instance is taken.
func (d *Device) TryAcquirePE(kind PEKind) (*Job, error) {
	p, err := d.pool(kind)
	if err != nil {
		return nil, err
	}
	if !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: all %d PEs of kind %d are in use", ErrPEUnavailable, p.count, kind)
	}
	job, busy, err := d.claim(p)
	if busy {
		p.sem.Release(1)
	}
	return job, err
}

// claim takes an instance from the transport for a reserved pool slot. busy
// reports a transport-side shortage the caller may wait out; the slot is
// released on every failure except busy.
func (d *Device) claim(p *pePool) (job *Job, busy bool, err error) {
	h := d.tr.AcquirePE(d.handle, p.kind)
	if uint64(h) == transport.InvalidHandle {
		err := lastError(d.tr, ErrPEUnavailable, "acquire PE kind %d on device %d", p.kind, d.id)
		// The image still has the kind, so the transport ran out of free
		// instances rather than failing.
		if d.tr.PECount(d.handle, p.kind) > 0 {
			return nil, true, err
		}
		p.sem.Release(1)
		return nil, false, err
	}

	p.mu.Lock()
	if _, dup := p.inUse[h]; dup {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, false, &TransportError{
			Op:      fmt.Sprintf("acquire PE kind %d on device %d", p.kind, d.id),
			Kind:    ErrTransport,
			Message: fmt.Sprintf("PE handle %d handed out twice", h),
		}
	}
	p.inUse[h] = struct{}{}
	p.mu.Unlock()

	d.mu.Lock()
	d.held++
	d.mu.Unlock()
	metrics.PEsBusy.WithLabelValues(d.label, kindLabel(p.kind)).Inc()

	return newJob(d, p, h), false, nil
}

// releasePE hands the instance back to the transport. The pool slot is freed
// even when the transport refuses, so the caller never holds a dead slot.
func (d *Device) releasePE(p *pePool, h transport.PEHandle) error {
	var err error
	if d.tr.ReleasePE(d.handle, h) != transport.Success {
		err = lastError(d.tr, ErrTransport, "release PE %d (kind %d)", h, p.kind)
	}

	p.mu.Lock()
	delete(p.inUse, h)
	p.mu.Unlock()
	p.sem.Release(1)

	d.mu.Lock()
	d.held--
	d.mu.Unlock()
	metrics.PEsBusy.WithLabelValues(d.label, kindLabel(p.kind)).Dec()
	return err
}

// reportLeak handles a Job or CompletionHandle collected while it still held
// a PE.
func (d *Device) reportLeak(what string, kind PEKind) {
	metrics.LeakedJobs.Inc()
	d.log.Error("leaked PE: "+what+" was garbage collected without being released",
		zap.Uint32("kind", uint32(kind)))
	if d.opts.panicOnLeak {
		panic(fmt.Sprintf("accel: %s for PE kind %d on device %d was garbage collected without being released", what, kind, d.id))
	}
}

// Close frees memory still allocated through the device and drops the lease.
// It fails with ErrDeviceBusy while Jobs hold PEs.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("device %d already %w", d.id, ErrClosed)
	}
	if d.held > 0 {
		held := d.held
		d.mu.Unlock()
		return fmt.Errorf("%w: device %d has %d jobs holding PEs", ErrDeviceBusy, d.id, held)
	}
	d.closed = true
	d.mu.Unlock()

	if n := d.mem.Live(); n > 0 {
		d.log.Warn("freeing device memory still allocated at close", zap.Int("allocations", n))
		d.mem.releaseAll()
	}

	d.drv.forget(d)
	if d.tr.DestroyDevice(d.handle) != transport.Success {
		return lastError(d.tr, ErrTransport, "destroy device %d", d.id)
	}
	d.log.Info("device closed")
	return nil
}

func kindLabel(kind PEKind) string {
	return strconv.FormatUint(uint64(kind), 10)
}
