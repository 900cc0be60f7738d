// Package sim is a software transport that simulates accelerator devices.
//
// Each device carries shared device memory and a set of PE instances whose
// behaviour is a registered Kernel. Starting a PE runs its kernel on a
// goroutine against the simulated memory, so independent PEs really execute
// concurrently. The transport follows the sentinel and last-error conventions
// of package transport exactly, which makes it a stand-in for a hardware
// driver in tests and on hosts without an accelerator.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"go.uber.org/zap"
)

// Name is the name the simulator registers under.
const Name = "sim"

func init() {
	transport.Register(Name, func(platform any, log *zap.Logger) (transport.Transport, error) {
		switch p := platform.(type) {
		case nil:
			return New(DefaultPlatform(), log)
		case Platform:
			return New(p, log)
		case *Platform:
			return New(*p, log)
		default:
			return nil, fmt.Errorf("sim transport expects a sim.Platform, got %T", platform)
		}
	})
}

// Compile-time check:
var _ transport.Transport = (*Transport)(nil)

type pe struct {
	handle   transport.PEHandle
	kind     transport.PEKind
	instance int
	kernel   Kernel
	latency  time.Duration
	local    *region

	mu      sync.Mutex
	owner   transport.DeviceHandle
	busy    bool
	running bool
	done    chan struct{}
	ret     uint64
	err     error
}

type device struct {
	id     int
	spec   DeviceSpec
	memory *deviceMemory
	kinds  map[transport.PEKind][]*pe
}

type lease struct {
	dev    *device
	mode   transport.AccessMode
	access bool
}

// Transport simulates every device of a Platform.
type Transport struct {
	log *zap.Logger

	mu        sync.Mutex
	closed    bool
	devices   []*device
	pes       []*pe // indexed by PEHandle
	leases    map[transport.DeviceHandle]*lease
	nextLease transport.DeviceHandle

	errs transport.ErrorSlot
}

// New builds the simulated devices of platform.
func New(platform Platform, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := platform.Validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		log:       log,
		leases:    make(map[transport.DeviceHandle]*lease),
		nextLease: 1,
	}
	for id, spec := range platform.Devices {
		if spec.MemorySize == 0 {
			spec.MemorySize = defaultMemorySize
		}
		shared, err := newRegion(fmt.Sprintf("device %d memory", id), mainMemoryBase, spec.MemorySize, spec.Alignment)
		if err != nil {
			return nil, err
		}
		dev := &device{
			id:     id,
			spec:   spec,
			memory: &deviceMemory{shared: shared},
			kinds:  make(map[transport.PEKind][]*pe),
		}
		for _, ps := range spec.PEs {
			kernel, _ := LookupKernel(ps.Kernel)
			for i := 0; i < ps.Count; i++ {
				p := &pe{
					handle:   transport.PEHandle(len(t.pes)),
					kind:     transport.PEKind(ps.Kind),
					instance: i,
					kernel:   kernel,
					latency:  ps.Latency,
				}
				if ps.LocalMemory > 0 {
					base := uint64(localWindowBase) + uint64(len(dev.memory.local))*localWindowSize
					p.local, err = newRegion(fmt.Sprintf("PE %d local memory", p.handle), base, ps.LocalMemory, spec.Alignment)
					if err != nil {
						return nil, err
					}
				}
				dev.memory.local = append(dev.memory.local, p.local)
				dev.kinds[p.kind] = append(dev.kinds[p.kind], p)
				t.pes = append(t.pes, p)
			}
		}
		t.devices = append(t.devices, dev)
		log.Debug("simulated device ready",
			zap.Int("device", id),
			zap.String("name", spec.Name),
			zap.Uint64("memory_bytes", spec.MemorySize),
			zap.Int("pe_kinds", len(dev.kinds)))
	}
	return t, nil
}

func (t *Transport) fail(format string, args ...any) int {
	t.errs.Set(format, args...)
	return transport.Failure
}

func (t *Transport) failHandle(format string, args ...any) uint64 {
	t.errs.Set(format, args...)
	return transport.InvalidHandle
}

// lookup resolves a lease. With needAccess it also requires granted access
// other than monitor.
func (t *Transport) lookup(d transport.DeviceHandle, needAccess bool) (*lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	l, ok := t.leases[d]
	if !ok {
		return nil, fmt.Errorf("invalid device handle %d", d)
	}
	if needAccess && (!l.access || l.mode == transport.AccessMonitor) {
		return nil, fmt.Errorf("device %d: lease %d has no launch access", l.dev.id, d)
	}
	return l, nil
}

func (t *Transport) lookupPE(d transport.DeviceHandle, h transport.PEHandle) (*lease, *pe, error) {
	l, err := t.lookup(d, true)
	if err != nil {
		return nil, nil, err
	}
	if uint64(h) >= uint64(len(t.pes)) {
		return nil, nil, fmt.Errorf("invalid PE handle %d", h)
	}
	p := t.pes[h]
	p.mu.Lock()
	owner, busy := p.owner, p.busy
	p.mu.Unlock()
	if !busy || owner != d {
		return nil, nil, fmt.Errorf("PE %d is not acquired by lease %d", h, d)
	}
	return l, p, nil
}

func (t *Transport) DeviceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.fail("transport is closed")
	}
	return len(t.devices)
}

func (t *Transport) AllocateDevice(id int) transport.DeviceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.DeviceHandle(t.failHandle("transport is closed"))
	}
	if id < 0 || id >= len(t.devices) {
		return transport.DeviceHandle(t.failHandle("device %d does not exist (%d devices)", id, len(t.devices)))
	}
	h := t.nextLease
	t.nextLease++
	t.leases[h] = &lease{dev: t.devices[id]}
	return h
}

func (t *Transport) DestroyDevice(d transport.DeviceHandle) int {
	t.mu.Lock()
	l, ok := t.leases[d]
	if !ok {
		t.mu.Unlock()
		return t.fail("invalid device handle %d", d)
	}
	delete(t.leases, d)
	t.mu.Unlock()

	// PEs left behind by the lease go back to the pool, as the driver does
	// when a process closes its device file.
	for _, instances := range l.dev.kinds {
		for _, p := range instances {
			p.mu.Lock()
			if p.busy && p.owner == d {
				p.busy = false
				t.log.Warn("reclaimed PE from destroyed lease", zap.Uint64("pe", uint64(p.handle)), zap.Uint32("kind", uint32(p.kind)))
			}
			p.mu.Unlock()
		}
	}
	return transport.Success
}

func (t *Transport) RequestAccess(d transport.DeviceHandle, mode transport.AccessMode) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[d]
	if !ok {
		return t.fail("invalid device handle %d", d)
	}
	if mode != transport.AccessMonitor {
		for h, other := range t.leases {
			if h == d || other.dev != l.dev || !other.access {
				continue
			}
			conflict := other.mode == transport.AccessExclusive ||
				(mode == transport.AccessExclusive && other.mode == transport.AccessShared)
			if conflict {
				return t.fail("device %d: %s access denied, lease %d holds %s access", l.dev.id, mode, h, other.mode)
			}
		}
	}
	l.mode = mode
	l.access = true
	return transport.Success
}

func (t *Transport) PECount(d transport.DeviceHandle, kind transport.PEKind) int {
	l, err := t.lookup(d, false)
	if err != nil {
		return t.fail("%v", err)
	}
	return len(l.dev.kinds[kind])
}

func (t *Transport) PEKinds(d transport.DeviceHandle) []transport.PEKind {
	l, err := t.lookup(d, false)
	if err != nil {
		t.errs.Set("%v", err)
		return nil
	}
	kinds := make([]transport.PEKind, 0, len(l.dev.kinds))
	for k := range l.dev.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (t *Transport) AcquirePE(d transport.DeviceHandle, kind transport.PEKind) transport.PEHandle {
	l, err := t.lookup(d, true)
	if err != nil {
		return transport.PEHandle(t.failHandle("%v", err))
	}
	instances := l.dev.kinds[kind]
	if len(instances) == 0 {
		return transport.PEHandle(t.failHandle("device %d: PE kind %d is unknown", l.dev.id, kind))
	}
	for _, p := range instances {
		p.mu.Lock()
		if !p.busy {
			p.busy = true
			p.owner = d
			p.done = nil
			p.mu.Unlock()
			return p.handle
		}
		p.mu.Unlock()
	}
	return transport.PEHandle(t.failHandle("device %d: all %d PEs of kind %d are busy", l.dev.id, len(instances), kind))
}

func (t *Transport) ReleasePE(d transport.DeviceHandle, h transport.PEHandle) int {
	_, p, err := t.lookupPE(d, h)
	if err != nil {
		return t.fail("%v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return t.fail("PE %d is still active, can't release it", h)
	}
	p.busy = false
	p.done = nil
	return transport.Success
}

func (t *Transport) Start(d transport.DeviceHandle, h transport.PEHandle, args []uint64) int {
	l, p, err := t.lookupPE(d, h)
	if err != nil {
		return t.fail("%v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return t.fail("PE %d is already running", h)
	}

	inv := &Invocation{
		Args:     append([]uint64(nil), args...),
		Memory:   l.dev.memory,
		Kind:     uint32(p.kind),
		Instance: p.instance,
	}
	done := make(chan struct{})
	p.running = true
	p.done = done
	p.ret, p.err = 0, nil

	go func() {
		if p.latency > 0 {
			time.Sleep(p.latency)
		}
		ret, err := p.kernel(inv)
		p.mu.Lock()
		p.ret, p.err = ret, err
		p.running = false
		p.mu.Unlock()
		close(done)
	}()
	return transport.Success
}

func (t *Transport) Wait(ctx context.Context, d transport.DeviceHandle, h transport.PEHandle) int {
	_, p, err := t.lookupPE(d, h)
	if err != nil {
		return t.fail("%v", err)
	}
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return t.fail("PE %d was not started", h)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return t.fail("waiting for PE %d: %v", h, ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return t.fail("PE %d (kind %d) failed: %v", h, p.kind, p.err)
	}
	return transport.Success
}

func (t *Transport) ReturnValue(d transport.DeviceHandle, h transport.PEHandle, value *uint64) int {
	_, p, err := t.lookupPE(d, h)
	if err != nil {
		return t.fail("%v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil || p.running {
		return t.fail("PE %d has not completed", h)
	}
	*value = p.ret
	return transport.Success
}

func (t *Transport) Allocate(d transport.DeviceHandle, length uint64) transport.Address {
	l, err := t.lookup(d, true)
	if err != nil {
		return transport.Address(t.failHandle("%v", err))
	}
	addr, ok := l.dev.memory.shared.allocate(length)
	if !ok {
		shared := l.dev.memory.shared.alloc
		return transport.Address(t.failHandle("device %d: out of memory allocating %d bytes (%d of %d bytes free)",
			l.dev.id, length, shared.Available(), shared.Capacity()))
	}
	return transport.Address(addr)
}

func (t *Transport) Free(d transport.DeviceHandle, addr transport.Address) int {
	l, err := t.lookup(d, true)
	if err != nil {
		return t.fail("%v", err)
	}
	if !l.dev.memory.shared.free(uint64(addr)) {
		return t.fail("device %d: %#x is not an allocated address", l.dev.id, uint64(addr))
	}
	return transport.Success
}

func (t *Transport) LocalAllocate(d transport.DeviceHandle, h transport.PEHandle, length uint64) transport.Address {
	_, p, err := t.lookupPE(d, h)
	if err != nil {
		return transport.Address(t.failHandle("%v", err))
	}
	if p.local == nil {
		return transport.Address(t.failHandle("PE %d (kind %d) has no local memory", h, p.kind))
	}
	addr, ok := p.local.allocate(length)
	if !ok {
		return transport.Address(t.failHandle("PE %d local memory exhausted allocating %d bytes (%d of %d bytes free)",
			h, length, p.local.alloc.Available(), p.local.alloc.Capacity()))
	}
	return transport.Address(addr)
}

func (t *Transport) LocalFree(d transport.DeviceHandle, h transport.PEHandle, addr transport.Address) int {
	_, p, err := t.lookupPE(d, h)
	if err != nil {
		return t.fail("%v", err)
	}
	if p.local == nil || !p.local.free(uint64(addr)) {
		return t.fail("PE %d: %#x is not an allocated local address", h, uint64(addr))
	}
	return transport.Success
}

func (t *Transport) CopyTo(d transport.DeviceHandle, host []byte, addr transport.Address) int {
	l, err := t.lookup(d, true)
	if err != nil {
		return t.fail("%v", err)
	}
	if err := l.dev.memory.Write(uint64(addr), host); err != nil {
		return t.fail("copy to device %d: %v", l.dev.id, err)
	}
	return transport.Success
}

func (t *Transport) CopyFrom(d transport.DeviceHandle, addr transport.Address, host []byte) int {
	l, err := t.lookup(d, true)
	if err != nil {
		return t.fail("%v", err)
	}
	if err := l.dev.memory.ReadInto(uint64(addr), host); err != nil {
		return t.fail("copy from device %d: %v", l.dev.id, err)
	}
	return transport.Success
}

func (t *Transport) LastErrorLength() int {
	return t.errs.Length()
}

func (t *Transport) LastErrorMessage(buf []byte) int {
	return t.errs.Message(buf)
}

func (t *Transport) Close() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.fail("transport is already closed")
	}
	t.closed = true
	t.leases = make(map[transport.DeviceHandle]*lease)
	return transport.Success
}
