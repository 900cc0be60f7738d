package accel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"github.com/fxnlabs/accel-runtime/pkg/transport/sim"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	kindIncrement PEKind = 1
	kindNoop      PEKind = 2
	kindFill      PEKind = 3
	kindSum       PEKind = 4
	kindFail      PEKind = 5
	kindCopy      PEKind = 6
	kindGate      PEKind = 7
)

// gate blocks the "test-gate" kernel until opened.
var gate = struct {
	mu sync.Mutex
	ch chan struct{}
}{ch: make(chan struct{})}

func openGate() {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	close(gate.ch)
	gate.ch = make(chan struct{})
}

func init() {
	sim.RegisterKernel("test-gate", func(inv *sim.Invocation) (uint64, error) {
		gate.mu.Lock()
		ch := gate.ch
		gate.mu.Unlock()
		<-ch
		return inv.Arg(0, 0), nil
	})
}

func testPlatform() sim.Platform {
	return sim.Platform{Devices: []sim.DeviceSpec{{
		Name:       "test",
		MemorySize: 1 << 16,
		PEs: []sim.PESpec{
			{Kind: uint32(kindIncrement), Count: 2, Kernel: "increment"},
			{Kind: uint32(kindNoop), Count: 1, Kernel: "noop"},
			{Kind: uint32(kindFill), Count: 1, Kernel: "fill", LocalMemory: 256},
			{Kind: uint32(kindSum), Count: 1, Kernel: "arraysum"},
			{Kind: uint32(kindFail), Count: 1, Kernel: "fail"},
			{Kind: uint32(kindCopy), Count: 2, Kernel: "copy"},
			{Kind: uint32(kindGate), Count: 1, Kernel: "test-gate"},
		},
	}}}
}

func newTestTransport(t testing.TB) transport.Transport {
	t.Helper()
	tr, err := sim.New(testPlatform(), zap.NewNop())
	require.NoError(t, err)
	return tr
}

func newTestDriver(t testing.TB, tr transport.Transport, opts ...Option) *Driver {
	t.Helper()
	drv, err := NewDriver(tr, zap.NewNop(), opts...)
	require.NoError(t, err)
	return drv
}

func newTestDevice(t testing.TB, opts ...Option) *Device {
	t.Helper()
	drv := newTestDriver(t, newTestTransport(t), opts...)
	dev, err := drv.AllocateDevice(0, Exclusive)
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })
	return dev
}

// faultTransport injects failures into a wrapped transport.
type faultTransport struct {
	transport.Transport

	failStart    atomic.Bool
	failCopyFrom atomic.Bool
	failCopyTo   atomic.Bool
	duplicatePE  atomic.Bool

	slot     transport.ErrorSlot
	injected atomic.Bool
	lastPE   atomic.Uint64
}

func (f *faultTransport) inject(msg string) int {
	f.slot.Set("%s", msg)
	f.injected.Store(true)
	return transport.Failure
}

func (f *faultTransport) AcquirePE(d transport.DeviceHandle, kind transport.PEKind) transport.PEHandle {
	if f.duplicatePE.Load() {
		return transport.PEHandle(f.lastPE.Load())
	}
	h := f.Transport.AcquirePE(d, kind)
	f.injected.Store(false)
	if uint64(h) != transport.InvalidHandle {
		f.lastPE.Store(uint64(h))
	}
	return h
}

func (f *faultTransport) Start(d transport.DeviceHandle, pe transport.PEHandle, args []uint64) int {
	if f.failStart.Load() {
		return f.inject("injected: trigger rejected")
	}
	f.injected.Store(false)
	return f.Transport.Start(d, pe, args)
}

func (f *faultTransport) CopyTo(d transport.DeviceHandle, host []byte, addr transport.Address) int {
	if f.failCopyTo.Load() {
		return f.inject("injected: DMA to device failed")
	}
	f.injected.Store(false)
	return f.Transport.CopyTo(d, host, addr)
}

func (f *faultTransport) CopyFrom(d transport.DeviceHandle, addr transport.Address, host []byte) int {
	if f.failCopyFrom.Load() {
		return f.inject("injected: DMA from device failed")
	}
	f.injected.Store(false)
	return f.Transport.CopyFrom(d, addr, host)
}

func (f *faultTransport) LastErrorLength() int {
	if f.injected.Load() {
		return f.slot.Length()
	}
	return f.Transport.LastErrorLength()
}

func (f *faultTransport) LastErrorMessage(buf []byte) int {
	if f.injected.Load() {
		return f.slot.Message(buf)
	}
	return f.Transport.LastErrorMessage(buf)
}

func newFaultDevice(t *testing.T, opts ...Option) (*Device, *faultTransport) {
	t.Helper()
	ft := &faultTransport{Transport: newTestTransport(t)}
	drv := newTestDriver(t, ft, opts...)
	dev, err := drv.AllocateDevice(0, Exclusive)
	require.NoError(t, err)
	return dev, ft
}

func background() context.Context {
	return context.Background()
}
