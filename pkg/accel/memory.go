package accel

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/accel-runtime/internal/metrics"
	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"go.uber.org/zap"
)

// DeviceAddress is a location in device memory.
type DeviceAddress uint64

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Memory is the shared device memory of a Device. It tracks every region it
// hands out, so freeing an address twice or one it never allocated fails
// with ErrInvalidFree instead of reaching the transport.
type Memory struct {
	dev *Device

	mu        sync.Mutex
	live      map[DeviceAddress]int64
	allocated int64
}

func (m *Memory) usable() error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	if m.dev.closed {
		return fmt.Errorf("device %d %w", m.dev.id, ErrClosed)
	}
	if m.dev.mode == Monitor {
		return fmt.Errorf("%w: device %d is leased in monitor mode", ErrAccessDenied, m.dev.id)
	}
	return nil
}

// Allocate reserves length bytes of device memory.
func (m *Memory) Allocate(length int64) (DeviceAddress, error) {
	if length <= 0 {
		return 0, fmt.Errorf("%w: allocation length %d", ErrInvalidArgument, length)
	}
	if err := m.usable(); err != nil {
		return 0, err
	}
	tr := m.dev.tr
	addr := tr.Allocate(m.dev.handle, uint64(length))
	if uint64(addr) == transport.InvalidHandle {
		return 0, lastError(tr, ErrOutOfDeviceMemory, "allocate %d bytes on device %d", length, m.dev.id)
	}

	m.mu.Lock()
	m.live[DeviceAddress(addr)] = length
	m.allocated += length
	allocated := m.allocated
	m.mu.Unlock()

	metrics.DeviceMemoryAllocatedBytes.WithLabelValues(m.dev.label).Set(float64(allocated))
	return DeviceAddress(addr), nil
}

// Free releases memory obtained from Allocate.
func (m *Memory) Free(addr DeviceAddress) error {
	m.mu.Lock()
	length, ok := m.live[addr]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s on device %d", ErrInvalidFree, addr, m.dev.id)
	}
	// Claim the entry before calling out so a concurrent Free of the same
	// address fails here.
	delete(m.live, addr)
	m.mu.Unlock()

	tr := m.dev.tr
	if tr.Free(m.dev.handle, transport.Address(addr)) != transport.Success {
		err := lastError(tr, ErrTransport, "free %s on device %d", addr, m.dev.id)
		m.mu.Lock()
		m.live[addr] = length
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.allocated -= length
	allocated := m.allocated
	m.mu.Unlock()

	metrics.DeviceMemoryAllocatedBytes.WithLabelValues(m.dev.label).Set(float64(allocated))
	return nil
}

// CopyTo copies host into device memory starting at addr.
func (m *Memory) CopyTo(host []byte, addr DeviceAddress) error {
	if len(host) == 0 {
		return nil
	}
	tr := m.dev.tr
	if tr.CopyTo(m.dev.handle, host, transport.Address(addr)) != transport.Success {
		return lastError(tr, ErrTransfer, "copy %d bytes to %s on device %d", len(host), addr, m.dev.id)
	}
	metrics.TransferBytes.WithLabelValues("to_device").Add(float64(len(host)))
	return nil
}

// CopyFrom fills host from device memory starting at addr.
func (m *Memory) CopyFrom(addr DeviceAddress, host []byte) error {
	if len(host) == 0 {
		return nil
	}
	tr := m.dev.tr
	if tr.CopyFrom(m.dev.handle, transport.Address(addr), host) != transport.Success {
		return lastError(tr, ErrTransfer, "copy %d bytes from %s on device %d", len(host), addr, m.dev.id)
	}
	metrics.TransferBytes.WithLabelValues("from_device").Add(float64(len(host)))
	return nil
}

// Allocated returns the number of bytes currently allocated.
func (m *Memory) Allocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// Live returns the number of allocations not yet freed.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Memory) releaseAll() {
	m.mu.Lock()
	addrs := make([]DeviceAddress, 0, len(m.live))
	for addr := range m.live {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	for _, addr := range addrs {
		if err := m.Free(addr); err != nil {
			m.dev.log.Warn("failed to free device memory", zap.Stringer("address", addr), zap.Error(err))
		}
	}
}
