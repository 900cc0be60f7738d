package sim

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/accel-runtime/internal/devmem"
)

// region is one device address window (shared memory or a PE's local
// memory) with the bytes backing its live allocations.
type region struct {
	name    string
	alloc   *devmem.Allocator
	mu      sync.RWMutex
	backing map[uint64][]byte
}

func newRegion(name string, base, size, alignment uint64) (*region, error) {
	a, err := devmem.New(base, size, alignment)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &region{name: name, alloc: a, backing: make(map[uint64][]byte)}, nil
}

// allocate and free hold r.mu across the allocator call so that an address
// the allocator reports as live always has backing.
func (r *region) allocate(n uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.alloc.Allocate(n)
	if !ok {
		return 0, false
	}
	_, length, _ := r.alloc.Lookup(addr)
	r.backing[addr] = make([]byte, length)
	return addr, true
}

func (r *region) free(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alloc.Free(addr); !ok {
		return false
	}
	delete(r.backing, addr)
	return true
}

// view returns the backing bytes for [addr, addr+n). The caller must hold r.mu.
func (r *region) view(addr uint64, n int) ([]byte, error) {
	start, length, ok := r.alloc.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("address %#x is not allocated in %s", addr, r.name)
	}
	off := addr - start
	if uint64(n) > length-off {
		return nil, fmt.Errorf("access of %d bytes at %#x overruns allocation %#x+%d in %s", n, addr, start, length, r.name)
	}
	return r.backing[start][off : off+uint64(n)], nil
}

// deviceMemory routes addresses to the shared window or a PE-local window.
type deviceMemory struct {
	shared *region
	local  []*region // indexed by instance, nil without local memory
}

func (m *deviceMemory) regionFor(addr uint64) (*region, error) {
	if m.shared.alloc.Contains(addr) {
		return m.shared, nil
	}
	for _, r := range m.local {
		if r != nil && r.alloc.Contains(addr) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("address %#x is outside device memory", addr)
}

// Read copies n bytes starting at addr out of device memory.
func (m *deviceMemory) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	return out, m.ReadInto(addr, out)
}

// ReadInto fills host from device memory at addr.
func (m *deviceMemory) ReadInto(addr uint64, host []byte) error {
	r, err := m.regionFor(addr)
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, err := r.view(addr, len(host))
	if err != nil {
		return err
	}
	copy(host, v)
	return nil
}

// Write copies data into device memory at addr.
func (m *deviceMemory) Write(addr uint64, data []byte) error {
	r, err := m.regionFor(addr)
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, err := r.view(addr, len(data))
	if err != nil {
		return err
	}
	copy(v, data)
	return nil
}

// Extent returns the number of bytes from addr to the end of its allocation.
func (m *deviceMemory) Extent(addr uint64) (int, error) {
	r, err := m.regionFor(addr)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, length, ok := r.alloc.Lookup(addr)
	if !ok {
		return 0, fmt.Errorf("address %#x is not allocated in %s", addr, r.name)
	}
	return int(start + length - addr), nil
}
