// Package devmem implements the address-space bookkeeping for device memory.
//
// An Allocator hands out aligned, non-overlapping ranges of a fixed device
// address window using a first-fit free list. Freed ranges are merged with
// their neighbours so the window does not fragment under alloc/free churn.
// The allocator only manages addresses; the bytes behind them live elsewhere.
package devmem

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultAlignment is used when an allocator is created with alignment 0.
const DefaultAlignment = 64

type span struct {
	addr   uint64
	length uint64
}

// Allocator manages the address range [base, base+capacity).
// It is safe for concurrent use.
type Allocator struct {
	mu        sync.Mutex
	base      uint64
	capacity  uint64
	alignment uint64
	free      []span            // sorted by addr, never adjacent
	live      map[uint64]uint64 // addr -> aligned length
	spans     []span            // live allocations sorted by addr
	used      uint64
}

// New creates an allocator over [base, base+capacity). Alignment must be a
// power of two and base must be aligned to it.
func New(base, capacity, alignment uint64) (*Allocator, error) {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of two", alignment)
	}
	if base%alignment != 0 {
		return nil, fmt.Errorf("base address %#x is not aligned to %d", base, alignment)
	}
	capacity &^= alignment - 1
	if capacity == 0 {
		return nil, fmt.Errorf("capacity must hold at least one %d-byte block", alignment)
	}
	if base+capacity < base {
		return nil, fmt.Errorf("address range %#x+%d overflows", base, capacity)
	}
	return &Allocator{
		base:      base,
		capacity:  capacity,
		alignment: alignment,
		free:      []span{{addr: base, length: capacity}},
		live:      make(map[uint64]uint64),
	}, nil
}

func (a *Allocator) alignUp(n uint64) (uint64, bool) {
	aligned := (n + a.alignment - 1) &^ (a.alignment - 1)
	return aligned, aligned >= n
}

// Allocate reserves n bytes and returns the start address. It reports false
// when n is zero or no free range is large enough.
func (a *Allocator) Allocate(n uint64) (uint64, bool) {
	if n == 0 {
		return 0, false
	}
	length, ok := a.alignUp(n)
	if !ok {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.length < length {
			continue
		}
		addr := s.addr
		if s.length == length {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{addr: s.addr + length, length: s.length - length}
		}
		a.live[addr] = length
		a.used += length
		j := sort.Search(len(a.spans), func(j int) bool { return a.spans[j].addr > addr })
		a.spans = append(a.spans, span{})
		copy(a.spans[j+1:], a.spans[j:])
		a.spans[j] = span{addr: addr, length: length}
		return addr, true
	}
	return 0, false
}

// Free returns the range starting at addr to the free list and reports the
// number of bytes released. Addresses that are not live are rejected.
func (a *Allocator) Free(addr uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	length, ok := a.live[addr]
	if !ok {
		return 0, false
	}
	delete(a.live, addr)
	a.used -= length
	j := sort.Search(len(a.spans), func(j int) bool { return a.spans[j].addr >= addr })
	a.spans = append(a.spans[:j], a.spans[j+1:]...)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > addr })
	s := span{addr: addr, length: length}

	// merge with the following span
	if i < len(a.free) && s.addr+s.length == a.free[i].addr {
		s.length += a.free[i].length
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	// merge with the preceding span
	if i > 0 && a.free[i-1].addr+a.free[i-1].length == s.addr {
		a.free[i-1].length += s.length
		return length, true
	}
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s
	return length, true
}

// Lookup finds the live allocation containing addr and returns its start
// address and length.
func (a *Allocator) Lookup(addr uint64) (start, length uint64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.spans), func(i int) bool { return a.spans[i].addr > addr })
	if i == 0 {
		return 0, 0, false
	}
	s := a.spans[i-1]
	if addr-s.addr >= s.length {
		return 0, 0, false
	}
	return s.addr, s.length, true
}

// Contains reports whether addr falls into the managed window.
func (a *Allocator) Contains(addr uint64) bool {
	return addr >= a.base && addr-a.base < a.capacity
}

// Base returns the first address of the window.
func (a *Allocator) Base() uint64 { return a.base }

// Capacity returns the size of the window in bytes.
func (a *Allocator) Capacity() uint64 { return a.capacity }

// Alignment returns the allocation granularity.
func (a *Allocator) Alignment() uint64 { return a.alignment }

// Used returns the number of bytes currently allocated, including alignment padding.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Available returns the number of free bytes. Fragmentation may prevent a
// single allocation of this size.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.used
}

// Live returns the number of outstanding allocations.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
