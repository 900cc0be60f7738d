package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Memory is the device memory view a kernel executes against.
type Memory interface {
	Read(addr uint64, n int) ([]byte, error)
	Write(addr uint64, data []byte) error
	// Extent returns the bytes from addr to the end of its allocation.
	Extent(addr uint64) (int, error)
}

// Invocation is one execution of a kernel on a PE instance.
type Invocation struct {
	// Args holds the argument registers in call order.
	Args   []uint64
	Memory Memory
	Kind   uint32
	// Instance is the index of the PE within its kind.
	Instance int
}

// Arg returns argument register i, or def when fewer arguments were passed.
func (inv *Invocation) Arg(i int, def uint64) uint64 {
	if i < len(inv.Args) {
		return inv.Args[i]
	}
	return def
}

func (inv *Invocation) need(n int) error {
	if len(inv.Args) < n {
		return fmt.Errorf("kernel needs %d arguments, got %d", n, len(inv.Args))
	}
	return nil
}

// Kernel is the behaviour of a simulated PE. The returned value is placed in
// the return register.
type Kernel func(inv *Invocation) (uint64, error)

var (
	kernelsMu sync.RWMutex
	kernels   = map[string]Kernel{
		"noop":      noopKernel,
		"increment": incrementKernel,
		"copy":      copyKernel,
		"fill":      fillKernel,
		"arrayinit": arrayInitKernel,
		"arraysum":  arraySumKernel,
		"matmul":    matmulKernel,
		"fail":      failKernel,
	}
)

// RegisterKernel makes a kernel available to platform descriptions under name.
func RegisterKernel(name string, k Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[name] = k
}

// LookupKernel returns the kernel registered under name.
func LookupKernel(name string) (Kernel, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	k, ok := kernels[name]
	return k, ok
}

// KernelNames returns the registered kernel names in sorted order.
func KernelNames() []string {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// noopKernel leaves memory untouched and returns 0.
func noopKernel(*Invocation) (uint64, error) {
	return 0, nil
}

// incrementKernel returns its first argument plus one.
func incrementKernel(inv *Invocation) (uint64, error) {
	if err := inv.need(1); err != nil {
		return 0, err
	}
	return inv.Args[0] + 1, nil
}

// copyKernel copies args[2] bytes from args[0] to args[1].
func copyKernel(inv *Invocation) (uint64, error) {
	if err := inv.need(3); err != nil {
		return 0, err
	}
	data, err := inv.Memory.Read(inv.Args[0], int(inv.Args[2]))
	if err != nil {
		return 0, err
	}
	if err := inv.Memory.Write(inv.Args[1], data); err != nil {
		return 0, err
	}
	return inv.Args[2], nil
}

// fillKernel writes byte(seed+i) to the destination args[1], for args[2]
// bytes or up to the end of the allocation. Returns the number of bytes written.
func fillKernel(inv *Invocation) (uint64, error) {
	if err := inv.need(2); err != nil {
		return 0, err
	}
	seed, dst := inv.Args[0], inv.Args[1]
	n, err := lengthOrExtent(inv, 2, dst, 1)
	if err != nil {
		return 0, err
	}
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(seed + uint64(i))
	}
	return uint64(n), inv.Memory.Write(dst, data)
}

// arrayInitKernel writes uint32 indices 0..n-1 to args[0].
func arrayInitKernel(inv *Invocation) (uint64, error) {
	if err := inv.need(1); err != nil {
		return 0, err
	}
	n, err := lengthOrExtent(inv, 1, inv.Args[0], 4)
	if err != nil {
		return 0, err
	}
	data := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(i))
	}
	return uint64(n), inv.Memory.Write(inv.Args[0], data)
}

// arraySumKernel returns the sum of args[1] uint32 values at args[0].
func arraySumKernel(inv *Invocation) (uint64, error) {
	if err := inv.need(1); err != nil {
		return 0, err
	}
	n, err := lengthOrExtent(inv, 1, inv.Args[0], 4)
	if err != nil {
		return 0, err
	}
	data, err := inv.Memory.Read(inv.Args[0], 4*n)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for i := 0; i < n; i++ {
		sum += uint64(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return sum, nil
}

// matmulKernel computes C = A * B for row-major float64 matrices.
// Arguments: A, B, C addresses followed by m, k, n.
func matmulKernel(inv *Invocation) (uint64, error) {
	if err := inv.need(6); err != nil {
		return 0, err
	}
	m, k, n := int(inv.Args[3]), int(inv.Args[4]), int(inv.Args[5])
	if m <= 0 || k <= 0 || n <= 0 {
		return 0, fmt.Errorf("invalid matrix dimensions %dx%d * %dx%d", m, k, k, n)
	}

	a, err := readMatrix(inv.Memory, inv.Args[0], m, k)
	if err != nil {
		return 0, fmt.Errorf("matrix A: %w", err)
	}
	b, err := readMatrix(inv.Memory, inv.Args[1], k, n)
	if err != nil {
		return 0, fmt.Errorf("matrix B: %w", err)
	}

	var c mat.Dense
	c.Mul(a, b)

	out := make([]byte, 8*m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			binary.LittleEndian.PutUint64(out[8*(i*n+j):], math.Float64bits(c.At(i, j)))
		}
	}
	if err := inv.Memory.Write(inv.Args[2], out); err != nil {
		return 0, fmt.Errorf("matrix C: %w", err)
	}
	return uint64(2 * m * k * n), nil
}

func failKernel(inv *Invocation) (uint64, error) {
	return 0, errors.New("kernel raised an error interrupt")
}

func readMatrix(memory Memory, addr uint64, rows, cols int) (*mat.Dense, error) {
	raw, err := memory.Read(addr, 8*rows*cols)
	if err != nil {
		return nil, err
	}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return mat.NewDense(rows, cols, data), nil
}

// lengthOrExtent returns args[i] when present, or the number of elements of
// size elem that fit between addr and the end of its allocation.
func lengthOrExtent(inv *Invocation, i int, addr uint64, elem int) (int, error) {
	if i < len(inv.Args) {
		return int(inv.Args[i]), nil
	}
	extent, err := inv.Memory.Extent(addr)
	if err != nil {
		return 0, err
	}
	return extent / elem, nil
}
