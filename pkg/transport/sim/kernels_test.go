package sim

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatMemory is a single allocation at address 0 for kernel tests.
type flatMemory []byte

func (m flatMemory) Read(addr uint64, n int) ([]byte, error) {
	if addr+uint64(n) > uint64(len(m)) {
		return nil, fmt.Errorf("read out of range")
	}
	return append([]byte(nil), m[addr:addr+uint64(n)]...), nil
}

func (m flatMemory) Write(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(m)) {
		return fmt.Errorf("write out of range")
	}
	copy(m[addr:], data)
	return nil
}

func (m flatMemory) Extent(addr uint64) (int, error) {
	return len(m) - int(addr), nil
}

func TestKernels(t *testing.T) {
	testCases := []struct {
		name    string
		kernel  string
		mem     flatMemory
		args    []uint64
		want    uint64
		wantErr bool
		verify  func(*testing.T, flatMemory)
	}{
		{name: "noop", kernel: "noop", mem: flatMemory{1, 2}, want: 0,
			verify: func(t *testing.T, m flatMemory) { assert.Equal(t, flatMemory{1, 2}, m) }},
		{name: "increment", kernel: "increment", args: []uint64{41}, want: 42},
		{name: "increment without args", kernel: "increment", wantErr: true},
		{name: "copy", kernel: "copy", mem: flatMemory{1, 2, 3, 0, 0, 0}, args: []uint64{0, 3, 3}, want: 3,
			verify: func(t *testing.T, m flatMemory) { assert.Equal(t, flatMemory{1, 2, 3, 1, 2, 3}, m) }},
		{name: "fill to extent", kernel: "fill", mem: make(flatMemory, 4), args: []uint64{10, 0}, want: 4,
			verify: func(t *testing.T, m flatMemory) { assert.Equal(t, flatMemory{10, 11, 12, 13}, m) }},
		{name: "fill with length", kernel: "fill", mem: make(flatMemory, 4), args: []uint64{255, 1, 2}, want: 2,
			verify: func(t *testing.T, m flatMemory) { assert.Equal(t, flatMemory{0, 255, 0, 0}, m) }},
		{name: "arrayinit", kernel: "arrayinit", mem: make(flatMemory, 12), args: []uint64{0}, want: 3,
			verify: func(t *testing.T, m flatMemory) {
				assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(m[8:]))
			}},
		{name: "arraysum", kernel: "arraysum", mem: flatMemory{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}, args: []uint64{0}, want: 6},
		{name: "arraysum with count", kernel: "arraysum", mem: flatMemory{1, 0, 0, 0, 2, 0, 0, 0}, args: []uint64{0, 1}, want: 1},
		{name: "copy out of range", kernel: "copy", mem: make(flatMemory, 2), args: []uint64{0, 1, 4}, wantErr: true},
		{name: "matmul bad dims", kernel: "matmul", args: []uint64{0, 0, 0, 0, 1, 1}, wantErr: true},
		{name: "fail", kernel: "fail", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			k, ok := LookupKernel(tc.kernel)
			require.True(t, ok)
			got, err := k(&Invocation{Args: tc.args, Memory: tc.mem})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			if tc.verify != nil {
				tc.verify(t, tc.mem)
			}
		})
	}
}

func TestKernelNames(t *testing.T) {
	names := KernelNames()
	assert.Contains(t, names, "matmul")
	assert.Contains(t, names, "fill")
	assert.IsIncreasing(t, names)
}
