package sim

import (
	"fmt"
	"time"
)

// Platform describes the simulated devices and the hardware image loaded on each.
type Platform struct {
	Devices []DeviceSpec `yaml:"devices"`
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name string `yaml:"name"`
	// MemorySize is the size of shared device memory in bytes.
	MemorySize uint64 `yaml:"memorySize"`
	// Alignment is the allocation granularity, 64 bytes if unset.
	Alignment uint64 `yaml:"alignment"`
	PEs       []PESpec `yaml:"pes"`
}

// PESpec describes the instances of one PE kind.
type PESpec struct {
	Kind   uint32 `yaml:"kind"`
	Count  int    `yaml:"count"`
	Kernel string `yaml:"kernel"`
	// LocalMemory is the PE-local scratch size per instance in bytes; 0 means none.
	LocalMemory uint64 `yaml:"localMemory"`
	// Latency is added to every execution of the kernel.
	Latency time.Duration `yaml:"latency"`
}

const (
	defaultMemorySize = 64 << 20

	mainMemoryBase  = 0x1000_0000
	localWindowBase = 1 << 40
	localWindowSize = 1 << 32
)

// DefaultPlatform returns a single device carrying one instance of each
// builtin kernel, kinds numbered in kernel name order starting at 1.
func DefaultPlatform() Platform {
	spec := DeviceSpec{Name: "sim0", MemorySize: defaultMemorySize}
	for i, name := range KernelNames() {
		spec.PEs = append(spec.PEs, PESpec{
			Kind:        uint32(i + 1),
			Count:       2,
			Kernel:      name,
			LocalMemory: 4096,
		})
	}
	return Platform{Devices: []DeviceSpec{spec}}
}

// Validate checks the platform for inconsistent PE declarations and unknown kernels.
func (p Platform) Validate() error {
	for i, d := range p.Devices {
		if d.Alignment != 0 && d.Alignment&(d.Alignment-1) != 0 {
			return fmt.Errorf("device %d (%s): alignment %d is not a power of two", i, d.Name, d.Alignment)
		}
		seen := make(map[uint32]bool)
		for _, pe := range d.PEs {
			if seen[pe.Kind] {
				return fmt.Errorf("device %d (%s): PE kind %d declared twice", i, d.Name, pe.Kind)
			}
			seen[pe.Kind] = true
			if pe.Count <= 0 {
				return fmt.Errorf("device %d (%s): PE kind %d needs a positive count, got %d", i, d.Name, pe.Kind, pe.Count)
			}
			if _, ok := LookupKernel(pe.Kernel); !ok {
				return fmt.Errorf("device %d (%s): PE kind %d uses unknown kernel %q", i, d.Name, pe.Kind, pe.Kernel)
			}
			if pe.LocalMemory >= localWindowSize {
				return fmt.Errorf("device %d (%s): PE kind %d local memory %d exceeds window", i, d.Name, pe.Kind, pe.LocalMemory)
			}
		}
	}
	return nil
}
