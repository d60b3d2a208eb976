package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMachine() MachineModel {
	cpu := ProcessingUnit{Vendor: "Intel", ModelName: "Xeon", Arch: "amd64", Frequency: 3500}
	gpu := GraphicsProcessingUnit{Vendor: "NVIDIA", ModelName: "A100", Arch: "ampere", Frequency: 1410}
	return MachineModel{
		CPUs:    []ProcessingUnit{cpu, cpu, cpu, cpu},
		GPUs:    []GraphicsProcessingUnit{gpu, gpu},
		Memory:  []MemoryUnit{{Vendor: "Samsung", ModelName: "DDR4", Speed: 3200, Size: 16384}, {Vendor: "Samsung", ModelName: "DDR4", Speed: 3200, Size: 16384}},
		Network: []NetworkAdapter{{Vendor: "Mellanox", ModelName: "CX5", Bandwidth: 100000}},
	}
}

func TestOptimize_MergesUnits(t *testing.T) {
	m := testMachine()
	opt := m.Optimize()

	assert.Len(t, opt.CPUs, 1)
	assert.Equal(t, 14000.0, opt.CPUs[0].Frequency)
	assert.Equal(t, "Xeon", opt.CPUs[0].ModelName)
	assert.Len(t, opt.GPUs, 1)
	assert.Equal(t, 2820.0, opt.GPUs[0].Frequency)
	assert.Len(t, opt.Memory, 1)
	assert.Equal(t, "Generic", opt.Memory[0].Vendor)
	assert.Equal(t, int64(32768), opt.Memory[0].Size)
	assert.Equal(t, m.Network, opt.Network)
}

func TestOptimize_PreservesTotalsAndIsIdempotent(t *testing.T) {
	m := testMachine()
	opt := m.Optimize()

	assert.Equal(t, m.CPUCapacity(), opt.CPUCapacity())
	assert.Equal(t, m.GPUCapacity(), opt.GPUCapacity())
	assert.Equal(t, m.MemorySize(), opt.MemorySize())
	assert.True(t, opt.Optimize().Equal(opt))
}

func TestOptimize_DoesNotMutateReceiver(t *testing.T) {
	m := testMachine()
	_ = m.Optimize()
	assert.Len(t, m.CPUs, 4)
	assert.Equal(t, 3500.0, m.CPUs[0].Frequency)
}

func TestOptimize_EmptyLists(t *testing.T) {
	opt := MachineModel{}.Optimize()
	assert.Empty(t, opt.CPUs)
	assert.Empty(t, opt.GPUs)
	assert.Empty(t, opt.Memory)
	assert.True(t, opt.Equal(MachineModel{}))
}

func TestGPU_EqualityNotions(t *testing.T) {
	a := GraphicsProcessingUnit{Vendor: "NVIDIA", ModelName: "A100", Arch: "ampere", Frequency: 1410}
	b := a
	b.Frequency = 1100

	assert.True(t, a.SameArchitecture(b))
	assert.False(t, a.Equal(b))
}
