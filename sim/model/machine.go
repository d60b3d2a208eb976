// Package model describes the hardware a machine is made of.
package model

// ProcessingUnit is a single CPU core. Frequency is in MHz.
type ProcessingUnit struct {
	Vendor    string  `yaml:"vendor"`
	ModelName string  `yaml:"model_name"`
	Arch      string  `yaml:"arch"`
	Frequency float64 `yaml:"frequency_mhz"`
}

// Equal reports whether two processing units are identical, frequency
// included.
func (p ProcessingUnit) Equal(o ProcessingUnit) bool {
	return p == o
}

// GraphicsProcessingUnit is a single GPU. Frequency is in MHz.
type GraphicsProcessingUnit struct {
	Vendor    string  `yaml:"vendor"`
	ModelName string  `yaml:"model_name"`
	Arch      string  `yaml:"arch"`
	Frequency float64 `yaml:"frequency_mhz"`
}

// SameArchitecture reports whether two GPUs share vendor, model and
// architecture regardless of their clock.
func (g GraphicsProcessingUnit) SameArchitecture(o GraphicsProcessingUnit) bool {
	return g.Vendor == o.Vendor && g.ModelName == o.ModelName && g.Arch == o.Arch
}

// Equal reports whether two GPUs are identical, frequency included.
func (g GraphicsProcessingUnit) Equal(o GraphicsProcessingUnit) bool {
	return g == o
}

// MemoryUnit is a memory module. Size is in MiB, Speed in MHz.
type MemoryUnit struct {
	Vendor    string  `yaml:"vendor"`
	ModelName string  `yaml:"model_name"`
	Speed     float64 `yaml:"speed_mhz"`
	Size      int64   `yaml:"size_mib"`
}

// NetworkAdapter is a network interface. Bandwidth is in Mbps.
type NetworkAdapter struct {
	Vendor    string  `yaml:"vendor"`
	ModelName string  `yaml:"model_name"`
	Bandwidth float64 `yaml:"bandwidth_mbps"`
}

// StorageDevice is a disk. Capacity is in MiB, speeds in Mbps.
type StorageDevice struct {
	Vendor     string  `yaml:"vendor"`
	ModelName  string  `yaml:"model_name"`
	Capacity   float64 `yaml:"capacity_mib"`
	ReadSpeed  float64 `yaml:"read_mbps"`
	WriteSpeed float64 `yaml:"write_mbps"`
}

// MachineModel is the hardware of a physical or virtual machine.
type MachineModel struct {
	CPUs    []ProcessingUnit         `yaml:"cpus"`
	GPUs    []GraphicsProcessingUnit `yaml:"gpus"`
	Memory  []MemoryUnit             `yaml:"memory"`
	Network []NetworkAdapter         `yaml:"network"`
	Storage []StorageDevice          `yaml:"storage"`
}

// CPUCapacity returns the summed frequency of all CPUs.
func (m MachineModel) CPUCapacity() float64 {
	total := 0.0
	for _, c := range m.CPUs {
		total += c.Frequency
	}
	return total
}

// GPUCapacity returns the summed frequency of all GPUs.
func (m MachineModel) GPUCapacity() float64 {
	total := 0.0
	for _, g := range m.GPUs {
		total += g.Frequency
	}
	return total
}

// MemorySize returns the summed size of all memory units in MiB.
func (m MachineModel) MemorySize() int64 {
	var total int64
	for _, u := range m.Memory {
		total += u.Size
	}
	return total
}

// Equal reports whether two machine models have identical components in the
// same order.
func (m MachineModel) Equal(o MachineModel) bool {
	return equalSlices(m.CPUs, o.CPUs) &&
		equalSlices(m.GPUs, o.GPUs) &&
		equalSlices(m.Memory, o.Memory) &&
		equalSlices(m.Network, o.Network) &&
		equalSlices(m.Storage, o.Storage)
}

func equalSlices[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Optimize returns a copy of the model where all CPUs are merged into one
// whose frequency is the total, all GPUs into one, and all memory into a
// single "Generic" unit of the summed size. Identity fields are taken from
// the first unit. Network and storage are copied as-is. The receiver is not
// modified and Optimize(Optimize(m)) equals Optimize(m).
func (m MachineModel) Optimize() MachineModel {
	out := MachineModel{
		Network: append([]NetworkAdapter(nil), m.Network...),
		Storage: append([]StorageDevice(nil), m.Storage...),
	}

	if len(m.CPUs) > 0 {
		cpu := m.CPUs[0]
		cpu.Frequency = m.CPUCapacity()
		out.CPUs = []ProcessingUnit{cpu}
	}
	if len(m.GPUs) > 0 {
		gpu := m.GPUs[0]
		gpu.Frequency = m.GPUCapacity()
		out.GPUs = []GraphicsProcessingUnit{gpu}
	}
	if len(m.Memory) > 0 {
		out.Memory = []MemoryUnit{{Vendor: "Generic", ModelName: "Generic", Speed: m.Memory[0].Speed, Size: m.MemorySize()}}
	}
	return out
}
