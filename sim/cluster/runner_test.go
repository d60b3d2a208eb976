package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/model"
	"github.com/inference-sim/hostsim/sim/power"
	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/trace"
	"github.com/inference-sim/hostsim/sim/workload"
)

func testHost(name string, cores, gpus int, memory int64) topology.HostSpec {
	var m model.MachineModel
	for i := 0; i < cores; i++ {
		m.CPUs = append(m.CPUs, model.ProcessingUnit{Vendor: "Intel", ModelName: "Xeon", Arch: "amd64", Frequency: 1000})
	}
	for i := 0; i < gpus; i++ {
		m.GPUs = append(m.GPUs, model.GraphicsProcessingUnit{Vendor: "NVIDIA", ModelName: "T4", Arch: "turing", Frequency: 1000})
	}
	m.Memory = []model.MemoryUnit{{Size: memory}}
	cpuPower := power.Linear(200, 100)
	return topology.HostSpec{
		UID:      uuid.NewMD5(uuid.Nil, []byte(name)),
		Name:     name,
		Meta:     map[string]string{"cluster": "C01"},
		Model:    m,
		CPUPower: cpuPower,
		PSU:      power.Simple(cpuPower),
	}
}

// testVM returns a one-core VM using usage MHz during [start, end) epoch ms.
func testVM(id string, start, end int64, usage float64) workload.VirtualMachine {
	return workload.VirtualMachine{
		UID:         uuid.NewMD5(uuid.Nil, []byte(id)),
		ID:          id,
		CPUCount:    1,
		CPUCapacity: 1000,
		MemCapacity: 1024,
		StartTime:   start,
		StopTime:    end,
		Trace:       workload.FromFragments(workload.Fragment{Timestamp: start, Duration: end - start, CPUUsage: usage, CPUCores: 1}),
	}
}

func runExperiment(t *testing.T, cfg Config, hosts []topology.HostSpec, vms []workload.VirtualMachine) *Result {
	t.Helper()
	r, err := NewRunner(cfg, hosts, vms, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestRunner_SingleVMCountersAndEnergy(t *testing.T) {
	res := runExperiment(t, Config{SampleInterval: 500},
		[]topology.HostSpec{testHost("h0", 2, 0, 4096)},
		[]workload.VirtualMachine{testVM("a", 1000, 3000, 500)})

	assert.Equal(t, int64(1000), res.Start)
	assert.Empty(t, res.Unplaced)
	require.Len(t, res.Hosts, 1)

	h := res.Hosts[0]
	assert.Equal(t, "h0", h.Name)
	assert.Equal(t, "C01", h.Cluster)
	assert.Equal(t, 1, h.VMsPlaced)
	assert.Equal(t, 1, h.VMsFinished)
	assert.Equal(t, 0, h.VMsFailed)
	assert.Equal(t, int64(3000), h.End)

	// Two 1000 MHz cores, 500 MHz used for two seconds.
	assert.Equal(t, int64(1000), h.CPU.Active)
	assert.Equal(t, int64(3000), h.CPU.Idle)
	assert.Equal(t, int64(0), h.CPU.Steal)
	assert.InDelta(t, 250, h.EnergyUsage, 1e-6)

	require.Len(t, h.Samples, 5)
	assert.Equal(t, int64(1500), h.Samples[1].Timestamp)
	assert.Equal(t, 500.0, h.Samples[1].CPUUsage)
	assert.Equal(t, 2000.0, h.Samples[1].CPUCapacity)
	assert.Equal(t, 0.25, h.Samples[1].CPUUtilization())
	assert.Equal(t, 1, h.Samples[1].RunningVMs)
	last := h.Samples[len(h.Samples)-1]
	assert.Equal(t, int64(3000), last.Timestamp)
	assert.Equal(t, 0, last.RunningVMs)
	assert.Equal(t, h.CPU, last.CPU)

	assert.Equal(t, h.CPU, res.CPU())
	assert.Equal(t, h.EnergyUsage, res.EnergyUsage())
}

func TestRunner_UnplaceableVMsAreReported(t *testing.T) {
	hosts := []topology.HostSpec{testHost("h0", 1, 0, 4096), testHost("h1", 1, 0, 4096)}
	vms := []workload.VirtualMachine{
		testVM("a", 0, 1000, 100),
		testVM("b", 0, 1000, 100),
		testVM("c", 0, 1000, 100),
	}
	res := runExperiment(t, Config{Multiplexer: "forwarding"}, hosts, vms)

	assert.Equal(t, []string{"c"}, res.Unplaced)
	assert.Equal(t, 1, res.Hosts[0].VMsFinished)
	assert.Equal(t, 1, res.Hosts[1].VMsFinished)
	assert.Nil(t, res.Decisions)
}

func TestRunner_DecisionTrace(t *testing.T) {
	hosts := []topology.HostSpec{testHost("h0", 1, 0, 4096), testHost("h1", 1, 0, 4096)}
	vms := []workload.VirtualMachine{
		testVM("a", 0, 1000, 100),
		testVM("b", 0, 1000, 100),
		testVM("c", 0, 1000, 100),
	}
	cfg := Config{DecisionTrace: trace.TraceConfig{Level: trace.TraceLevelDecisions}}
	res := runExperiment(t, cfg, hosts, vms)

	require.NotNil(t, res.Decisions)
	s := trace.Summarize(res.Decisions)
	assert.Equal(t, 3, s.TotalDecisions)
	assert.Equal(t, 2, s.PlacedCount)
	assert.Equal(t, 1, s.RejectedCount)
	assert.Equal(t, map[string]int{"h0": 1, "h1": 1}, s.HostDistribution)
	assert.Equal(t, 0.0, s.MaxRegret)
}

func TestRunner_SequentialVMsShareASlot(t *testing.T) {
	hosts := []topology.HostSpec{testHost("h0", 1, 0, 4096)}
	vms := []workload.VirtualMachine{
		testVM("a", 0, 1000, 100),
		testVM("b", 1000, 2000, 100),
	}
	res := runExperiment(t, Config{Multiplexer: "forwarding"}, hosts, vms)

	assert.Empty(t, res.Unplaced)
	assert.Equal(t, 2, res.Hosts[0].VMsPlaced)
	assert.Equal(t, 2, res.Hosts[0].VMsFinished)
	assert.Equal(t, int64(2000), res.Hosts[0].End)
}

func TestRunner_HorizonInterruptsVMs(t *testing.T) {
	res := runExperiment(t, Config{Horizon: 500},
		[]topology.HostSpec{testHost("h0", 2, 0, 4096)},
		[]workload.VirtualMachine{testVM("a", 0, 2000, 500)})

	h := res.Hosts[0]
	assert.Equal(t, 0, h.VMsFinished)
	assert.Equal(t, 1, h.VMsInterrupted)
	assert.Equal(t, int64(500), h.End)
	assert.Equal(t, int64(250), h.CPU.Active)
}

func TestRunner_PowerOverride(t *testing.T) {
	cfg := Config{CPUPower: &power.ModelConfig{Name: "constant", Max: 300}}
	res := runExperiment(t, cfg,
		[]topology.HostSpec{testHost("h0", 2, 0, 4096)},
		[]workload.VirtualMachine{testVM("a", 0, 2000, 500)})
	assert.InDelta(t, 600, res.Hosts[0].EnergyUsage, 1e-6)
}

func TestRunner_Deterministic(t *testing.T) {
	hosts := make([]topology.HostSpec, 4)
	for i := range hosts {
		hosts[i] = testHost(fmt.Sprintf("h%d", i), 2, 0, 4096)
	}
	var vms []workload.VirtualMachine
	for i := 0; i < 10; i++ {
		start := int64(i * 300)
		vms = append(vms, testVM(fmt.Sprintf("vm%d", i), start, start+1500, float64(100*(i+1))))
	}
	cfg := Config{Seed: 7, SampleInterval: 250, Placement: PlacementConfig{Policy: "random"}, Parallelism: 3}

	first := runExperiment(t, cfg, hosts, vms)
	second := runExperiment(t, cfg, hosts, vms)
	assert.Equal(t, first, second)

	finished := 0
	for _, h := range first.Hosts {
		finished += h.VMsFinished
	}
	assert.Equal(t, 10, finished)
}

func TestRunner_Errors(t *testing.T) {
	_, err := NewRunner(Config{}, nil, nil, nil)
	assert.ErrorContains(t, err, "no hosts")

	_, err = NewRunner(Config{Multiplexer: "lottery"}, []topology.HostSpec{testHost("h0", 1, 0, 1)}, nil, nil)
	assert.ErrorContains(t, err, "unknown multiplexer")

	r, err := NewRunner(Config{}, []topology.HostSpec{testHost("h0", 1, 0, 1)}, nil, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Hosts[0].End)

	_, err = r.Run(context.Background())
	assert.ErrorIs(t, err, sim.ErrInvalidState)
}

func TestRunner_CancelledContext(t *testing.T) {
	r, err := NewRunner(Config{}, []topology.HostSpec{testHost("h0", 1, 0, 4096)},
		[]workload.VirtualMachine{testVM("a", 0, 1000, 100)}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
