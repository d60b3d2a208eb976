package workload

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/compute"
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/model"
)

func newHost(e *flow.Engine, cpus, gpus int) *compute.Machine {
	var m model.MachineModel
	for i := 0; i < cpus; i++ {
		m.CPUs = append(m.CPUs, model.ProcessingUnit{Vendor: "Intel", ModelName: "Xeon", Arch: "amd64", Frequency: 1000})
	}
	for i := 0; i < gpus; i++ {
		m.GPUs = append(m.GPUs, model.GraphicsProcessingUnit{Vendor: "NVIDIA", ModelName: "T4", Arch: "turing", Frequency: 1000})
	}
	return compute.NewMachine(e.NewGraph(), m, nil)
}

func runUntil(t *testing.T, e *flow.Engine, horizon int64) {
	t.Helper()
	require.NoError(t, e.Run(context.Background(), horizon))
}

func twoFragmentTrace() *Trace {
	return FromFragments(
		Fragment{Timestamp: 0, Duration: 1000, CPUUsage: 100, CPUCores: 1},
		Fragment{Timestamp: 1000, Duration: 1000, CPUUsage: 200, CPUCores: 1},
	)
}

func TestNewTrace_RejectsShortColumnsAndNegativeSize(t *testing.T) {
	_, err := NewTrace([]int64{1}, []float64{1}, []float64{1}, []int{1}, -1)
	assert.ErrorIs(t, err, sim.ErrInvalidTrace)

	_, err = NewTrace([]int64{1, 2}, []float64{1}, []float64{1, 2}, []int{1, 1}, 2)
	assert.ErrorIs(t, err, sim.ErrInvalidTrace)

	tr, err := NewTrace([]int64{1, 2, 3}, []float64{1, 2, 3}, []float64{0, 0, 0}, []int{1, 1, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())
}

func TestBuilder_BuildIsNotAffectedByLaterAdds(t *testing.T) {
	b := NewBuilder(1)
	b.AddCPU(1000, 10, 1)
	first := b.Build()

	b.AddCPU(2000, 20, 1)
	b.AddCPU(3000, 30, 1)
	second := b.Build()

	assert.Equal(t, 1, first.Len())
	assert.Equal(t, int64(1000), first.Deadline(0))
	assert.Equal(t, 3, second.Len())
	assert.Equal(t, 30.0, second.CPUUsage(2))
	assert.Equal(t, 10.0, second.CPUUsage(0))
}

func TestBuilder_GrowsPastInitialCapacity(t *testing.T) {
	b := NewBuilder(2)
	for i := 0; i < 1000; i++ {
		b.Add(int64(i+1)*10, float64(i), float64(2*i), 1)
	}
	tr := b.Build()
	require.Equal(t, 1000, tr.Len())
	assert.Equal(t, int64(10000), tr.Deadline(999))
	assert.Equal(t, 1998.0, tr.GPUUsage(999))
}

func TestFromFragments_DeadlineIsEndOfFragment(t *testing.T) {
	tr := twoFragmentTrace()
	require.Equal(t, 2, tr.Len())
	assert.Equal(t, int64(1000), tr.Deadline(0))
	assert.Equal(t, int64(2000), tr.Deadline(1))
}

func TestPlayer_TwoFragmentsOnSingleCPU(t *testing.T) {
	e := flow.NewEngine()
	host := newHost(e, 1, 0)
	cpu := host.CPUs()[0]

	var doneAt int64 = -1
	require.NoError(t, host.Start(twoFragmentTrace().NewWorkload(0), nil, func(err error) {
		assert.NoError(t, err)
		doneAt = e.Millis()
	}))

	runUntil(t, e, 500)
	assert.Equal(t, 100.0, cpu.Demand())
	runUntil(t, e, 1500)
	assert.Equal(t, 200.0, cpu.Demand())
	runUntil(t, e, flow.Never)

	assert.Equal(t, int64(2000), doneAt)
	assert.Equal(t, 0.0, cpu.Demand())
	assert.False(t, host.Running())
}

func TestPlayer_SplitsUsageOverRequestedCores(t *testing.T) {
	e := flow.NewEngine()
	host := newHost(e, 4, 2)
	tr := FromFragments(Fragment{Timestamp: 0, Duration: 1000, CPUUsage: 400, GPUUsage: 50, CPUCores: 2})
	require.NoError(t, host.Start(tr.NewWorkload(0), nil, nil))

	runUntil(t, e, 10)

	cpus := host.CPUs()
	assert.Equal(t, 200.0, cpus[0].Demand())
	assert.Equal(t, 200.0, cpus[1].Demand())
	assert.Equal(t, 0.0, cpus[2].Demand())
	assert.Equal(t, 0.0, cpus[3].Demand())
	for _, g := range host.GPUs() {
		assert.Equal(t, 50.0, g.Demand())
	}
}

func TestPlayer_NonPositiveCoresUseOneCore(t *testing.T) {
	e := flow.NewEngine()
	host := newHost(e, 2, 0)
	tr := FromFragments(Fragment{Timestamp: 0, Duration: 1000, CPUUsage: 300, CPUCores: 0})
	require.NoError(t, host.Start(tr.NewWorkload(0), nil, nil))

	runUntil(t, e, 10)

	assert.Equal(t, 300.0, host.CPUs()[0].Demand())
	assert.Equal(t, 0.0, host.CPUs()[1].Demand())
}

func TestPlayer_StrategiesAgreeOnSingleCPU(t *testing.T) {
	tr := FromFragments(
		Fragment{Timestamp: 0, Duration: 300, CPUUsage: 10, CPUCores: 1},
		Fragment{Timestamp: 300, Duration: 200, CPUUsage: 70, CPUCores: 1},
		Fragment{Timestamp: 500, Duration: 400, CPUUsage: 30, CPUCores: 1},
	)
	sample := func(gpus int) []float64 {
		e := flow.NewEngine()
		host := newHost(e, 1, gpus)
		require.NoError(t, host.Start(tr.NewWorkload(0), nil, nil))
		var seen []float64
		for _, at := range []int64{100, 400, 800} {
			runUntil(t, e, at)
			seen = append(seen, host.CPUs()[0].Demand())
		}
		return seen
	}

	assert.Equal(t, []float64{10, 70, 30}, sample(0))
	assert.Equal(t, sample(0), sample(1))
}

func TestPlayer_SnapshotContinuesOnFreshHost(t *testing.T) {
	e := flow.NewEngine()
	first := newHost(e, 1, 0)
	player := twoFragmentTrace().NewWorkload(0)
	require.NoError(t, first.Start(player, nil, nil))
	runUntil(t, e, 1500)

	snap, err := player.Snapshot()
	require.NoError(t, err)
	first.Cancel()
	assert.Equal(t, 1, snap.(*Player).Index())

	second := newHost(e, 1, 0)
	var doneAt int64 = -1
	require.NoError(t, second.Start(snap, nil, func(error) { doneAt = e.Millis() }))
	runUntil(t, e, 1600)
	assert.Equal(t, 200.0, second.CPUs()[0].Demand())

	runUntil(t, e, flow.Never)
	assert.Equal(t, int64(2000), doneAt)
}

func TestPlayer_SnapshotBeforeStartKeepsIndex(t *testing.T) {
	p := twoFragmentTrace().NewWorkload(250)
	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0, snap.(*Player).Index())
	assert.Equal(t, int64(250), snap.(*Player).Offset())
}

func TestPlayer_ReplayIsDeterministic(t *testing.T) {
	tr := FromFragments(
		Fragment{Timestamp: 0, Duration: 250, CPUUsage: 120, CPUCores: 2},
		Fragment{Timestamp: 250, Duration: 250, CPUUsage: 480, CPUCores: 4},
	)
	sample := func() []float64 {
		e := flow.NewEngine()
		host := newHost(e, 4, 0)
		require.NoError(t, host.Start(tr.NewWorkload(0), nil, nil))
		var seen []float64
		for _, at := range []int64{100, 300} {
			runUntil(t, e, at)
			for _, c := range host.CPUs() {
				seen = append(seen, c.Demand())
			}
		}
		return seen
	}
	assert.Equal(t, sample(), sample())
}

func TestPlayer_EmptyTraceShutsDownImmediately(t *testing.T) {
	e := flow.NewEngine()
	host := newHost(e, 1, 0)
	done := false
	require.NoError(t, host.Start(NewBuilder(0).Build().NewWorkload(0), nil, func(error) { done = true }))
	runUntil(t, e, flow.Never)
	assert.True(t, done)
	assert.Equal(t, int64(0), e.Millis())
}

func TestTraceDir_RoundTripFillsGaps(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")
	rows := []TraceRow{
		{ID: "vm-a", Timestamp: 2000, Duration: 1000, CPUCores: 1, CPUUsage: 100},
		{ID: "vm-a", Timestamp: 4000, Duration: 1000, CPUCores: 1, CPUUsage: 100, GPUCount: 1, GPUUsage: 40},
		{ID: "vm-b", Timestamp: 1000, Duration: 1000, CPUCores: 2, CPUUsage: 50},
	}
	meta := []MetaRow{
		{ID: "vm-a", StartTime: 1000, StopTime: 4000, CPUCores: 1, CPUCapacity: 2000, GPUCount: 1, GPUCapacity: 1500, MemCapacity: 2048},
		{ID: "vm-b", StartTime: 0, StopTime: 1000, CPUCores: 2, CPUCapacity: 2000, MemCapacity: 1024},
		{ID: "vm-missing", StartTime: 0, StopTime: 1000, CPUCores: 1, CPUCapacity: 1000},
	}
	require.NoError(t, ExportTraceDir(dir, rows, meta))

	vms, err := LoadTraceDir(dir)
	require.NoError(t, err)
	require.Len(t, vms, 2)

	assert.Equal(t, "vm-b", vms[0].ID, "ordered by start time")
	a := vms[1]
	assert.Equal(t, "vm-a", a.ID)
	assert.InDelta(t, 200, a.TotalLoad, 1e-9)
	require.Equal(t, 4, a.Trace.Len())
	assert.Equal(t, []int64{1000, 2000, 3000, 4000}, []int64{a.Trace.Deadline(0), a.Trace.Deadline(1), a.Trace.Deadline(2), a.Trace.Deadline(3)})
	assert.Equal(t, 0.0, a.Trace.CPUUsage(2), "gap is idle")
	assert.Equal(t, 40.0, a.Trace.GPUUsage(3))
	assert.NotEqual(t, vms[0].UID, a.UID)

	m := a.Model()
	assert.Len(t, m.CPUs, 1)
	assert.Len(t, m.GPUs, 1)
	assert.Equal(t, int64(2048), m.MemorySize())
}

func TestLoadTraceRows_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeCSV(filepath.Join(dir, TraceFile), []string{"id", "timestamp"}, [][]string{{"1", "10"}}))
	_, err := LoadTraceRows(filepath.Join(dir, TraceFile))
	assert.Error(t, err)
}

func TestGenerateCloudGaming_HourlyPlayers(t *testing.T) {
	cfg := CloudGamingConfig{
		StartTime:    0,
		UsersPerHour: []int{1, 2, 1},
		CPUCount:     1,
		CPUUsage:     3800,
		CPUCapacity:  3800,
		GPUCount:     1,
		GPUUsage:     200,
		GPUCapacity:  228,
		MemCapacity:  2048,
	}
	trace, meta, err := GenerateCloudGaming(cfg, nil)
	require.NoError(t, err)

	assert.Len(t, trace, 4)
	require.Len(t, meta, 2)
	assert.Equal(t, int64(0), meta[0].StartTime)
	assert.Equal(t, 3*HourMillis, meta[0].StopTime)
	assert.Equal(t, HourMillis, meta[1].StartTime)
	assert.Equal(t, 2*HourMillis, meta[1].StopTime)
	assert.Equal(t, HourMillis, trace[0].Timestamp)
}

func TestGenerateCloudGaming_JitterIsSeeded(t *testing.T) {
	cfg := CloudGamingConfig{UsersPerHour: []int{3}, CPUCount: 1, CPUUsage: 1000, Jitter: 0.2}
	a, _, err := GenerateCloudGaming(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, _, err := GenerateCloudGaming(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	for _, r := range a {
		assert.InDelta(t, 1000, r.CPUUsage, 200)
	}

	_, _, err = GenerateCloudGaming(cfg, nil)
	assert.Error(t, err)
}
