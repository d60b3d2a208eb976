package telemetry

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/cluster"
)

func testResult() *cluster.Result {
	return &cluster.Result{
		Start: 1000,
		Hosts: []cluster.HostResult{
			{
				Name:        "node-a-0",
				Cluster:     "A01",
				CPU:         sim.CounterSet{Active: 1000, Idle: 3000, Steal: 10, Lost: 5},
				GPU:         sim.CounterSet{Active: 200},
				EnergyUsage: 300,
				VMsPlaced:   2,
				VMsFinished: 2,
				Samples: []cluster.HostSample{
					{Timestamp: 1000, Host: "node-a-0", CPUUsage: 500, CPUCapacity: 2000, PowerUsage: 125},
					{Timestamp: 1500, Host: "node-a-0", CPUUsage: 1500, CPUCapacity: 2000, PowerUsage: 175, RunningVMs: 2},
				},
			},
			{
				Name:        "node-a-1",
				Cluster:     "A01",
				CPU:         sim.CounterSet{Active: 500, Idle: 500},
				EnergyUsage: 100,
				VMsPlaced:   1,
				VMsFailed:   1,
			},
		},
		Unplaced: []string{"vm-9"},
	}
}

func TestCollector_ExposesHostMetrics(t *testing.T) {
	c := NewCollector(testResult())

	// 2 hosts x (4 cpu + 4 gpu states + energy + 4 outcomes + histogram) + unplaced
	assert.Equal(t, 2*14+1, testutil.CollectAndCount(c))
	assert.Equal(t, 4*2, testutil.CollectAndCount(c, "hostsim_host_cpu_seconds_total"))

	expected := `
# HELP hostsim_host_energy_joules_total Energy consumed by the host.
# TYPE hostsim_host_energy_joules_total counter
hostsim_host_energy_joules_total{cluster="A01",host="node-a-0"} 300
hostsim_host_energy_joules_total{cluster="A01",host="node-a-1"} 100
# HELP hostsim_unplaced_vms Virtual machines no host could take.
# TYPE hostsim_unplaced_vms gauge
hostsim_unplaced_vms 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"hostsim_host_energy_joules_total", "hostsim_unplaced_vms"))
}

func TestCollector_LintsClean(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(testResult()))
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestUtilizationHistogram(t *testing.T) {
	count, sum, buckets := utilizationHistogram(testResult().Hosts[0].Samples)
	assert.Equal(t, uint64(2), count)
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, uint64(0), buckets[UtilizationBuckets[0]])
	assert.Equal(t, uint64(2), buckets[UtilizationBuckets[len(UtilizationBuckets)-1]])
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostsim.prom")
	require.NoError(t, WriteTextfile(path, testResult()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `hostsim_host_cpu_seconds_total{cluster="A01",host="node-a-0",state="active"} 1`)
}

func TestSummarize(t *testing.T) {
	s := Summarize(testResult())
	assert.Equal(t, 2, s.Hosts)
	assert.Equal(t, 3, s.VMsPlaced)
	assert.Equal(t, 2, s.VMsFinished)
	assert.Equal(t, 1, s.VMsFailed)
	assert.Equal(t, 1, s.Unplaced)
	assert.Equal(t, 400.0, s.EnergyTotal)
	assert.Equal(t, 200.0, s.EnergyMean)
	assert.InDelta(t, 141.421356, s.EnergyStdDev, 1e-6)
	assert.Equal(t, 0.5, s.CPUUtilizationMean)
	assert.Equal(t, int64(1500), s.CPUActive)
	assert.Equal(t, int64(5), s.CPULost)
	assert.Equal(t, int64(200), s.GPUActive)
}

func TestSummarize_SingleHost(t *testing.T) {
	res := &cluster.Result{Hosts: []cluster.HostResult{{Name: "h", EnergyUsage: 50}}}
	s := Summarize(res)
	assert.Equal(t, 50.0, s.EnergyMean)
	assert.Equal(t, 0.0, s.EnergyStdDev)
	assert.Equal(t, 0.0, s.CPUUtilizationMean)
}

func TestSummary_Print(t *testing.T) {
	// GIVEN a summary with failed and unplaced VMs
	var buf bytes.Buffer

	// WHEN it is printed
	Summarize(testResult()).Print(&buf)

	// THEN the optional sections appear
	out := buf.String()
	assert.Contains(t, out, "=== Experiment Summary ===")
	assert.Contains(t, out, "VMs Failed           : 1")
	assert.Contains(t, out, "VMs Unplaced         : 1")
	assert.Contains(t, out, "GPU Time (active)    : 200")
}

func TestSummary_PrintOmitsEmptySections(t *testing.T) {
	var buf bytes.Buffer
	Summarize(&cluster.Result{}).Print(&buf)
	out := buf.String()
	assert.NotContains(t, out, "VMs Failed")
	assert.NotContains(t, out, "VMs Unplaced")
	assert.NotContains(t, out, "GPU Time")
}

func TestWriteSamples(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSamples(&buf, testResult()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, sampleColumns, rows[0])
	assert.Equal(t, []string{"1500", "node-a-0", "1500", "0", "2000", "0", "0", "0", "175", "0", "2", "0", "0", "0", "0"}, rows[2])
}
