package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/hostsim/sim/cluster"
	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/trace"
	"github.com/inference-sim/hostsim/sim/workload"
)

// writeExperiment writes a two-host topology and a single-VM trace.
func writeExperiment(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()

	topologyFile := filepath.Join(root, "topology.txt")
	f, err := os.Create(topologyFile)
	require.NoError(t, err)
	require.NoError(t, topology.Write(f, []topology.ClusterSpec{{
		ID: "C01", Name: "small", CPUCount: 4, CPUCapacity: 2000, MemCapacity: 8000, HostCount: 2,
		CPUIdleDraw: 100, CPUMaxDraw: 200,
	}}))
	require.NoError(t, f.Close())

	dir := filepath.Join(root, "trace")
	require.NoError(t, workload.ExportTraceDir(dir,
		[]workload.TraceRow{{ID: "vm-1", Timestamp: 2000, Duration: 1000, CPUCores: 1, CPUUsage: 1000}},
		[]workload.MetaRow{{ID: "vm-1", StartTime: 1000, StopTime: 2000, CPUCores: 1, CPUCapacity: 2000, MemCapacity: 1024}},
	))
	return topologyFile, dir
}

func TestApplyRunFlags_OnlyChangedFlagsOverride(t *testing.T) {
	// GIVEN a config loaded from YAML
	cfg := &cluster.Config{Seed: 1, Horizon: 500, Governor: cluster.GovernorConfig{Name: "ondemand"}}

	// WHEN only --seed and --placement are given
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	registerRunFlags(flags)
	require.NoError(t, flags.Parse([]string{"--seed=9", "--placement=round-robin"}))
	applyRunFlags(flags, cfg)

	// THEN those override the file and the rest is kept
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, "round-robin", cfg.Placement.Policy)
	assert.Equal(t, int64(500), cfg.Horizon)
	assert.Equal(t, "ondemand", cfg.Governor.Name)
	assert.False(t, cfg.DecisionTrace.Enabled())
}

func TestApplyRunFlags_DecisionTrace(t *testing.T) {
	cfg := &cluster.Config{}
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	registerRunFlags(flags)
	require.NoError(t, flags.Parse([]string{"--decision-trace=decisions", "--decision-candidates=3"}))
	applyRunFlags(flags, cfg)

	assert.True(t, cfg.DecisionTrace.Enabled())
	assert.Equal(t, 3, cfg.DecisionTrace.Candidates)
}

func TestRunExperiment_EndToEnd(t *testing.T) {
	topologyFile, dir := writeExperiment(t)

	res, err := runExperiment(context.Background(), cluster.Config{Seed: 1}, topologyFile, dir)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), res.Start)
	assert.Empty(t, res.Unplaced)
	require.Len(t, res.Hosts, 2)
	finished := 0
	for _, h := range res.Hosts {
		finished += h.VMsFinished
	}
	assert.Equal(t, 1, finished)
	assert.Greater(t, res.EnergyUsage(), 0.0)
	assert.Greater(t, res.CPU().Active, int64(0))
}

func TestRunExperiment_Errors(t *testing.T) {
	topologyFile, dir := writeExperiment(t)

	_, err := runExperiment(context.Background(), cluster.Config{}, filepath.Join(dir, "missing.txt"), dir)
	assert.Error(t, err)

	_, err = runExperiment(context.Background(), cluster.Config{}, topologyFile, t.TempDir())
	assert.Error(t, err)

	_, err = runExperiment(context.Background(), cluster.Config{Multiplexer: "lottery"}, topologyFile, dir)
	assert.ErrorContains(t, err, "unknown multiplexer")
}

func TestLoadInterference(t *testing.T) {
	dir := t.TempDir()

	// A trace without a model runs without interference
	m, err := loadInterference(dir)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, os.WriteFile(filepath.Join(dir, workload.InterferenceFile),
		[]byte(`[{"vms": ["vm-1", "vm-2"], "minServerLoad": 0.5, "performanceScore": 0.8}]`), 0644))
	m, err = loadInterference(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Groups())

	require.NoError(t, os.WriteFile(filepath.Join(dir, workload.InterferenceFile), []byte(`{`), 0644))
	_, err = loadInterference(dir)
	assert.Error(t, err)
}

func TestReport_WritesOutputs(t *testing.T) {
	topologyFile, dir := writeExperiment(t)
	res, err := runExperiment(context.Background(), cluster.Config{Seed: 1}, topologyFile, dir)
	require.NoError(t, err)

	out := t.TempDir()
	metricsPath := filepath.Join(out, "hostsim.prom")
	samplesPath := filepath.Join(out, "samples.csv")
	var buf bytes.Buffer
	require.NoError(t, report(&buf, res, metricsPath, samplesPath))

	assert.Contains(t, buf.String(), "=== Experiment Summary ===")
	assert.FileExists(t, metricsPath)
	samples, err := os.ReadFile(samplesPath)
	require.NoError(t, err)
	assert.Contains(t, string(samples), "node-small-0")
}

func TestReport_PrintsDecisions(t *testing.T) {
	topologyFile, dir := writeExperiment(t)
	cfg := cluster.Config{Seed: 1, DecisionTrace: trace.TraceConfig{Level: trace.TraceLevelDecisions}}
	res, err := runExperiment(context.Background(), cfg, topologyFile, dir)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report(&buf, res, "", ""))

	out := buf.String()
	assert.Contains(t, out, "=== Placement Decisions ===")
	assert.Contains(t, out, "Total Decisions      : 1")
	assert.Contains(t, out, "node-small-0")
}
