package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/hostsim/sim/cluster"
	"github.com/inference-sim/hostsim/sim/kernel"
	"github.com/inference-sim/hostsim/sim/telemetry"
	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/trace"
	"github.com/inference-sim/hostsim/sim/workload"
)

// runExperiment loads the topology and the trace directory and simulates
// them under cfg.
func runExperiment(ctx context.Context, cfg cluster.Config, topologyFile, dir string) (*cluster.Result, error) {
	clusters, err := topology.ReadFile(topologyFile)
	if err != nil {
		return nil, err
	}
	hosts := topology.Hosts(clusters)
	logrus.Infof("Loaded %d clusters with %d hosts from %s", len(clusters), len(hosts), topologyFile)

	vms, err := workload.LoadTraceDir(dir)
	if err != nil {
		return nil, err
	}
	logrus.Infof("Loaded %d VMs from %s", len(vms), dir)

	interference, err := loadInterference(dir)
	if err != nil {
		return nil, err
	}

	runner, err := cluster.NewRunner(cfg, hosts, vms, interference)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx)
}

// loadInterference reads the interference model of a trace directory. A
// directory without one yields a nil model.
func loadInterference(dir string) (*kernel.InterferenceModel, error) {
	path := filepath.Join(dir, workload.InterferenceFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logrus.Debugf("No interference model in %s", dir)
		return nil, nil
	}
	m, err := kernel.LoadInterferenceModel(path)
	if err != nil {
		return nil, err
	}
	logrus.Infof("Loaded %d interference groups", m.Groups())
	return m, nil
}

// report prints the summary of res to w and writes the optional metrics and
// sample files.
func report(w io.Writer, res *cluster.Result, metricsPath, samplesPath string) error {
	telemetry.Summarize(res).Print(w)
	if res.Decisions != nil {
		printDecisions(w, trace.Summarize(res.Decisions))
	}

	if metricsPath != "" {
		if err := telemetry.WriteTextfile(metricsPath, res); err != nil {
			return err
		}
		logrus.Infof("Metrics written to %s", metricsPath)
	}
	if samplesPath != "" {
		f, err := os.Create(samplesPath)
		if err != nil {
			return fmt.Errorf("creating samples file: %w", err)
		}
		if err := telemetry.WriteSamples(f, res); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing samples file: %w", err)
		}
		logrus.Infof("Samples written to %s", samplesPath)
	}
	return nil
}

func printDecisions(w io.Writer, s *trace.TraceSummary) {
	_, _ = fmt.Fprintln(w, "=== Placement Decisions ===")
	_, _ = fmt.Fprintf(w, "Total Decisions      : %d\n", s.TotalDecisions)
	_, _ = fmt.Fprintf(w, "  Placed             : %d\n", s.PlacedCount)
	_, _ = fmt.Fprintf(w, "  Rejected           : %d\n", s.RejectedCount)
	_, _ = fmt.Fprintf(w, "Unique Hosts         : %d\n", s.UniqueHosts)
	_, _ = fmt.Fprintf(w, "Mean Regret (MiB)    : %.3f\n", s.MeanRegret)
	_, _ = fmt.Fprintf(w, "Max Regret (MiB)     : %.3f\n", s.MaxRegret)

	hosts := make([]string, 0, len(s.HostDistribution))
	for h := range s.HostDistribution {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		_, _ = fmt.Fprintf(w, "  %-18s : %d\n", h, s.HostDistribution[h])
	}
}
