package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/inference-sim/hostsim/sim/cluster"
)

// Summary holds the experiment-wide figures printed after a run.
type Summary struct {
	Hosts       int
	VMsPlaced   int
	VMsFinished int
	VMsFailed   int
	Unplaced    int

	EnergyTotal  float64 // J
	EnergyMean   float64 // J per host
	EnergyStdDev float64

	CPUUtilizationMean   float64
	CPUUtilizationStdDev float64

	CPUActive int64
	CPUIdle   int64
	CPUSteal  int64
	CPULost   int64
	GPUActive int64
}

// Summarize computes the summary of res. Utilization statistics are taken
// over the samples of all hosts.
func Summarize(res *cluster.Result) Summary {
	s := Summary{Hosts: len(res.Hosts), Unplaced: len(res.Unplaced)}
	energy := make([]float64, 0, len(res.Hosts))
	var utilization []float64
	for _, h := range res.Hosts {
		s.VMsPlaced += h.VMsPlaced
		s.VMsFinished += h.VMsFinished
		s.VMsFailed += h.VMsFailed
		energy = append(energy, h.EnergyUsage)
		for _, sample := range h.Samples {
			utilization = append(utilization, sample.CPUUtilization())
		}
	}
	if len(energy) > 0 {
		s.EnergyTotal = floats.Sum(energy)
		s.EnergyMean, s.EnergyStdDev = meanStdDev(energy)
	}
	if len(utilization) > 0 {
		s.CPUUtilizationMean, s.CPUUtilizationStdDev = meanStdDev(utilization)
	}
	cpu, gpu := res.CPU(), res.GPU()
	s.CPUActive, s.CPUIdle, s.CPUSteal, s.CPULost = cpu.Active, cpu.Idle, cpu.Steal, cpu.Lost
	s.GPUActive = gpu.Active
	return s
}

// meanStdDev returns the mean and the sample standard deviation, which is
// zero for a single value.
func meanStdDev(x []float64) (float64, float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}

// Print writes the summary in the layout of the other simulation reports.
func (s Summary) Print(w io.Writer) {
	_, _ = fmt.Fprintln(w, "=== Experiment Summary ===")
	_, _ = fmt.Fprintf(w, "Hosts                : %d\n", s.Hosts)
	_, _ = fmt.Fprintf(w, "VMs Placed           : %d\n", s.VMsPlaced)
	_, _ = fmt.Fprintf(w, "VMs Finished         : %d\n", s.VMsFinished)
	if s.VMsFailed > 0 {
		_, _ = fmt.Fprintf(w, "VMs Failed           : %d\n", s.VMsFailed)
	}
	if s.Unplaced > 0 {
		_, _ = fmt.Fprintf(w, "VMs Unplaced         : %d\n", s.Unplaced)
	}
	_, _ = fmt.Fprintf(w, "Energy Total         : %.2f kWh\n", s.EnergyTotal/3.6e6)
	_, _ = fmt.Fprintf(w, "Energy per Host      : %.2f ± %.2f J\n", s.EnergyMean, s.EnergyStdDev)
	_, _ = fmt.Fprintf(w, "CPU Utilization      : %.2f%% ± %.2f%%\n", 100*s.CPUUtilizationMean, 100*s.CPUUtilizationStdDev)
	_, _ = fmt.Fprintf(w, "CPU Time (active)    : %d\n", s.CPUActive)
	_, _ = fmt.Fprintf(w, "CPU Time (idle)      : %d\n", s.CPUIdle)
	_, _ = fmt.Fprintf(w, "CPU Time (steal)     : %d\n", s.CPUSteal)
	_, _ = fmt.Fprintf(w, "CPU Time (lost)      : %d\n", s.CPULost)
	if s.GPUActive > 0 {
		_, _ = fmt.Fprintf(w, "GPU Time (active)    : %d\n", s.GPUActive)
	}
}

var sampleColumns = []string{
	"timestamp", "host", "cpuUsage", "cpuDemand", "cpuCapacity", "gpuUsage", "gpuDemand", "gpuCapacity",
	"powerUsage", "energyUsage", "runningVms", "cpuActive", "cpuIdle", "cpuSteal", "cpuLost",
}

// WriteSamples writes the samples of every host as CSV, host by host.
func WriteSamples(w io.Writer, res *cluster.Result) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(sampleColumns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	for _, h := range res.Hosts {
		for _, s := range h.Samples {
			row := []string{
				i(s.Timestamp), s.Host,
				f(s.CPUUsage), f(s.CPUDemand), f(s.CPUCapacity),
				f(s.GPUUsage), f(s.GPUDemand), f(s.GPUCapacity),
				f(s.PowerUsage), f(s.EnergyUsage), strconv.Itoa(s.RunningVMs),
				i(s.CPU.Active), i(s.CPU.Idle), i(s.CPU.Steal), i(s.CPU.Lost),
			}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("writing sample of %s: %w", h.Name, err)
			}
		}
	}
	writer.Flush()
	return writer.Error()
}
