// Package telemetry reports the results of an experiment: as Prometheus
// metrics, as a console summary and as a CSV export of host samples.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/cluster"
)

// UtilizationBuckets are the upper bounds of the CPU utilization histogram.
var UtilizationBuckets = prometheus.LinearBuckets(0.1, 0.1, 10)

// Collector exposes a finished experiment as constant metrics.
type Collector struct {
	result *cluster.Result

	cpuTime     *prometheus.Desc
	gpuTime     *prometheus.Desc
	energy      *prometheus.Desc
	vms         *prometheus.Desc
	unplaced    *prometheus.Desc
	utilization *prometheus.Desc
}

// NewCollector creates a collector over res.
func NewCollector(res *cluster.Result) *Collector {
	hostLabels := []string{"host", "cluster"}
	return &Collector{
		result: res,
		cpuTime: prometheus.NewDesc(
			"hostsim_host_cpu_seconds_total",
			"CPU time of the host by state, in core-seconds.",
			append(hostLabels, "state"),
			nil,
		),
		gpuTime: prometheus.NewDesc(
			"hostsim_host_gpu_seconds_total",
			"GPU time of the host by state, in GPU-seconds.",
			append(hostLabels, "state"),
			nil,
		),
		energy: prometheus.NewDesc(
			"hostsim_host_energy_joules_total",
			"Energy consumed by the host.",
			hostLabels,
			nil,
		),
		vms: prometheus.NewDesc(
			"hostsim_host_vms",
			"Virtual machines of the host by outcome.",
			append(hostLabels, "outcome"),
			nil,
		),
		unplaced: prometheus.NewDesc(
			"hostsim_unplaced_vms",
			"Virtual machines no host could take.",
			nil,
			nil,
		),
		utilization: prometheus.NewDesc(
			"hostsim_host_cpu_utilization",
			"CPU utilization of the host over its samples.",
			hostLabels,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuTime
	ch <- c.gpuTime
	ch <- c.energy
	ch <- c.vms
	ch <- c.unplaced
	ch <- c.utilization
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.result.Hosts {
		c.collectTime(ch, c.cpuTime, h, h.CPU)
		c.collectTime(ch, c.gpuTime, h, h.GPU)
		ch <- prometheus.MustNewConstMetric(c.energy, prometheus.CounterValue, h.EnergyUsage, h.Name, h.Cluster)

		outcomes := map[string]int{
			"placed":      h.VMsPlaced,
			"finished":    h.VMsFinished,
			"failed":      h.VMsFailed,
			"interrupted": h.VMsInterrupted,
		}
		for outcome, n := range outcomes {
			ch <- prometheus.MustNewConstMetric(c.vms, prometheus.GaugeValue, float64(n), h.Name, h.Cluster, outcome)
		}

		count, sum, buckets := utilizationHistogram(h.Samples)
		ch <- prometheus.MustNewConstHistogram(c.utilization, count, sum, buckets, h.Name, h.Cluster)
	}
	ch <- prometheus.MustNewConstMetric(c.unplaced, prometheus.GaugeValue, float64(len(c.result.Unplaced)))
}

func (c *Collector) collectTime(ch chan<- prometheus.Metric, desc *prometheus.Desc, h cluster.HostResult, set sim.CounterSet) {
	states := map[string]int64{
		"active": set.Active,
		"idle":   set.Idle,
		"steal":  set.Steal,
		"lost":   set.Lost,
	}
	for state, v := range states {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v)/1000, h.Name, h.Cluster, state)
	}
}

// utilizationHistogram returns the cumulative bucket counts of the CPU
// utilization of samples.
func utilizationHistogram(samples []cluster.HostSample) (uint64, float64, map[float64]uint64) {
	buckets := make(map[float64]uint64, len(UtilizationBuckets))
	for _, b := range UtilizationBuckets {
		buckets[b] = 0
	}
	var sum float64
	for _, s := range samples {
		u := s.CPUUtilization()
		sum += u
		for _, b := range UtilizationBuckets {
			if u <= b {
				buckets[b]++
			}
		}
	}
	return uint64(len(samples)), sum, buckets
}

// WriteTextfile writes the metrics of res in the Prometheus text format,
// for the node exporter's textfile collector.
func WriteTextfile(path string, res *cluster.Result) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(res)); err != nil {
		return fmt.Errorf("registering collector: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
