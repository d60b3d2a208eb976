// Package topology reads cluster descriptions and expands them into the
// physical hosts of an experiment.
//
// A topology file is a ';'-separated table with a header line. Lines starting
// with '#' are comments. Capacities are given in GHz and memory in GB per
// cluster; hosts receive an equal share of the cluster.
package topology

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/inference-sim/hostsim/sim/model"
	"github.com/inference-sim/hostsim/sim/power"
)

// Columns of a topology file, in the order they are written.
var Columns = []string{
	"ClusterID", "ClusterName", "cpuCores", "cpuCapacity", "gpuCount", "gpuCapacity",
	"Memory", "numberOfHosts", "cpuIdleDraw", "cpuMaxDraw", "gpuIdleDraw", "gpuMaxDraw",
}

// Default power draw in watts when a cluster does not state one.
const (
	DefaultMaxDraw  = 350.0
	DefaultIdleDraw = 200.0
)

// ClusterSpec is one row of a topology file, converted to MHz and MiB.
type ClusterSpec struct {
	ID          string
	Name        string
	CPUCount    int
	CPUCapacity float64 // MHz per core
	GPUCount    int
	GPUCapacity float64 // MHz per GPU
	MemCapacity float64 // MiB for the whole cluster
	HostCount   int

	CPUIdleDraw float64
	CPUMaxDraw  float64
	GPUIdleDraw float64
	GPUMaxDraw  float64
}

// MemoryPerHost returns the memory of each host in MiB.
func (c ClusterSpec) MemoryPerHost() float64 {
	return c.MemCapacity / float64(c.HostCount)
}

// CPUsPerHost returns the number of cores of each host.
func (c ClusterSpec) CPUsPerHost() int {
	return c.CPUCount / c.HostCount
}

// GPUsPerHost returns the number of GPUs of each host. A cluster with fewer
// GPUs than hosts still gives every host one GPU carrying its share of the
// cluster's GPU capacity.
func (c ClusterSpec) GPUsPerHost() int {
	if c.GPUCount <= 0 {
		return 0
	}
	return max(1, c.GPUCount/c.HostCount)
}

// GPUSpeedPerHost returns the clock of each GPU of a host in MHz.
func (c ClusterSpec) GPUSpeedPerHost() float64 {
	n := c.GPUsPerHost()
	if n == 0 {
		return 0
	}
	return c.GPUCapacity * float64(c.GPUCount) / float64(c.HostCount*n)
}

// HostSpec describes one physical host. PSU is built from CPUPower and
// GPUPower.
type HostSpec struct {
	UID   uuid.UUID
	Name  string
	Meta  map[string]string
	Model model.MachineModel

	CPUPower power.Model
	GPUPower power.Model
	PSU      power.Factory
}

// ReadFile reads the clusters of a topology file.
func ReadFile(path string) ([]ClusterSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening topology: %w", err)
	}
	defer func() { _ = f.Close() }()
	clusters, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading topology %s: %w", path, err)
	}
	return clusters, nil
}

// Read parses a topology table. The power draw columns are optional.
func Read(r io.Reader) ([]ClusterSpec, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, name := range Columns[:8] {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var clusters []ClusterSpec
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			return clusters, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		c, err := parseRow(index, row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		clusters = append(clusters, c)
	}
}

func parseRow(index map[string]int, row []string) (ClusterSpec, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	var errs []string
	num := func(name string) float64 {
		s := field(name)
		if s == "" {
			return 0
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
		return v
	}

	c := ClusterSpec{
		ID:          field("ClusterID"),
		Name:        field("ClusterName"),
		CPUCount:    int(num("cpuCores")),
		CPUCapacity: num("cpuCapacity") * 1000,
		GPUCount:    int(num("gpuCount")),
		GPUCapacity: num("gpuCapacity") * 1000,
		MemCapacity: num("Memory") * 1000,
		HostCount:   int(num("numberOfHosts")),
		CPUIdleDraw: num("cpuIdleDraw"),
		CPUMaxDraw:  num("cpuMaxDraw"),
		GPUIdleDraw: num("gpuIdleDraw"),
		GPUMaxDraw:  num("gpuMaxDraw"),
	}
	if len(errs) > 0 {
		return c, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	if c.HostCount <= 0 {
		return c, fmt.Errorf("cluster %s: numberOfHosts must be positive, got %d", c.ID, c.HostCount)
	}
	if c.CPUCount < c.HostCount {
		return c, fmt.Errorf("cluster %s: %d cores cannot be spread over %d hosts", c.ID, c.CPUCount, c.HostCount)
	}
	return c, nil
}

// Write emits clusters in the format accepted by Read. Capacities are
// written back in GHz and memory in GB.
func Write(w io.Writer, clusters []ClusterSpec) error {
	writer := csv.NewWriter(w)
	writer.Comma = ';'
	if err := writer.Write(Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, c := range clusters {
		row := []string{
			c.ID, c.Name,
			strconv.Itoa(c.CPUCount), f(c.CPUCapacity / 1000),
			strconv.Itoa(c.GPUCount), f(c.GPUCapacity / 1000),
			f(c.MemCapacity / 1000), strconv.Itoa(c.HostCount),
			f(c.CPUIdleDraw), f(c.CPUMaxDraw), f(c.GPUIdleDraw), f(c.GPUMaxDraw),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing cluster %s: %w", c.ID, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// Hosts expands clusters into hosts. Each host gets a linear power model per
// resource class built from the cluster's idle and max draw, falling back to
// DefaultMaxDraw and DefaultIdleDraw.
func Hosts(clusters []ClusterSpec) []HostSpec {
	var hosts []HostSpec
	for _, c := range clusters {
		hosts = append(hosts, c.hosts(len(hosts))...)
	}
	return hosts
}

func (c ClusterSpec) hosts(offset int) []HostSpec {
	var m model.MachineModel
	for i := 0; i < c.CPUsPerHost(); i++ {
		m.CPUs = append(m.CPUs, model.ProcessingUnit{Vendor: "unknown", ModelName: "unknown", Arch: "unknown", Frequency: c.CPUCapacity})
	}
	speed := c.GPUSpeedPerHost()
	for i := 0; i < c.GPUsPerHost(); i++ {
		m.GPUs = append(m.GPUs, model.GraphicsProcessingUnit{Vendor: "unknown", ModelName: "unknown", Arch: "unknown", Frequency: speed})
	}
	m.Memory = []model.MemoryUnit{{Vendor: "unknown", ModelName: "unknown", Speed: -1, Size: int64(math.Round(c.MemoryPerHost()))}}

	cpuPower := power.Linear(orDefault(c.CPUMaxDraw, DefaultMaxDraw), orDefault(c.CPUIdleDraw, DefaultIdleDraw))
	gpuPower := power.Linear(orDefault(c.GPUMaxDraw, DefaultMaxDraw), orDefault(c.GPUIdleDraw, DefaultIdleDraw))
	psu := power.SimpleGaming(cpuPower, gpuPower)

	hosts := make([]HostSpec, c.HostCount)
	for i := range hosts {
		hosts[i] = HostSpec{
			UID:   uuid.NewMD5(uuid.Nil, []byte(fmt.Sprintf("host-%d", offset+i))),
			Name:  fmt.Sprintf("node-%s-%d", c.Name, i),
			Meta:  map[string]string{"cluster": c.ID},
			Model: m,

			CPUPower: cpuPower,
			GPUPower: gpuPower,
			PSU:      psu,
		}
	}
	return hosts
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
