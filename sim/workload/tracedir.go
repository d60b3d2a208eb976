package workload

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/inference-sim/hostsim/sim/model"
)

// File names inside a trace directory.
const (
	TraceFile        = "trace.csv"
	MetaFile         = "meta.csv"
	InterferenceFile = "interference-model.json"
)

// TraceRow is one usage fragment of a VM. Timestamp marks the END of the
// fragment, in epoch milliseconds; the fragment covers
// [Timestamp-Duration, Timestamp).
type TraceRow struct {
	ID        string
	Timestamp int64
	Duration  int64
	CPUCores  int
	CPUUsage  float64 // MHz
	GPUCount  int
	GPUUsage  float64 // MHz
}

// MetaRow describes the resources of a VM.
type MetaRow struct {
	ID          string
	StartTime   int64 // epoch ms
	StopTime    int64 // epoch ms
	CPUCores    int
	CPUCapacity float64 // MHz per core
	GPUCount    int
	GPUCapacity float64 // MHz per GPU
	MemCapacity int64   // MiB
}

var traceColumns = []string{"id", "timestamp", "duration", "cpuCores", "cpuUsage", "gpuCount", "gpuUsage"}

var metaColumns = []string{"id", "startTime", "stopTime", "cpuCores", "cpuCapacity", "gpuCount", "gpuCapacity", "memCapacity"}

// VirtualMachine is a VM of a workload trace together with its usage.
type VirtualMachine struct {
	UID         uuid.UUID
	ID          string
	CPUCount    int
	CPUCapacity float64 // MHz per core
	GPUCount    int
	GPUCapacity float64 // MHz per GPU
	MemCapacity int64   // MiB
	TotalLoad   float64 // MHz·s of CPU work
	StartTime   int64
	StopTime    int64
	Trace       *Trace
}

// Model returns the hardware requested by the VM.
func (vm VirtualMachine) Model() model.MachineModel {
	var m model.MachineModel
	for i := 0; i < vm.CPUCount; i++ {
		m.CPUs = append(m.CPUs, model.ProcessingUnit{Vendor: "Virtual", ModelName: "vCPU", Arch: "virtual", Frequency: vm.CPUCapacity})
	}
	for i := 0; i < vm.GPUCount; i++ {
		m.GPUs = append(m.GPUs, model.GraphicsProcessingUnit{Vendor: "Virtual", ModelName: "vGPU", Arch: "virtual", Frequency: vm.GPUCapacity})
	}
	if vm.MemCapacity > 0 {
		m.Memory = []model.MemoryUnit{{Vendor: "Virtual", ModelName: "vRAM", Size: vm.MemCapacity}}
	}
	return m
}

// fragmentBuilder turns possibly gapped fragments into a contiguous trace:
// idle fragments are inserted wherever a fragment does not start at the
// previous deadline.
type fragmentBuilder struct {
	builder          *Builder
	previousDeadline int64
	totalLoad        float64
}

func newFragmentBuilder() *fragmentBuilder {
	return &fragmentBuilder{builder: NewBuilder(0), previousDeadline: math.MinInt64}
}

func (b *fragmentBuilder) add(start, deadline int64, cpuUsage, gpuUsage float64, cores int) {
	duration := max(0, deadline-start)
	b.totalLoad += cpuUsage * float64(duration) / 1000

	if start != b.previousDeadline {
		b.builder.Add(start, 0, 0, cores)
	}
	b.builder.Add(deadline, cpuUsage, gpuUsage, cores)
	b.previousDeadline = deadline
}

// LoadTraceDir reads trace.csv and meta.csv from dir. VMs without fragments
// are skipped; the result is ordered by start time.
func LoadTraceDir(dir string) ([]VirtualMachine, error) {
	fragments, err := loadFragments(filepath.Join(dir, TraceFile))
	if err != nil {
		return nil, err
	}
	metas, err := LoadMeta(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}

	vms := make([]VirtualMachine, 0, len(metas))
	for counter, m := range metas {
		fb, ok := fragments[m.ID]
		if !ok {
			continue
		}
		vms = append(vms, VirtualMachine{
			UID:         uuid.NewMD5(uuid.Nil, []byte(fmt.Sprintf("%s-%d", m.ID, counter))),
			ID:          m.ID,
			CPUCount:    m.CPUCores,
			CPUCapacity: m.CPUCapacity,
			GPUCount:    m.GPUCount,
			GPUCapacity: m.GPUCapacity,
			MemCapacity: m.MemCapacity,
			TotalLoad:   fb.totalLoad,
			StartTime:   m.StartTime,
			StopTime:    m.StopTime,
			Trace:       fb.builder.Build(),
		})
	}
	sort.SliceStable(vms, func(i, j int) bool { return vms[i].StartTime < vms[j].StartTime })
	return vms, nil
}

func loadFragments(path string) (map[string]*fragmentBuilder, error) {
	rows, err := LoadTraceRows(path)
	if err != nil {
		return nil, err
	}
	fragments := make(map[string]*fragmentBuilder)
	for _, r := range rows {
		fb, ok := fragments[r.ID]
		if !ok {
			fb = newFragmentBuilder()
			fragments[r.ID] = fb
		}
		fb.add(r.Timestamp-r.Duration, r.Timestamp, r.CPUUsage, r.GPUUsage, r.CPUCores)
	}
	return fragments, nil
}

// LoadTraceRows reads a trace.csv file. The gpuCount and gpuUsage columns are
// optional.
func LoadTraceRows(path string) ([]TraceRow, error) {
	var rows []TraceRow
	err := readCSV(path, []string{"id", "timestamp", "duration", "cpuCores", "cpuUsage"}, func(get fieldGetter) error {
		var r TraceRow
		var err error
		r.ID = get.str("id")
		if r.Timestamp, err = get.int64Val("timestamp"); err != nil {
			return err
		}
		if r.Duration, err = get.int64Val("duration"); err != nil {
			return err
		}
		if r.CPUCores, err = get.intVal("cpuCores"); err != nil {
			return err
		}
		if r.CPUUsage, err = get.floatVal("cpuUsage"); err != nil {
			return err
		}
		if r.GPUCount, err = get.intVal("gpuCount"); err != nil {
			return err
		}
		if r.GPUUsage, err = get.floatVal("gpuUsage"); err != nil {
			return err
		}
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading trace %s: %w", path, err)
	}
	return rows, nil
}

// LoadMeta reads a meta.csv file. The gpuCount, gpuCapacity and memCapacity
// columns are optional.
func LoadMeta(path string) ([]MetaRow, error) {
	var rows []MetaRow
	err := readCSV(path, []string{"id", "startTime", "stopTime", "cpuCores", "cpuCapacity"}, func(get fieldGetter) error {
		var r MetaRow
		var err error
		r.ID = get.str("id")
		if r.StartTime, err = get.int64Val("startTime"); err != nil {
			return err
		}
		if r.StopTime, err = get.int64Val("stopTime"); err != nil {
			return err
		}
		if r.CPUCores, err = get.intVal("cpuCores"); err != nil {
			return err
		}
		if r.CPUCapacity, err = get.floatVal("cpuCapacity"); err != nil {
			return err
		}
		if r.GPUCount, err = get.intVal("gpuCount"); err != nil {
			return err
		}
		if r.GPUCapacity, err = get.floatVal("gpuCapacity"); err != nil {
			return err
		}
		if r.MemCapacity, err = get.int64Val("memCapacity"); err != nil {
			return err
		}
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading meta %s: %w", path, err)
	}
	return rows, nil
}

// ExportTraceDir writes trace.csv and meta.csv into dir, creating it if
// needed. Timestamps use integer formatting.
func ExportTraceDir(dir string, trace []TraceRow, meta []MetaRow) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating trace directory: %w", err)
	}

	traceRows := make([][]string, 0, len(trace))
	for _, r := range trace {
		traceRows = append(traceRows, []string{
			r.ID,
			strconv.FormatInt(r.Timestamp, 10),
			strconv.FormatInt(r.Duration, 10),
			strconv.Itoa(r.CPUCores),
			strconv.FormatFloat(r.CPUUsage, 'f', -1, 64),
			strconv.Itoa(r.GPUCount),
			strconv.FormatFloat(r.GPUUsage, 'f', -1, 64),
		})
	}
	if err := writeCSV(filepath.Join(dir, TraceFile), traceColumns, traceRows); err != nil {
		return err
	}

	metaRows := make([][]string, 0, len(meta))
	for _, r := range meta {
		metaRows = append(metaRows, []string{
			r.ID,
			strconv.FormatInt(r.StartTime, 10),
			strconv.FormatInt(r.StopTime, 10),
			strconv.Itoa(r.CPUCores),
			strconv.FormatFloat(r.CPUCapacity, 'f', -1, 64),
			strconv.Itoa(r.GPUCount),
			strconv.FormatFloat(r.GPUCapacity, 'f', -1, 64),
			strconv.FormatInt(r.MemCapacity, 10),
		})
	}
	return writeCSV(filepath.Join(dir, MetaFile), metaColumns, metaRows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for i, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", i, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return nil
}

// fieldGetter reads named columns of the current CSV row. Missing optional
// columns read as zero.
type fieldGetter struct {
	index map[string]int
	row   []string
	line  int
}

func (g fieldGetter) str(name string) string {
	i, ok := g.index[name]
	if !ok || i >= len(g.row) {
		return ""
	}
	return g.row[i]
}

func (g fieldGetter) int64Val(name string) (int64, error) {
	s := g.str(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: column %s: %w", g.line, name, err)
	}
	return v, nil
}

func (g fieldGetter) intVal(name string) (int, error) {
	v, err := g.int64Val(name)
	return int(v), err
}

func (g fieldGetter) floatVal(name string) (float64, error) {
	s := g.str(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: column %s: %w", g.line, name, err)
	}
	return v, nil
}

func readCSV(path string, required []string, fn func(get fieldGetter) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading CSV header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range required {
		if _, ok := index[name]; !ok {
			return fmt.Errorf("missing column %q", name)
		}
	}

	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading CSV row: %w", err)
		}
		line++
		if err := fn(fieldGetter{index: index, row: row, line: line}); err != nil {
			return err
		}
	}
}
