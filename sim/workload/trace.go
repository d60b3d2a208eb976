// Package workload replays recorded or generated resource usage on a machine.
//
// A Trace is a piecewise-constant usage function stored column-wise. Its
// Player pushes the usage of the current fragment into the machine's
// processing units and wakes up again at the fragment deadline.
package workload

import (
	"fmt"

	"github.com/inference-sim/hostsim/sim"
)

const defaultBuilderCapacity = 256

// Trace is an immutable sequence of usage fragments. Fragment i is in effect
// until Deadline(i), in milliseconds relative to the player offset.
type Trace struct {
	deadlines []int64
	cpuUsage  []float64
	gpuUsage  []float64
	cpuCores  []int
	size      int
}

// NewTrace wraps the given columns. It fails with sim.ErrInvalidTrace when
// size is negative or any column is shorter than size.
func NewTrace(deadlines []int64, cpuUsage, gpuUsage []float64, cpuCores []int, size int) (*Trace, error) {
	if size < 0 {
		return nil, fmt.Errorf("trace size %d is negative: %w", size, sim.ErrInvalidTrace)
	}
	columns := []struct {
		name string
		n    int
	}{
		{"deadline", len(deadlines)},
		{"cpuUsage", len(cpuUsage)},
		{"gpuUsage", len(gpuUsage)},
		{"cpuCores", len(cpuCores)},
	}
	for _, c := range columns {
		if c.n < size {
			return nil, fmt.Errorf("%s column holds %d values, need %d: %w", c.name, c.n, size, sim.ErrInvalidTrace)
		}
	}
	return &Trace{
		deadlines: deadlines,
		cpuUsage:  cpuUsage,
		gpuUsage:  gpuUsage,
		cpuCores:  cpuCores,
		size:      size,
	}, nil
}

// Len returns the number of fragments.
func (t *Trace) Len() int { return t.size }

// Deadline returns the end of fragment i.
func (t *Trace) Deadline(i int) int64 { return t.deadlines[i] }

// CPUUsage returns the CPU usage of fragment i in MHz.
func (t *Trace) CPUUsage(i int) float64 { return t.cpuUsage[i] }

// GPUUsage returns the GPU usage of fragment i in MHz.
func (t *Trace) GPUUsage(i int) float64 { return t.gpuUsage[i] }

// CPUCores returns the number of cores fragment i is spread over.
func (t *Trace) CPUCores(i int) int { return t.cpuCores[i] }

// NewWorkload returns a player for the trace whose deadlines are shifted by
// offset milliseconds.
func (t *Trace) NewWorkload(offset int64) *Player {
	return &Player{trace: t, offset: offset}
}

// Fragment is a span of constant usage.
type Fragment struct {
	Timestamp int64
	Duration  int64
	CPUUsage  float64
	GPUUsage  float64
	CPUCores  int
}

// FromFragments builds a trace with one entry per fragment, ending at
// Timestamp+Duration.
func FromFragments(fragments ...Fragment) *Trace {
	b := NewBuilder(len(fragments))
	for _, f := range fragments {
		b.Add(f.Timestamp+f.Duration, f.CPUUsage, f.GPUUsage, f.CPUCores)
	}
	return b.Build()
}

type builderState int

const (
	builderOpen builderState = iota
	builderSealed
)

// Builder accumulates fragments into a Trace. After Build the columns are
// shared with the trace, so the next Add copies them first.
type Builder struct {
	deadlines []int64
	cpuUsage  []float64
	gpuUsage  []float64
	cpuCores  []int
	size      int
	state     builderState
}

// NewBuilder returns a builder with room for initialCapacity fragments; a
// non-positive capacity selects the default of 256.
func NewBuilder(initialCapacity int) *Builder {
	if initialCapacity <= 0 {
		initialCapacity = defaultBuilderCapacity
	}
	return &Builder{
		deadlines: make([]int64, initialCapacity),
		cpuUsage:  make([]float64, initialCapacity),
		gpuUsage:  make([]float64, initialCapacity),
		cpuCores:  make([]int, initialCapacity),
	}
}

// Add appends a fragment ending at deadline.
func (b *Builder) Add(deadline int64, cpuUsage, gpuUsage float64, cpuCores int) {
	if b.state == builderSealed {
		b.reopen(len(b.deadlines))
	}
	if b.size == len(b.deadlines) {
		b.reopen(2 * len(b.deadlines))
	}
	b.deadlines[b.size] = deadline
	b.cpuUsage[b.size] = cpuUsage
	b.gpuUsage[b.size] = gpuUsage
	b.cpuCores[b.size] = cpuCores
	b.size++
}

// AddCPU appends a fragment without GPU usage.
func (b *Builder) AddCPU(deadline int64, cpuUsage float64, cpuCores int) {
	b.Add(deadline, cpuUsage, 0, cpuCores)
}

// Len returns the number of fragments added so far.
func (b *Builder) Len() int { return b.size }

// Build returns the trace of all fragments added so far.
func (b *Builder) Build() *Trace {
	b.state = builderSealed
	return &Trace{
		deadlines: b.deadlines,
		cpuUsage:  b.cpuUsage,
		gpuUsage:  b.gpuUsage,
		cpuCores:  b.cpuCores,
		size:      b.size,
	}
}

// reopen copies the columns into fresh arrays of the given capacity.
func (b *Builder) reopen(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	deadlines := make([]int64, capacity)
	cpuUsage := make([]float64, capacity)
	gpuUsage := make([]float64, capacity)
	cpuCores := make([]int, capacity)
	copy(deadlines, b.deadlines[:b.size])
	copy(cpuUsage, b.cpuUsage[:b.size])
	copy(gpuUsage, b.gpuUsage[:b.size])
	copy(cpuCores, b.cpuCores[:b.size])
	b.deadlines, b.cpuUsage, b.gpuUsage, b.cpuCores = deadlines, cpuUsage, gpuUsage, cpuCores
	b.state = builderOpen
}
