package sim

import (
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/model"
)

// ResourceClass tags the kind of processing resource a port carries.
type ResourceClass int

const (
	CPU ResourceClass = iota
	GPU
)

func (c ResourceClass) String() string {
	switch c {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// Resource is a processing resource of a running machine, as seen by the
// workload. The workload pushes its demand into Input().
type Resource interface {
	Input() *flow.InPort
	// Frequency returns the current clock in MHz.
	Frequency() float64
	SetFrequency(frequency float64)
	// Demand returns the demand currently pushed by the workload.
	Demand() float64
	// Speed returns the achieved rate.
	Speed() float64
}

// ProcessingUnit is a CPU of a running machine.
type ProcessingUnit interface {
	Resource
	Model() model.ProcessingUnit
}

// GraphicsUnit is a GPU of a running machine.
type GraphicsUnit interface {
	Resource
	Model() model.GraphicsProcessingUnit
}

// MachineContext is handed to a workload while it runs on a machine.
type MachineContext interface {
	Graph() *flow.Graph
	CPUs() []ProcessingUnit
	GPUs() []GraphicsUnit
	Meta() map[string]any
	// Shutdown stops the workload. A nil cause means it completed normally.
	Shutdown(cause error)
}

// Workload runs on a machine. OnStart wires the workload into the context's
// resources; OnStop tears it down.
type Workload interface {
	OnStart(ctx MachineContext) error
	OnStop(ctx MachineContext)
	// Snapshot returns a workload that resumes from the current position.
	Snapshot() (Workload, error)
}

// Machine runs one workload at a time.
type Machine interface {
	Model() model.MachineModel
	// Start runs the workload. done is invoked once when the workload stops,
	// with the cause passed to Shutdown or nil on cancellation.
	Start(w Workload, meta map[string]any, done func(error)) error
	// Cancel stops the running workload, if any.
	Cancel()
}

// CounterSet holds the cumulative time counters of one resource class, in
// resource-milliseconds.
type CounterSet struct {
	Active int64
	Idle   int64
	Steal  int64
	Lost   int64
}

// Add returns the element-wise sum of two counter sets.
func (c CounterSet) Add(o CounterSet) CounterSet {
	return CounterSet{
		Active: c.Active + o.Active,
		Idle:   c.Idle + o.Idle,
		Steal:  c.Steal + o.Steal,
		Lost:   c.Lost + o.Lost,
	}
}

// Counters exposes the time counters of a machine.
type Counters interface {
	CPU() CounterSet
	GPU() CounterSet
	// Sync folds the time elapsed since the last update into the counters.
	Sync()
}
