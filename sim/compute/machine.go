// Package compute implements the bare-metal machine: physical CPUs and GPUs
// modelled as flow stages that forward their achieved rate to a PSU.
package compute

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/model"
	"github.com/inference-sim/hostsim/sim/power"
)

// Machine is a physical host.
type Machine struct {
	graph *flow.Graph
	model model.MachineModel
	psu   power.PSU

	cpus []*cpu
	gpus []*gpu

	run *runContext
}

// NewMachine builds the stages of a physical host in graph.
func NewMachine(graph *flow.Graph, m model.MachineModel, psuFactory power.Factory) *Machine {
	if psuFactory == nil {
		psuFactory = power.Noop()
	}
	machine := &Machine{
		graph: graph,
		model: m,
		psu:   psuFactory(graph),
	}
	for i, c := range m.CPUs {
		u := newUnit(graph, fmt.Sprintf("cpu%d", i), c.Frequency)
		u.power = machine.psu.CPUPort(i, c)
		u.setPower = machine.psu.SetCPUFrequency
		machine.cpus = append(machine.cpus, &cpu{unit: u, model: c})
	}
	for i, g := range m.GPUs {
		u := newUnit(graph, fmt.Sprintf("gpu%d", i), g.Frequency)
		u.power = machine.psu.GPUPort(i, g)
		u.setPower = machine.psu.SetGPUFrequency
		machine.gpus = append(machine.gpus, &gpu{unit: u, model: g})
	}
	for _, u := range machine.units() {
		if u.power != nil {
			graph.Connect(u.out, u.power)
		}
	}
	return machine
}

func (m *Machine) units() []*unit {
	units := make([]*unit, 0, len(m.cpus)+len(m.gpus))
	for _, c := range m.cpus {
		units = append(units, c.unit)
	}
	for _, g := range m.gpus {
		units = append(units, g.unit)
	}
	return units
}

// Model returns the hardware of the machine.
func (m *Machine) Model() model.MachineModel {
	return m.model
}

// Graph returns the graph the machine lives in.
func (m *Machine) Graph() *flow.Graph {
	return m.graph
}

// PSU returns the power supply of the machine.
func (m *Machine) PSU() power.PSU {
	return m.psu
}

// CPUs returns the physical CPUs.
func (m *Machine) CPUs() []sim.ProcessingUnit {
	out := make([]sim.ProcessingUnit, len(m.cpus))
	for i, c := range m.cpus {
		out[i] = c
	}
	return out
}

// GPUs returns the physical GPUs.
func (m *Machine) GPUs() []sim.GraphicsUnit {
	out := make([]sim.GraphicsUnit, len(m.gpus))
	for i, g := range m.gpus {
		out[i] = g
	}
	return out
}

// Running reports whether a workload is running.
func (m *Machine) Running() bool {
	return m.run != nil
}

// Start runs the workload on the machine. It fails with sim.ErrInvalidState
// if a workload is already running. When the workload fails to start, done is
// invoked with the error and the error is returned.
func (m *Machine) Start(w sim.Workload, meta map[string]any, done func(error)) error {
	if m.run != nil {
		return fmt.Errorf("machine already runs a workload: %w", sim.ErrInvalidState)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	rc := &runContext{machine: m, workload: w, meta: meta, done: done}
	m.run = rc
	if err := w.OnStart(rc); err != nil {
		rc.Shutdown(err)
		return fmt.Errorf("starting workload: %w", err)
	}
	return nil
}

// Cancel stops the running workload, if any.
func (m *Machine) Cancel() {
	if m.run != nil {
		m.run.Shutdown(nil)
	}
}

// runContext is the sim.MachineContext of one workload run.
type runContext struct {
	machine  *Machine
	workload sim.Workload
	meta     map[string]any
	done     func(error)
	closed   bool
}

func (c *runContext) Graph() *flow.Graph { return c.machine.graph }

func (c *runContext) CPUs() []sim.ProcessingUnit { return c.machine.CPUs() }

func (c *runContext) GPUs() []sim.GraphicsUnit { return c.machine.GPUs() }

func (c *runContext) Meta() map[string]any { return c.meta }

// Shutdown stops the workload once; later calls have no effect.
func (c *runContext) Shutdown(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.machine.run == c {
		c.machine.run = nil
	}
	c.workload.OnStop(c)
	if cause != nil {
		logrus.Debugf("machine workload stopped with error: %v", cause)
	}
	if c.done != nil {
		c.done(cause)
	}
}
