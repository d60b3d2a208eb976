package power

import (
	"fmt"

	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/model"
)

// PSU is the power supply stage of a machine. Processing units push their
// achieved rate into the PSU through the ports it hands out; the PSU converts
// the summed usage into a power draw and integrates energy over time.
type PSU interface {
	// PowerDemand returns the usage pushed into the PSU by all processing
	// units, in MHz.
	PowerDemand() float64
	// PowerUsage returns the power currently drawn, in watts.
	PowerUsage() float64
	// EnergyUsage returns the energy consumed up to the current instant, in
	// joules.
	EnergyUsage() float64

	// CPUPort returns the inlet a CPU pushes its usage into.
	CPUPort(id int, cpu model.ProcessingUnit) *flow.InPort
	// GPUPort returns the inlet a GPU pushes its usage into, or nil when the
	// PSU does not account for GPUs.
	GPUPort(id int, gpu model.GraphicsProcessingUnit) *flow.InPort

	// SetCPUFrequency records a new clock for the CPU behind port.
	SetCPUFrequency(port *flow.InPort, capacity float64)
	// SetGPUFrequency records a new clock for the GPU behind port.
	SetGPUFrequency(port *flow.InPort, capacity float64)

	// Outlet is the outlet the PSU pushes its power demand into.
	Outlet() *flow.OutPort
}

// Factory creates a PSU inside a graph.
type Factory func(g *flow.Graph) PSU

// Noop returns a factory of PSUs that report no power at all.
func Noop() Factory {
	return func(g *flow.Graph) PSU {
		p := &noopPSU{}
		p.stage = g.NewStage("psu", flow.StageLogicFunc(func(*flow.Stage, int64) int64 {
			return flow.Never
		}))
		p.out = p.stage.Outlet("out")
		return p
	}
}

// Simple returns a factory of PSUs that derive power from CPU utilization
// only.
func Simple(cpu Model) Factory {
	return func(g *flow.Graph) PSU {
		return newMeteredPSU(g, cpu, nil)
	}
}

// SimpleGaming returns a factory of PSUs that add up CPU and GPU power,
// each driven by the utilization of its own class.
func SimpleGaming(cpu, gpu Model) Factory {
	return func(g *flow.Graph) PSU {
		return newMeteredPSU(g, cpu, gpu)
	}
}

type noopPSU struct {
	stage *flow.Stage
	out   *flow.OutPort
}

func (p *noopPSU) PowerDemand() float64 { return 0 }
func (p *noopPSU) PowerUsage() float64  { return 0 }
func (p *noopPSU) EnergyUsage() float64 { return 0 }

func (p *noopPSU) CPUPort(id int, _ model.ProcessingUnit) *flow.InPort {
	return p.stage.Inlet(fmt.Sprintf("cpu%d", id))
}

func (p *noopPSU) GPUPort(int, model.GraphicsProcessingUnit) *flow.InPort {
	return nil
}

func (p *noopPSU) SetCPUFrequency(port *flow.InPort, capacity float64) {
	port.Pull(capacity)
}

func (p *noopPSU) SetGPUFrequency(port *flow.InPort, capacity float64) {
	if port != nil {
		port.Pull(capacity)
	}
}

func (p *noopPSU) Outlet() *flow.OutPort { return p.out }

// classUsage tracks the summed usage and clock of one resource class.
type classUsage struct {
	model      Model
	total      float64
	targetFreq float64
}

func (c *classUsage) OnPush(port *flow.InPort, demand float64) {
	c.total += -port.Demand() + demand
}

func (c *classUsage) OnUpstreamFinish(port *flow.InPort) {
	c.total -= port.Demand()
}

// utilization returns total/targetFreq, or 0 without any clock.
func (c *classUsage) utilization() float64 {
	if c.targetFreq <= 0 {
		return 0
	}
	return c.total / c.targetFreq
}

func (c *classUsage) power() float64 {
	if c == nil || c.model == nil {
		return 0
	}
	return c.model.ComputePower(c.utilization())
}

// meteredPSU implements both the simple and the gaming PSU; the simple one
// has no GPU class.
type meteredPSU struct {
	stage *flow.Stage
	out   *flow.OutPort
	clock flow.Clock

	cpu *classUsage
	gpu *classUsage

	powerUsage float64
	energy     float64
	lastUpdate int64
}

func newMeteredPSU(g *flow.Graph, cpu, gpu Model) *meteredPSU {
	p := &meteredPSU{
		clock: g.Clock(),
		cpu:   &classUsage{model: cpu},
	}
	if gpu != nil {
		p.gpu = &classUsage{model: gpu}
	}
	p.lastUpdate = p.clock.Millis()
	p.stage = g.NewStage("psu", p)
	p.out = p.stage.Outlet("out")
	return p
}

func (p *meteredPSU) PowerDemand() float64 {
	demand := p.cpu.total
	if p.gpu != nil {
		demand += p.gpu.total
	}
	return demand
}

func (p *meteredPSU) PowerUsage() float64 { return p.powerUsage }

func (p *meteredPSU) EnergyUsage() float64 {
	p.updateEnergy(p.clock.Millis())
	return p.energy
}

func (p *meteredPSU) CPUPort(id int, cpu model.ProcessingUnit) *flow.InPort {
	port := p.stage.Inlet(fmt.Sprintf("cpu%d", id))
	port.SetHandler(p.cpu)
	p.cpu.targetFreq += cpu.Frequency
	port.Pull(cpu.Frequency)
	return port
}

func (p *meteredPSU) GPUPort(id int, gpu model.GraphicsProcessingUnit) *flow.InPort {
	if p.gpu == nil {
		return nil
	}
	port := p.stage.Inlet(fmt.Sprintf("gpu%d", id))
	port.SetHandler(p.gpu)
	p.gpu.targetFreq += gpu.Frequency
	port.Pull(gpu.Frequency)
	return port
}

func (p *meteredPSU) SetCPUFrequency(port *flow.InPort, capacity float64) {
	p.cpu.targetFreq += -port.Capacity() + capacity
	port.Pull(capacity)
	p.stage.Invalidate()
}

func (p *meteredPSU) SetGPUFrequency(port *flow.InPort, capacity float64) {
	if p.gpu == nil || port == nil {
		return
	}
	p.gpu.targetFreq += -port.Capacity() + capacity
	port.Pull(capacity)
	p.stage.Invalidate()
}

func (p *meteredPSU) Outlet() *flow.OutPort { return p.out }

// OnUpdate implements flow.StageLogic.
func (p *meteredPSU) OnUpdate(_ *flow.Stage, now int64) int64 {
	p.updateEnergy(now)
	p.powerUsage = p.cpu.power() + p.gpu.power()
	p.out.Push(p.powerUsage)
	return flow.Never
}

// updateEnergy integrates the power in effect since the previous update.
func (p *meteredPSU) updateEnergy(now int64) {
	if duration := now - p.lastUpdate; duration > 0 {
		p.energy += p.powerUsage * float64(duration) * 0.001
		p.lastUpdate = now
	}
}
