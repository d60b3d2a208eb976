package kernel

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/model"
)

// VirtualMachine is a machine hosted by a Hypervisor. It implements
// sim.Machine.
type VirtualMachine struct {
	hv    *Hypervisor
	model model.MachineModel

	// inputs holds the multiplexer inputs reserved at admission, per class.
	inputs   [2][]*flow.InPort
	mux      [2]flow.Multiplexer
	counters counters
	ctx      *vmContext
	closed   bool
}

func (vm *VirtualMachine) reserve(hc *hvContext) error {
	vm.mux = hc.mux
	wanted := [2]int{len(vm.model.CPUs), len(vm.model.GPUs)}
	for class, n := range wanted {
		for i := 0; i < n; i++ {
			in, err := hc.mux[class].NewInput()
			if err != nil {
				return err
			}
			vm.inputs[class] = append(vm.inputs[class], in)
		}
	}
	return nil
}

func (vm *VirtualMachine) release() {
	for class, ins := range vm.inputs {
		for _, in := range ins {
			vm.mux[class].ReleaseInput(in)
		}
		vm.inputs[class] = nil
	}
}

// Model implements sim.Machine.
func (vm *VirtualMachine) Model() model.MachineModel {
	return vm.model
}

// Counters returns the counters of the VM.
func (vm *VirtualMachine) Counters() sim.Counters {
	return &vm.counters
}

// Closed reports whether the VM was removed from its hypervisor.
func (vm *VirtualMachine) Closed() bool {
	return vm.closed
}

// Running reports whether a workload runs on the VM.
func (vm *VirtualMachine) Running() bool {
	return vm.ctx != nil
}

// CPUDemand returns the CPU demand of the running workload in MHz.
func (vm *VirtualMachine) CPUDemand() float64 { return vm.sampled(sim.CPU).demand }

// GPUDemand returns the GPU demand of the running workload in MHz.
func (vm *VirtualMachine) GPUDemand() float64 { return vm.sampled(sim.GPU).demand }

// CPUUsage returns the CPU rate granted to the VM in MHz.
func (vm *VirtualMachine) CPUUsage() float64 { return vm.sampled(sim.CPU).rate }

// GPUUsage returns the GPU rate granted to the VM in MHz.
func (vm *VirtualMachine) GPUUsage() float64 { return vm.sampled(sim.GPU).rate }

// CPUCapacity returns the CPU capacity offered to the VM in MHz.
func (vm *VirtualMachine) CPUCapacity() float64 { return vm.sampled(sim.CPU).capacity }

// GPUCapacity returns the GPU capacity offered to the VM in MHz.
func (vm *VirtualMachine) GPUCapacity() float64 { return vm.sampled(sim.GPU).capacity }

func (vm *VirtualMachine) sampled(class sim.ResourceClass) sample {
	if vm.ctx == nil {
		return sample{}
	}
	return vm.ctx.previous[class]
}

// Start implements sim.Machine. It fails with sim.ErrInvalidState when the VM
// was removed, the hypervisor is inactive or a workload already runs.
func (vm *VirtualMachine) Start(w sim.Workload, meta map[string]any, done func(error)) error {
	if vm.closed {
		return fmt.Errorf("virtual machine was removed: %w", sim.ErrInvalidState)
	}
	hc := vm.hv.ctx
	if hc == nil {
		return fmt.Errorf("hypervisor is inactive: %w", sim.ErrInvalidState)
	}
	if vm.ctx != nil {
		return fmt.Errorf("virtual machine already runs a workload: %w", sim.ErrInvalidState)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	c := newVMContext(vm, hc, w, meta, done)
	vm.ctx = c
	vm.counters.sync = func() { c.updateCounters(c.clock.Millis()) }
	if err := w.OnStart(c); err != nil {
		c.Shutdown(err)
		return fmt.Errorf("starting workload: %w", err)
	}
	return nil
}

// Cancel implements sim.Machine.
func (vm *VirtualMachine) Cancel() {
	if vm.ctx != nil {
		vm.ctx.Shutdown(nil)
	}
}

func (vm *VirtualMachine) close() {
	if vm.closed {
		return
	}
	vm.closed = true
	vm.Cancel()
	vm.release()
}

// vmContext binds a running workload to the reserved multiplexer inputs.
// It implements sim.MachineContext.
type vmContext struct {
	vm       *VirtualMachine
	hv       *hvContext
	workload sim.Workload
	meta     map[string]any
	done     func(error)
	member   *InterferenceMember

	stage *flow.Stage
	clock flow.Clock
	cpus  []*vCPU
	gpus  []*vGPU

	// Running totals maintained by the pass-through ports.
	demand   [2]float64
	capacity [2]float64

	factor            [2]float64
	previous          [2]sample
	lastUpdate        int64
	lastCounterUpdate int64
	closed            bool
}

func newVMContext(vm *VirtualMachine, hc *hvContext, w sim.Workload, meta map[string]any, done func(error)) *vmContext {
	g := hc.machine.Graph()
	c := &vmContext{
		vm:       vm,
		hv:       hc,
		workload: w,
		meta:     meta,
		done:     done,
		clock:    hc.clock,
	}
	now := c.clock.Millis()
	c.lastUpdate, c.lastCounterUpdate = now, now

	if p, ok := meta[ProfileMetaKey].(*Profile); ok && p != nil && vm.hv.domain != nil {
		c.member = vm.hv.domain.Join(p)
		c.member.Activate()
	}

	c.stage = g.NewStage("vm", c)

	cpuCapacity, gpuCapacity := 0.0, 0.0
	for i, m := range vm.model.CPUs {
		u := c.newPort(g, sim.CPU, i, m.Frequency)
		c.cpus = append(c.cpus, &vCPU{vPort: u, model: m})
		cpuCapacity += m.Frequency
	}
	for i, m := range vm.model.GPUs {
		u := c.newPort(g, sim.GPU, i, m.Frequency)
		c.gpus = append(c.gpus, &vGPU{vPort: u, model: m})
		gpuCapacity += m.Frequency
	}
	c.factor[sim.CPU] = unitFactor(len(c.cpus), cpuCapacity)
	c.factor[sim.GPU] = unitFactor(len(c.gpus), gpuCapacity)
	return c
}

func (c *vmContext) newPort(g *flow.Graph, class sim.ResourceClass, i int, frequency float64) *vPort {
	p := &vPort{
		ctx:   c,
		class: class,
		in:    c.stage.Inlet(fmt.Sprintf("%s%d", class, i)),
		out:   c.stage.Outlet(fmt.Sprintf("%sMux%d", class, i)),
	}
	p.in.SetHandler(p)
	p.out.SetHandler(p)
	p.in.Pull(frequency)
	g.Connect(p.out, c.vm.inputs[class][i])
	return p
}

// Graph implements sim.MachineContext.
func (c *vmContext) Graph() *flow.Graph { return c.stage.Graph() }

// CPUs implements sim.MachineContext.
func (c *vmContext) CPUs() []sim.ProcessingUnit {
	out := make([]sim.ProcessingUnit, len(c.cpus))
	for i, u := range c.cpus {
		out[i] = u
	}
	return out
}

// GPUs implements sim.MachineContext.
func (c *vmContext) GPUs() []sim.GraphicsUnit {
	out := make([]sim.GraphicsUnit, len(c.gpus))
	for i, u := range c.gpus {
		out[i] = u
	}
	return out
}

// Meta implements sim.MachineContext.
func (c *vmContext) Meta() map[string]any { return c.meta }

// Shutdown implements sim.MachineContext. It runs once: the workload is
// stopped, the counters are flushed, the ports are disconnected from the
// multiplexers and the interference membership ends.
func (c *vmContext) Shutdown(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.vm.ctx == c {
		c.vm.ctx = nil
		c.vm.counters.sync = nil
	}
	c.workload.OnStop(c)

	c.updateCounters(c.clock.Millis())
	c.stage.Close()
	if c.member != nil {
		c.member.Deactivate()
	}
	c.hv.invalidate()

	if cause != nil {
		logrus.Debugf("virtual machine workload stopped with error: %v", cause)
	}
	if c.done != nil {
		c.done(cause)
	}
}

// updateCounters folds the time since the last update into the VM counters,
// using the samples taken at the last stage update.
func (c *vmContext) updateCounters(now int64) {
	delta := now - c.lastCounterUpdate
	c.lastCounterUpdate = now
	if delta <= 0 {
		return
	}
	c.vm.counters.record(sim.CPU, c.previous[sim.CPU], c.factor[sim.CPU], delta)
	c.vm.counters.record(sim.GPU, c.previous[sim.GPU], c.factor[sim.GPU], delta)
}

// OnUpdate implements flow.StageLogic.
func (c *vmContext) OnUpdate(_ *flow.Stage, now int64) int64 {
	c.updateCounters(now)

	for class, ins := range c.vm.inputs {
		rate := 0.0
		for _, in := range ins {
			rate += in.Rate()
		}
		c.previous[class] = sample{demand: c.demand[class], rate: rate, capacity: c.capacity[class]}
	}

	// Lost time is booked on the rate just sampled.
	delta := now - c.lastUpdate
	c.lastUpdate = now
	if delta > 0 && c.member != nil {
		for _, class := range []sim.ResourceClass{sim.CPU, sim.GPU} {
			mux := c.hv.mux[class]
			penalty := 1 - c.member.Apply(c.vm.hv.rng, load(mux.Rate(), mux.Capacity()))
			lost := int64(math.Round(c.factor[class] * float64(delta) * c.previous[class].rate * penalty))
			reportInterferenceLoss(&c.vm.counters, &c.vm.hv.counters, class, lost)
		}
	}

	c.hv.invalidate()
	return flow.Never
}

// vPort forwards demand from a virtual resource to its multiplexer input and
// capacity back, keeping the per-class totals of its context.
type vPort struct {
	ctx   *vmContext
	class sim.ResourceClass
	in    *flow.InPort
	out   *flow.OutPort
}

// OnPush implements flow.InHandler.
func (p *vPort) OnPush(port *flow.InPort, demand float64) {
	p.ctx.demand[p.class] += demand - port.Demand()
	p.out.Push(demand)
}

// OnUpstreamFinish implements flow.InHandler.
func (p *vPort) OnUpstreamFinish(port *flow.InPort) {
	p.ctx.demand[p.class] -= port.Demand()
	p.out.Push(0)
}

// Rate implements flow.RateHandler.
func (p *vPort) Rate(*flow.InPort) float64 {
	return p.out.Rate()
}

// OnPull implements flow.OutHandler.
func (p *vPort) OnPull(port *flow.OutPort, capacity float64) {
	p.ctx.capacity[p.class] += capacity - port.Capacity()
	p.in.Pull(capacity)
}

// OnDownstreamFinish implements flow.OutHandler.
func (p *vPort) OnDownstreamFinish(port *flow.OutPort) {
	p.ctx.capacity[p.class] -= port.Capacity()
	p.in.Pull(0)
}

func (p *vPort) Input() *flow.InPort { return p.in }

func (p *vPort) Frequency() float64 { return p.in.Capacity() }

func (p *vPort) SetFrequency(frequency float64) { p.in.Pull(frequency) }

func (p *vPort) Demand() float64 { return p.in.Demand() }

func (p *vPort) Speed() float64 { return p.in.Rate() }

type vCPU struct {
	*vPort
	model model.ProcessingUnit
}

func (c *vCPU) Model() model.ProcessingUnit { return c.model }

type vGPU struct {
	*vPort
	model model.GraphicsProcessingUnit
}

func (g *vGPU) Model() model.GraphicsProcessingUnit { return g.model }
