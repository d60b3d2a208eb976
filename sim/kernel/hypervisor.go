// Package kernel implements the hypervisor: a workload that runs on a
// physical machine and multiplexes its CPUs and GPUs among virtual machines.
//
// Admission reserves one multiplexer input per virtual CPU and GPU. When a
// VM starts a workload, its context connects a pass-through port per virtual
// resource to the reserved inputs and reports usage, counters and
// interference loss back to the hypervisor.
package kernel

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/kernel/cpufreq"
	"github.com/inference-sim/hostsim/sim/model"
)

// Hypervisor is a sim.Workload hosting virtual machines. It is inert until
// started on a machine.
type Hypervisor struct {
	muxFactory flow.MultiplexerFactory
	rng        *rand.Rand
	governors  cpufreq.Factory
	domain     *InterferenceDomain

	ctx      *hvContext
	vms      []*VirtualMachine
	counters counters
}

// NewHypervisor creates a hypervisor. A nil muxFactory selects an unbounded
// max-min multiplexer; governors and domain may be nil.
func NewHypervisor(muxFactory flow.MultiplexerFactory, rng *rand.Rand, governors cpufreq.Factory, domain *InterferenceDomain) *Hypervisor {
	if muxFactory == nil {
		muxFactory = flow.MaxMinFactory(0)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	return &Hypervisor{
		muxFactory: muxFactory,
		rng:        rng,
		governors:  governors,
		domain:     domain,
	}
}

// Active reports whether the hypervisor runs on a machine.
func (h *Hypervisor) Active() bool {
	return h.ctx != nil
}

// Counters returns the host-level counters.
func (h *Hypervisor) Counters() sim.Counters {
	return &h.counters
}

// VirtualMachines returns the registered VMs in admission order.
func (h *Hypervisor) VirtualMachines() []*VirtualMachine {
	out := make([]*VirtualMachine, len(h.vms))
	copy(out, h.vms)
	return out
}

// FreeSlots returns the number of multiplexer inputs still available for the
// resource class, or 0 when inactive.
func (h *Hypervisor) FreeSlots(class sim.ResourceClass) int {
	if h.ctx == nil {
		return 0
	}
	mux := h.ctx.mux[class]
	return mux.MaxInputs() - mux.InputCount()
}

// CanFit reports whether a machine of the given model can be admitted now.
func (h *Hypervisor) CanFit(m model.MachineModel) bool {
	return h.ctx != nil &&
		h.FreeSlots(sim.CPU) >= len(m.CPUs) &&
		h.FreeSlots(sim.GPU) >= len(m.GPUs)
}

// NewMachine admits a virtual machine and reserves its multiplexer inputs.
func (h *Hypervisor) NewMachine(m model.MachineModel) (*VirtualMachine, error) {
	if h.ctx == nil {
		return nil, fmt.Errorf("hypervisor is inactive: %w", sim.ErrInvalidState)
	}
	if !h.CanFit(m) {
		return nil, fmt.Errorf("machine with %d CPUs and %d GPUs does not fit (%d/%d free): %w",
			len(m.CPUs), len(m.GPUs), h.FreeSlots(sim.CPU), h.FreeSlots(sim.GPU), sim.ErrCapacityExceeded)
	}

	vm := &VirtualMachine{hv: h, model: m}
	if err := vm.reserve(h.ctx); err != nil {
		vm.release()
		return nil, fmt.Errorf("reserving inputs: %w", sim.ErrCapacityExceeded)
	}
	h.vms = append(h.vms, vm)
	return vm, nil
}

// RemoveMachine closes the VM, cancelling its workload, and releases its
// multiplexer inputs. Removing an unknown VM has no effect.
func (h *Hypervisor) RemoveMachine(vm *VirtualMachine) {
	for i, v := range h.vms {
		if v == vm {
			h.vms = append(h.vms[:i], h.vms[i+1:]...)
			vm.close()
			return
		}
	}
}

// CPUCapacity returns the aggregate CPU capacity in MHz.
func (h *Hypervisor) CPUCapacity() float64 { return h.sampled(sim.CPU).capacity }

// GPUCapacity returns the aggregate GPU capacity in MHz.
func (h *Hypervisor) GPUCapacity() float64 { return h.sampled(sim.GPU).capacity }

// CPUDemand returns the aggregate CPU demand in MHz.
func (h *Hypervisor) CPUDemand() float64 { return h.sampled(sim.CPU).demand }

// GPUDemand returns the aggregate GPU demand in MHz.
func (h *Hypervisor) GPUDemand() float64 { return h.sampled(sim.GPU).demand }

// CPUUsage returns the aggregate CPU usage in MHz.
func (h *Hypervisor) CPUUsage() float64 { return h.sampled(sim.CPU).rate }

// GPUUsage returns the aggregate GPU usage in MHz.
func (h *Hypervisor) GPUUsage() float64 { return h.sampled(sim.GPU).rate }

func (h *Hypervisor) sampled(class sim.ResourceClass) sample {
	if h.ctx == nil {
		return sample{}
	}
	return h.ctx.previous[class]
}

// OnStart implements sim.Workload. Every physical CPU and GPU is connected
// to an output of its class multiplexer and one governor is created per CPU.
func (h *Hypervisor) OnStart(ctx sim.MachineContext) error {
	if h.ctx != nil {
		return fmt.Errorf("hypervisor already started: %w", sim.ErrInvalidState)
	}
	hc := newHVContext(ctx, h)
	h.ctx = hc
	h.counters.sync = func() { hc.updateCounters(hc.clock.Millis()) }
	hc.start()
	logrus.Debugf("hypervisor started with %d CPUs and %d GPUs", len(ctx.CPUs()), len(ctx.GPUs()))
	return nil
}

// OnStop implements sim.Workload. The counters are flushed and every VM is
// closed, since its inputs disappear with the multiplexers.
func (h *Hypervisor) OnStop(sim.MachineContext) {
	hc := h.ctx
	if hc == nil {
		return
	}
	for _, vm := range h.vms {
		vm.close()
	}
	h.vms = nil
	h.ctx = nil
	h.counters.sync = nil
	hc.stop()
	logrus.Debugf("hypervisor stopped")
}

// Snapshot implements sim.Workload. A hypervisor cannot be snapshotted;
// only the workloads of its VMs can.
func (h *Hypervisor) Snapshot() (sim.Workload, error) {
	return nil, fmt.Errorf("hypervisor: %w", sim.ErrUnsupportedSnapshot)
}

// hvContext is the state of a hypervisor while it runs on a machine.
type hvContext struct {
	machine   sim.MachineContext
	hv        *Hypervisor
	clock     flow.Clock
	stage     *flow.Stage
	mux       [2]flow.Multiplexer
	outputs   [2][]*flow.OutPort
	governors []cpufreq.Governor

	factor            [2]float64
	previous          [2]sample
	lastCounterUpdate int64
}

func newHVContext(ctx sim.MachineContext, h *Hypervisor) *hvContext {
	g := ctx.Graph()
	hc := &hvContext{
		machine: ctx,
		hv:      h,
		clock:   g.Clock(),
	}
	hc.mux[sim.CPU] = h.muxFactory(g)
	hc.mux[sim.GPU] = h.muxFactory(g)
	hc.lastCounterUpdate = hc.clock.Millis()

	cpus, gpus := ctx.CPUs(), ctx.GPUs()
	cpuCapacity, gpuCapacity := 0.0, 0.0
	for _, c := range cpus {
		cpuCapacity += c.Frequency()
	}
	for _, u := range gpus {
		gpuCapacity += u.Frequency()
	}
	hc.factor[sim.CPU] = unitFactor(len(cpus), cpuCapacity)
	hc.factor[sim.GPU] = unitFactor(len(gpus), gpuCapacity)

	if h.governors != nil {
		for _, c := range cpus {
			hc.governors = append(hc.governors, h.governors(cpufreq.NewPolicy(c)))
		}
	}
	hc.stage = g.NewStage("hypervisor", hc)
	return hc
}

func (hc *hvContext) start() {
	g := hc.machine.Graph()
	for _, c := range hc.machine.CPUs() {
		hc.connect(g, sim.CPU, c.Input())
	}
	for _, u := range hc.machine.GPUs() {
		hc.connect(g, sim.GPU, u.Input())
	}
	for _, gov := range hc.governors {
		gov.OnStart()
	}
}

func (hc *hvContext) connect(g *flow.Graph, class sim.ResourceClass, in *flow.InPort) {
	out := hc.mux[class].NewOutput()
	g.Connect(out, in)
	hc.outputs[class] = append(hc.outputs[class], out)
}

func (hc *hvContext) stop() {
	hc.updateCounters(hc.clock.Millis())
	hc.stage.Close()
	for class, mux := range hc.mux {
		for _, out := range hc.outputs[class] {
			mux.ReleaseOutput(out)
		}
	}
}

func (hc *hvContext) invalidate() {
	hc.stage.Invalidate()
}

// updateCounters folds the time since the last update into the host
// counters, using the samples taken at the last stage update.
func (hc *hvContext) updateCounters(now int64) {
	delta := now - hc.lastCounterUpdate
	hc.lastCounterUpdate = now
	if delta <= 0 {
		return
	}
	c := &hc.hv.counters
	c.record(sim.CPU, hc.previous[sim.CPU], hc.factor[sim.CPU], delta)
	c.record(sim.GPU, hc.previous[sim.GPU], hc.factor[sim.GPU], delta)
}

// OnUpdate implements flow.StageLogic.
func (hc *hvContext) OnUpdate(_ *flow.Stage, now int64) int64 {
	hc.updateCounters(now)

	for _, class := range []sim.ResourceClass{sim.CPU, sim.GPU} {
		mux := hc.mux[class]
		hc.previous[class] = sample{demand: mux.Demand(), rate: mux.Rate(), capacity: mux.Capacity()}
	}

	if len(hc.governors) > 0 {
		cpu := hc.previous[sim.CPU]
		l := load(cpu.rate, cpu.capacity)
		for _, gov := range hc.governors {
			gov.OnLimit(l)
		}
	}
	return flow.Never
}
