package cluster

import (
	"context"
	"errors"
	"math/rand"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/compute"
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/kernel"
	"github.com/inference-sim/hostsim/sim/kernel/cpufreq"
	"github.com/inference-sim/hostsim/sim/power"
	"github.com/inference-sim/hostsim/sim/workload"
)

// HostSample is the state of a host at one instant.
type HostSample struct {
	Timestamp int64 // epoch ms
	Host      string

	CPUUsage    float64 // MHz
	CPUDemand   float64 // MHz
	CPUCapacity float64 // MHz
	GPUUsage    float64 // MHz
	GPUDemand   float64 // MHz
	GPUCapacity float64 // MHz

	PowerUsage  float64 // W
	EnergyUsage float64 // J, cumulative
	RunningVMs  int

	CPU sim.CounterSet
	GPU sim.CounterSet
}

// CPUUtilization returns CPU usage over capacity, or 0 without capacity.
func (s HostSample) CPUUtilization() float64 {
	if s.CPUCapacity <= 0 {
		return 0
	}
	return s.CPUUsage / s.CPUCapacity
}

// HostResult is the outcome of one host after the run.
type HostResult struct {
	UID     uuid.UUID
	Name    string
	Cluster string

	CPU         sim.CounterSet
	GPU         sim.CounterSet
	EnergyUsage float64 // J
	End         int64   // epoch ms

	VMsPlaced      int
	VMsFinished    int
	VMsFailed      int
	VMsInterrupted int

	Samples []HostSample
}

// hostSetup is everything a host needs to run, prepared before the hosts are
// handed to goroutines.
type hostSetup struct {
	plan      *hostPlan
	psu       power.Factory
	mux       flow.MultiplexerFactory
	governors cpufreq.Factory
	rng       *rand.Rand
	model     *kernel.InterferenceModel
	base      int64
	horizon   int64
	interval  int64
}

// host simulates one physical machine running a hypervisor on its own
// engine.
type host struct {
	setup   *hostSetup
	engine  *flow.Engine
	machine *compute.Machine
	hv      *kernel.Hypervisor

	launcher *flow.Stage
	sampler  *flow.Stage

	// queue holds the VMs not started yet, in start order.
	queue    []launch
	running  int
	stopping bool
	finished bool

	result HostResult
}

type launch struct {
	vm  workload.VirtualMachine
	res reservation
}

func newHost(s *hostSetup) *host {
	spec := s.plan.spec
	h := &host{
		setup:  s,
		engine: flow.NewEngine(),
		result: HostResult{
			UID:       spec.UID,
			Name:      spec.Name,
			Cluster:   spec.Meta["cluster"],
			VMsPlaced: len(s.plan.vms),
		},
	}
	for i, vm := range s.plan.vms {
		h.queue = append(h.queue, launch{vm: vm, res: s.plan.reserved[i]})
	}
	g := h.engine.NewGraph()
	h.machine = compute.NewMachine(g, spec.Model, s.psu)
	var domain *kernel.InterferenceDomain
	if s.model != nil {
		domain = kernel.NewInterferenceDomain()
	}
	h.hv = kernel.NewHypervisor(s.mux, s.rng, s.governors, domain)
	h.launcher = g.NewStage("launcher", flow.StageLogicFunc(h.launch))
	h.sampler = g.NewStage("sampler", flow.StageLogicFunc(h.sample))
	return h
}

// run executes the host until all its VMs are done or the horizon passes.
func (h *host) run(ctx context.Context) (HostResult, error) {
	if err := h.machine.Start(h.hv, nil, nil); err != nil {
		return h.result, err
	}
	if err := h.engine.Run(ctx, h.setup.horizon); err != nil {
		return h.result, err
	}
	if !h.finished {
		h.stop(h.engine.Millis())
	}
	h.result.CPU = h.hv.Counters().CPU()
	h.result.GPU = h.hv.Counters().GPU()
	h.result.EnergyUsage = h.machine.PSU().EnergyUsage()
	h.result.End = h.setup.base + h.engine.Millis()
	return h.result, nil
}

// launch is the logic of the launcher stage. It starts every due VM that the
// hypervisor can admit and wakes up at the next start time. A VM that does
// not fit yet stays queued until another one completes.
func (h *host) launch(s *flow.Stage, now int64) int64 {
	for len(h.queue) > 0 && h.queue[0].res.start <= now {
		l := h.queue[0]
		vm, err := h.hv.NewMachine(l.vm.Model())
		if errors.Is(err, sim.ErrCapacityExceeded) {
			logrus.Debugf("host %s: VM %s waits for capacity at t=%d", h.result.Name, l.vm.ID, now)
			break
		}
		h.queue = h.queue[1:]
		if err != nil {
			logrus.Warnf("host %s: admitting VM %s: %v", h.result.Name, l.vm.ID, err)
			h.result.VMsFailed++
			continue
		}
		h.start(vm, l.vm)
	}

	if len(h.queue) == 0 && h.running == 0 {
		h.stop(now)
		return flow.Never
	}
	if len(h.queue) > 0 && h.queue[0].res.start > now {
		return h.queue[0].res.start
	}
	return flow.Never
}

func (h *host) start(vm *kernel.VirtualMachine, spec workload.VirtualMachine) {
	meta := map[string]any{"id": spec.ID}
	if p := h.setup.model.Profile(spec.ID); p != nil {
		meta[kernel.ProfileMetaKey] = p
	}
	h.running++
	called := false
	done := func(err error) {
		called = true
		h.running--
		switch {
		case err != nil:
			logrus.Warnf("host %s: VM %s failed: %v", h.result.Name, spec.ID, err)
			h.result.VMsFailed++
		case h.stopping:
			h.result.VMsInterrupted++
		default:
			h.result.VMsFinished++
		}
		if !vm.Closed() {
			h.hv.RemoveMachine(vm)
		}
		h.launcher.Invalidate()
	}
	err := vm.Start(spec.Trace.NewWorkload(-h.setup.base), meta, done)
	if err == nil || called {
		return
	}
	// Rejected before the workload was bound, so done never runs.
	logrus.Warnf("host %s: starting VM %s: %v", h.result.Name, spec.ID, err)
	h.running--
	h.result.VMsFailed++
	h.hv.RemoveMachine(vm)
	h.launcher.Invalidate()
}

// stop records a final sample and shuts the hypervisor down.
func (h *host) stop(now int64) {
	if h.finished {
		return
	}
	h.record(now)
	h.finished = true
	h.stopping = true
	h.machine.Cancel()
	h.launcher.Close()
	h.sampler.Close()
	logrus.Debugf("host %s stopped at t=%d", h.result.Name, now)
}

func (h *host) sample(_ *flow.Stage, now int64) int64 {
	h.record(now)
	if h.setup.interval <= 0 {
		return flow.Never
	}
	return now + h.setup.interval
}

func (h *host) record(now int64) {
	counters := h.hv.Counters()
	counters.Sync()
	psu := h.machine.PSU()
	s := HostSample{
		Timestamp:   h.setup.base + now,
		Host:        h.result.Name,
		CPUUsage:    h.hv.CPUUsage(),
		CPUDemand:   h.hv.CPUDemand(),
		CPUCapacity: h.hv.CPUCapacity(),
		GPUUsage:    h.hv.GPUUsage(),
		GPUDemand:   h.hv.GPUDemand(),
		GPUCapacity: h.hv.GPUCapacity(),
		PowerUsage:  psu.PowerUsage(),
		EnergyUsage: psu.EnergyUsage(),
		RunningVMs:  h.running,
		CPU:         counters.CPU(),
		GPU:         counters.GPU(),
	}
	if n := len(h.result.Samples); n > 0 && h.result.Samples[n-1].Timestamp == s.Timestamp {
		h.result.Samples[n-1] = s
		return
	}
	h.result.Samples = append(h.result.Samples, s)
}
