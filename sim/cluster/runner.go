// Package cluster runs an experiment: the VMs of a workload trace are placed
// on the hosts of a topology, and every host simulates its hypervisor on an
// engine of its own.
package cluster

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/kernel"
	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/trace"
	"github.com/inference-sim/hostsim/sim/workload"
)

// Result is the outcome of an experiment.
type Result struct {
	// Start is the epoch time the engines' zero maps to.
	Start int64
	Hosts []HostResult
	// Unplaced lists the IDs of VMs no host could take.
	Unplaced []string
	// Decisions holds the placement decisions when tracing is enabled.
	Decisions *trace.PlacementTrace
}

// CPU returns the CPU counters summed over all hosts.
func (r *Result) CPU() sim.CounterSet {
	var total sim.CounterSet
	for _, h := range r.Hosts {
		total = total.Add(h.CPU)
	}
	return total
}

// GPU returns the GPU counters summed over all hosts.
func (r *Result) GPU() sim.CounterSet {
	var total sim.CounterSet
	for _, h := range r.Hosts {
		total = total.Add(h.GPU)
	}
	return total
}

// EnergyUsage returns the energy consumed by all hosts, in joules.
func (r *Result) EnergyUsage() float64 {
	total := 0.0
	for _, h := range r.Hosts {
		total += h.EnergyUsage
	}
	return total
}

// Runner executes one experiment.
type Runner struct {
	config       Config
	hosts        []topology.HostSpec
	vms          []workload.VirtualMachine
	interference *kernel.InterferenceModel
	hasRun       bool
}

// NewRunner creates a runner. The interference model may be nil.
func NewRunner(cfg Config, hosts []topology.HostSpec, vms []workload.VirtualMachine, interference *kernel.InterferenceModel) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment config: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("topology has no hosts")
	}
	if cfg.DisableInterference {
		interference = nil
	}
	return &Runner{config: cfg, hosts: hosts, vms: vms, interference: interference}, nil
}

// Run places the VMs and simulates every host until its VMs are done or
// the horizon passes. Hosts run concurrently; the first error cancels the
// others.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.hasRun {
		return nil, fmt.Errorf("runner already ran: %w", sim.ErrInvalidState)
	}
	r.hasRun = true
	cfg := &r.config

	governors, err := cfg.governorFactory()
	if err != nil {
		return nil, err
	}
	rng := sim.NewPartitionedRNG(sim.NewSimulationKey(cfg.Seed))

	base := int64(0)
	if len(r.vms) > 0 {
		base = math.MaxInt64
		for _, vm := range r.vms {
			base = min(base, vm.StartTime)
		}
	}

	result := &Result{Start: base}
	p := newPlanner(cfg, r.hosts, rng.ForSubsystem(sim.SubsystemPlacement))
	for _, vm := range r.vms {
		if p.place(vm, reservationOf(vm, base)) == nil {
			logrus.Warnf("no host can take VM %s (%d CPUs, %d GPUs, %d MiB)", vm.ID, vm.CPUCount, vm.GPUCount, vm.MemCapacity)
			result.Unplaced = append(result.Unplaced, vm.ID)
		}
	}
	logrus.Infof("placed %d of %d VMs on %d hosts", len(r.vms)-len(result.Unplaced), len(r.vms), len(r.hosts))
	result.Decisions = p.decisions

	horizon := flow.Never
	if cfg.Horizon > 0 {
		horizon = cfg.Horizon
	}
	setups := make([]*hostSetup, len(p.hosts))
	for i, plan := range p.hosts {
		psu, err := cfg.psu(plan.spec.CPUPower, plan.spec.GPUPower, plan.spec.PSU)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", plan.spec.Name, err)
		}
		setups[i] = &hostSetup{
			plan:      plan,
			psu:       psu,
			mux:       cfg.multiplexerFactory(),
			governors: governors,
			// Derived here: PartitionedRNG is not safe for concurrent use.
			rng:      rng.ForSubsystem(sim.SubsystemHost(i)),
			model:    r.interference,
			base:     base,
			horizon:  horizon,
			interval: cfg.SampleInterval,
		}
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	result.Hosts = make([]HostResult, len(setups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, s := range setups {
		i, s := i, s
		g.Go(func() error {
			res, err := newHost(s).run(gctx)
			if err != nil {
				return fmt.Errorf("host %s: %w", s.plan.spec.Name, err)
			}
			result.Hosts[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// reservationOf returns the interval a VM occupies, from its start time to
// the end of its trace, in engine time.
func reservationOf(vm workload.VirtualMachine, base int64) reservation {
	start := vm.StartTime - base
	end := start
	if vm.Trace != nil && vm.Trace.Len() > 0 {
		end = max(end, vm.Trace.Deadline(vm.Trace.Len()-1)-base)
	}
	if end == start {
		end = start + 1
	}
	return reservation{
		start:  start,
		end:    end,
		cpus:   vm.CPUCount,
		gpus:   vm.GPUCount,
		memory: vm.MemCapacity,
	}
}
