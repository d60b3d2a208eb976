package cluster

import (
	"math"
	"math/rand"
	"sort"

	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/trace"
	"github.com/inference-sim/hostsim/sim/workload"
)

// reservation is the interval during which a VM holds resources of a host,
// in engine milliseconds.
type reservation struct {
	start, end int64
	cpus, gpus int
	memory     int64
}

func (r reservation) overlaps(o reservation) bool {
	return r.start < o.end && o.start < r.end
}

// hostCapacity is what the placement filters check reservations against.
type hostCapacity struct {
	cpus   float64
	gpus   float64
	memory float64
	// hasGPU is false for hosts without any GPU; VMs asking for one never
	// fit there.
	hasGPU bool
}

// hostPlan tracks the reservations made on one host.
type hostPlan struct {
	index    int
	spec     topology.HostSpec
	capacity hostCapacity
	reserved []reservation
	vms      []workload.VirtualMachine
}

// peak returns the highest concurrent use of the host during r.
func (p *hostPlan) peak(r reservation) (cpus, gpus int, memory int64) {
	points := []int64{r.start}
	for _, o := range p.reserved {
		if o.overlaps(r) && o.start > r.start {
			points = append(points, o.start)
		}
	}
	for _, t := range points {
		var c, g int
		var m int64
		for _, o := range p.reserved {
			if o.start <= t && t < o.end {
				c += o.cpus
				g += o.gpus
				m += o.memory
			}
		}
		cpus, gpus, memory = max(cpus, c), max(gpus, g), max(memory, m)
	}
	return cpus, gpus, memory
}

// fits applies the compute, vCPU, GPU and RAM filters.
func (p *hostPlan) fits(r reservation) bool {
	if r.gpus > 0 && !p.capacity.hasGPU {
		return false
	}
	cpus, gpus, memory := p.peak(r)
	if float64(cpus+r.cpus) > p.capacity.cpus {
		return false
	}
	if float64(gpus+r.gpus) > p.capacity.gpus {
		return false
	}
	return float64(memory+r.memory) <= p.capacity.memory
}

// weight ranks candidate hosts: free memory per core over the interval,
// higher is better.
func (p *hostPlan) weight(r reservation) float64 {
	_, _, memory := p.peak(r)
	cores := len(p.spec.Model.CPUs)
	if cores == 0 {
		return math.Inf(-1)
	}
	return (float64(p.spec.Model.MemorySize()) - float64(memory)) / float64(cores)
}

// planner assigns VMs to hosts before the hosts start running. Hosts run on
// independent engines, so placement reserves the whole lifetime of a VM up
// front instead of reacting to the state of a shared clock.
type planner struct {
	policy string
	hosts  []*hostPlan
	rng    *rand.Rand
	next   int

	// decisions is nil unless decision tracing is enabled.
	decisions *trace.PlacementTrace
}

func newPlanner(cfg *Config, specs []topology.HostSpec, rng *rand.Rand) *planner {
	p := &planner{policy: cfg.Placement.Policy, rng: rng}
	if cfg.DecisionTrace.Enabled() {
		p.decisions = trace.NewPlacementTrace(cfg.DecisionTrace)
	}
	for i, spec := range specs {
		capacity := hostCapacity{
			cpus:   float64(len(spec.Model.CPUs)) * cfg.Placement.CPUOvercommit,
			gpus:   math.Inf(1),
			memory: float64(spec.Model.MemorySize()) * cfg.Placement.MemOvercommit,
			hasGPU: len(spec.Model.GPUs) > 0,
		}
		if spec.Model.MemorySize() == 0 {
			capacity.memory = math.Inf(1)
		}
		switch {
		case cfg.Multiplexer == "forwarding":
			capacity.cpus = float64(len(spec.Model.CPUs))
			capacity.gpus = float64(len(spec.Model.GPUs))
		case cfg.MaxInputs > 0:
			capacity.cpus = math.Min(capacity.cpus, float64(cfg.MaxInputs))
			capacity.gpus = float64(cfg.MaxInputs)
		}
		p.hosts = append(p.hosts, &hostPlan{index: i, spec: spec, capacity: capacity})
	}
	return p
}

// place reserves a host for the VM and returns it, or nil when no host
// passes the filters.
func (p *planner) place(vm workload.VirtualMachine, r reservation) *hostPlan {
	var candidates []*hostPlan
	for _, h := range p.hosts {
		if h.fits(r) {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		if p.decisions != nil {
			p.decisions.RecordRejection(trace.RejectionRecord{VMID: vm.ID, Start: r.start, End: r.end})
		}
		return nil
	}

	var chosen *hostPlan
	switch p.policy {
	case "first-fit":
		chosen = candidates[0]
	case "round-robin":
		for _, h := range candidates {
			if h.index >= p.next {
				chosen = h
				break
			}
		}
		if chosen == nil {
			chosen = candidates[0]
		}
		p.next = chosen.index + 1
	case "random":
		chosen = candidates[p.rng.Intn(len(candidates))]
	default:
		best := math.Inf(-1)
		for _, h := range candidates {
			if w := h.weight(r); chosen == nil || w > best {
				chosen, best = h, w
			}
		}
	}
	if p.decisions != nil {
		p.record(vm, r, candidates, chosen)
	}
	chosen.reserved = append(chosen.reserved, r)
	chosen.vms = append(chosen.vms, vm)
	return chosen
}

// record adds a placement to the decision trace. Candidates are scored with
// the filter weigher whatever the policy.
func (p *planner) record(vm workload.VirtualMachine, r reservation, candidates []*hostPlan, chosen *hostPlan) {
	scores := make([]trace.CandidateScore, len(candidates))
	best, chosenScore := math.Inf(-1), math.Inf(-1)
	for i, h := range candidates {
		cpus, gpus, memory := h.peak(r)
		w := h.weight(r)
		scores[i] = trace.CandidateScore{Host: h.spec.Name, Score: w, ReservedCPUs: cpus, ReservedGPUs: gpus, ReservedMemory: memory}
		best = math.Max(best, w)
		if h == chosen {
			chosenScore = w
		}
	}
	regret := 0.0
	if !math.IsInf(best, 0) && !math.IsInf(chosenScore, 0) {
		regret = best - chosenScore
	}

	var top []trace.CandidateScore
	if k := p.decisions.Config.Candidates; k > 0 {
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
		top = scores[:min(k, len(scores))]
	}
	p.decisions.RecordPlacement(trace.PlacementRecord{
		VMID:       vm.ID,
		Start:      r.start,
		End:        r.end,
		ChosenHost: chosen.spec.Name,
		Policy:     p.policy,
		Eligible:   len(candidates),
		Candidates: top,
		Regret:     regret,
	})
}
