// Package cpufreq provides scaling governors that retarget the clock of
// physical CPUs from the load observed by the hypervisor.
package cpufreq

import (
	"fmt"
	"math"
	"sort"

	"github.com/inference-sim/hostsim/sim"
)

// Policy is the frequency range a governor may choose from for one CPU.
type Policy interface {
	CPU() sim.ProcessingUnit
	// Target returns the current frequency in MHz.
	Target() float64
	SetTarget(target float64)
	Min() float64
	Max() float64
}

// Governor adjusts the target of its policy.
type Governor interface {
	OnStart()
	// OnLimit is invoked whenever the hypervisor observes a new load.
	OnLimit(load float64)
}

// Factory creates the governor of one CPU.
type Factory func(p Policy) Governor

type cpuPolicy struct {
	cpu sim.ProcessingUnit
}

// NewPolicy returns a policy ranging from zero to the nominal frequency of
// the CPU model.
func NewPolicy(cpu sim.ProcessingUnit) Policy {
	return cpuPolicy{cpu: cpu}
}

func (p cpuPolicy) CPU() sim.ProcessingUnit { return p.cpu }

func (p cpuPolicy) Target() float64 { return p.cpu.Frequency() }

func (p cpuPolicy) SetTarget(target float64) { p.cpu.SetFrequency(target) }

func (p cpuPolicy) Min() float64 { return 0 }

func (p cpuPolicy) Max() float64 { return p.cpu.Model().Frequency }

// Performance keeps every CPU at its maximum frequency.
func Performance() Factory {
	return func(p Policy) Governor { return &performance{policy: p} }
}

type performance struct{ policy Policy }

func (g *performance) OnStart() { g.policy.SetTarget(g.policy.Max()) }

func (g *performance) OnLimit(float64) {}

// Powersave keeps every CPU at its minimum frequency.
func Powersave() Factory {
	return func(p Policy) Governor { return &powersave{policy: p} }
}

type powersave struct{ policy Policy }

func (g *powersave) OnStart() { g.policy.SetTarget(g.policy.Min()) }

func (g *powersave) OnLimit(float64) {}

// OnDemand jumps to the maximum frequency once the load reaches threshold
// and otherwise scales the frequency linearly with the load.
func OnDemand(threshold float64) Factory {
	return func(p Policy) Governor { return &onDemand{policy: p, threshold: threshold} }
}

type onDemand struct {
	policy    Policy
	threshold float64
}

func (g *onDemand) OnStart() { g.policy.SetTarget(g.policy.Min()) }

func (g *onDemand) OnLimit(load float64) {
	p := g.policy
	if load < g.threshold {
		p.SetTarget(clamp(p.Min()+load*(p.Max()-p.Min()), p.Min(), p.Max()))
		return
	}
	p.SetTarget(p.Max())
}

// Conservative moves the frequency up or down by step MHz whenever the load
// is above or below threshold. A non-positive step uses 5% of the maximum.
func Conservative(threshold, step float64) Factory {
	return func(p Policy) Governor {
		s := step
		if s <= 0 {
			s = 0.05 * p.Max()
		}
		return &conservative{policy: p, threshold: threshold, step: s}
	}
}

type conservative struct {
	policy    Policy
	threshold float64
	step      float64
}

func (g *conservative) OnStart() { g.policy.SetTarget(g.policy.Min()) }

func (g *conservative) OnLimit(load float64) {
	p := g.policy
	switch {
	case load > g.threshold:
		p.SetTarget(math.Min(p.Target()+g.step, p.Max()))
	case load < g.threshold:
		p.SetTarget(math.Max(p.Target()-g.step, p.Min()))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ValidGovernors lists the names accepted by ByName. The empty name disables
// frequency scaling.
var ValidGovernors = map[string]bool{
	"":             true,
	"performance":  true,
	"powersave":    true,
	"ondemand":     true,
	"conservative": true,
}

// IsValidGovernor returns true if name is a recognized governor.
func IsValidGovernor(name string) bool {
	return ValidGovernors[name]
}

// ValidGovernorNames returns the sorted non-empty governor names.
func ValidGovernorNames() []string {
	names := make([]string, 0, len(ValidGovernors))
	for n := range ValidGovernors {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// ByName returns the factory for a governor name. The empty name returns a
// nil factory.
func ByName(name string, threshold, step float64) (Factory, error) {
	switch name {
	case "":
		return nil, nil
	case "performance":
		return Performance(), nil
	case "powersave":
		return Powersave(), nil
	case "ondemand":
		return OnDemand(threshold), nil
	case "conservative":
		return Conservative(threshold, step), nil
	default:
		return nil, fmt.Errorf("unknown governor %q; valid options: %v", name, ValidGovernorNames())
	}
}
