package kernel

import (
	"math"

	"github.com/inference-sim/hostsim/sim"
)

// sample is the demand, achieved rate and capacity of one resource class,
// as observed at the last stage update.
type sample struct {
	demand   float64
	rate     float64
	capacity float64
}

// unitFactor returns units/capacity, or 0 when capacity is zero.
func unitFactor(units int, capacity float64) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(units) / capacity
}

// load is the value handed to governors and interference members:
// rate / min(1, capacity). A non-positive capacity yields zero load.
func load(rate, capacity float64) float64 {
	d := math.Min(1, capacity)
	if d <= 0 {
		return 0
	}
	return rate / d
}

// counters accumulates active, idle, steal and lost time per resource class.
// The zero value is ready to use.
type counters struct {
	cpu sim.CounterSet
	gpu sim.CounterSet

	// sync folds elapsed time into the counters; nil when the owner is not
	// running.
	sync func()
}

// CPU implements sim.Counters.
func (c *counters) CPU() sim.CounterSet { return c.cpu }

// GPU implements sim.Counters.
func (c *counters) GPU() sim.CounterSet { return c.gpu }

// Sync implements sim.Counters.
func (c *counters) Sync() {
	if c.sync != nil {
		c.sync()
	}
}

func (c *counters) set(class sim.ResourceClass) *sim.CounterSet {
	if class == sim.GPU {
		return &c.gpu
	}
	return &c.cpu
}

// record adds the active, idle and steal time of an interval of delta
// milliseconds during which s held.
func (c *counters) record(class sim.ResourceClass, s sample, factor float64, delta int64) {
	f := factor * float64(delta)
	set := c.set(class)
	set.Active += int64(math.Round(s.rate * f))
	set.Idle += int64(math.Round((s.capacity - s.rate) * f))
	set.Steal += int64(math.Round((s.demand - s.rate) * f))
}

// reportInterferenceLoss adds lost time to both the VM and its hypervisor.
// It is the only place hypervisor counters are written from a VM.
func reportInterferenceLoss(vm, hv *counters, class sim.ResourceClass, lost int64) {
	if lost == 0 {
		return
	}
	vm.set(class).Lost += lost
	hv.set(class).Lost += lost
}
