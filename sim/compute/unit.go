package compute

import (
	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/model"
)

// unit is a physical processing resource. Its inlet pulls the clock
// frequency as capacity; its outlet pushes the achieved rate to the PSU.
type unit struct {
	stage     *flow.Stage
	in        *flow.InPort
	out       *flow.OutPort
	frequency float64

	power    *flow.InPort
	setPower func(port *flow.InPort, capacity float64)
}

func newUnit(g *flow.Graph, name string, frequency float64) *unit {
	u := &unit{frequency: frequency}
	u.stage = g.NewStage(name, u)
	u.in = u.stage.Inlet("in")
	u.out = u.stage.Outlet("out")
	u.in.Pull(frequency)
	return u
}

// OnUpdate implements flow.StageLogic.
func (u *unit) OnUpdate(_ *flow.Stage, _ int64) int64 {
	u.out.Push(u.in.Rate())
	return flow.Never
}

func (u *unit) Input() *flow.InPort { return u.in }

func (u *unit) Frequency() float64 { return u.frequency }

func (u *unit) SetFrequency(frequency float64) {
	u.frequency = frequency
	if u.power != nil && u.setPower != nil {
		u.setPower(u.power, frequency)
	}
	u.in.Pull(frequency)
}

func (u *unit) Demand() float64 { return u.in.Demand() }

func (u *unit) Speed() float64 { return u.in.Rate() }

type cpu struct {
	*unit
	model model.ProcessingUnit
}

func (c *cpu) Model() model.ProcessingUnit { return c.model }

type gpu struct {
	*unit
	model model.GraphicsProcessingUnit
}

func (g *gpu) Model() model.GraphicsProcessingUnit { return g.model }
