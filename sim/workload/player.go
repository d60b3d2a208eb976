package workload

import (
	"fmt"

	"github.com/inference-sim/hostsim/sim"
	"github.com/inference-sim/hostsim/sim/flow"
)

// Player replays a Trace on a machine. It implements sim.Workload.
type Player struct {
	trace  *Trace
	offset int64
	index  int

	logic *playerLogic
}

// Trace returns the trace being replayed.
func (p *Player) Trace() *Trace { return p.trace }

// Offset returns the shift applied to the trace deadlines.
func (p *Player) Offset() int64 { return p.offset }

// Index returns the fragment currently in effect.
func (p *Player) Index() int {
	if p.logic != nil {
		return p.logic.index
	}
	return p.index
}

// OnStart implements sim.Workload. Machines with exactly one CPU and no GPU
// get a player that drives that single output; all others split the CPU
// usage over the cores requested by each fragment.
func (p *Player) OnStart(ctx sim.MachineContext) error {
	if p.logic != nil {
		return fmt.Errorf("trace player already started: %w", sim.ErrInvalidState)
	}
	cpus, gpus := ctx.CPUs(), ctx.GPUs()
	l := &playerLogic{
		ctx:    ctx,
		trace:  p.trace,
		offset: p.offset,
		index:  p.index,
		single: len(cpus) == 1 && len(gpus) == 0,
	}
	g := ctx.Graph()
	l.stage = g.NewStage("trace-player", l)
	for i, c := range cpus {
		out := l.stage.Outlet(fmt.Sprintf("cpu%d", i))
		g.Connect(out, c.Input())
		l.cpuOuts = append(l.cpuOuts, out)
	}
	for i, u := range gpus {
		out := l.stage.Outlet(fmt.Sprintf("gpu%d", i))
		g.Connect(out, u.Input())
		l.gpuOuts = append(l.gpuOuts, out)
	}
	p.logic = l
	return nil
}

// OnStop implements sim.Workload.
func (p *Player) OnStop(sim.MachineContext) {
	if p.logic != nil {
		p.logic.stage.Close()
	}
}

// Snapshot implements sim.Workload. The snapshot resumes at the fragment in
// effect now, with the same offset.
func (p *Player) Snapshot() (sim.Workload, error) {
	return &Player{trace: p.trace, offset: p.offset, index: p.Index()}, nil
}

type playerLogic struct {
	ctx    sim.MachineContext
	stage  *flow.Stage
	trace  *Trace
	offset int64
	index  int
	single bool

	cpuOuts []*flow.OutPort
	gpuOuts []*flow.OutPort
}

// OnUpdate implements flow.StageLogic. It skips every fragment whose deadline
// has passed, pushes the usage of the current one and wakes up at its
// deadline. Once the trace is exhausted the machine is asked to shut down.
func (l *playerLogic) OnUpdate(s *flow.Stage, now int64) int64 {
	t := l.trace
	nowOffset := now - l.offset

	index := l.index
	if index >= t.size {
		return l.finish(s)
	}
	for t.deadlines[index] <= nowOffset {
		index++
		if index >= t.size {
			l.index = index
			return l.finish(s)
		}
	}
	l.index = index

	if l.single {
		l.cpuOuts[0].Push(t.cpuUsage[index])
	} else {
		l.pushSplit(index)
	}
	return t.deadlines[index] + l.offset
}

func (l *playerLogic) pushSplit(index int) {
	t := l.trace
	cores := min(len(l.cpuOuts), t.cpuCores[index])
	if cores < 1 && len(l.cpuOuts) > 0 {
		cores = 1
	}
	usage := 0.0
	if cores > 0 {
		usage = t.cpuUsage[index] / float64(cores)
	}
	for i, out := range l.cpuOuts {
		if i < cores {
			out.Push(usage)
		} else {
			out.Push(0)
		}
	}
	for _, out := range l.gpuOuts {
		out.Push(t.gpuUsage[index])
	}
}

func (l *playerLogic) finish(s *flow.Stage) int64 {
	l.ctx.Shutdown(nil)
	s.Close()
	return flow.Never
}
