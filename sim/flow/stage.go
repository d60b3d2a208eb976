package flow

import "fmt"

// StageLogic is the behaviour of a stage. OnUpdate is called when the stage
// was invalidated or a requested wake-up fell due; it returns the next
// wake-up time, or Never.
type StageLogic interface {
	OnUpdate(s *Stage, now int64) int64
}

// StageLogicFunc adapts a function to StageLogic.
type StageLogicFunc func(s *Stage, now int64) int64

// OnUpdate implements StageLogic.
func (f StageLogicFunc) OnUpdate(s *Stage, now int64) int64 {
	return f(s, now)
}

// Graph groups stages driven by the same engine.
type Graph struct {
	engine *Engine
	stages int
}

// Engine returns the engine driving this graph.
func (g *Graph) Engine() *Engine {
	return g.engine
}

// Clock returns the logical clock of the graph.
func (g *Graph) Clock() Clock {
	return g.engine
}

// NewStage adds a stage to the graph. The stage is invalidated immediately so
// its logic runs once at the current instant.
func (g *Graph) NewStage(name string, logic StageLogic) *Stage {
	g.stages++
	s := &Stage{
		graph:    g,
		name:     name,
		logic:    logic,
		inlets:   make(map[string]*InPort),
		outlets:  make(map[string]*OutPort),
		deadline: Never,
	}
	s.Invalidate()
	return s
}

// Connect links an outlet to an inlet. Both ports must be unconnected.
// The current demand of the outlet and capacity of the inlet are delivered
// across the new connection.
func (g *Graph) Connect(out *OutPort, in *InPort) {
	if out.peer != nil {
		panic(fmt.Sprintf("flow: outlet %s already connected", out))
	}
	if in.peer != nil {
		panic(fmt.Sprintf("flow: inlet %s already connected", in))
	}
	out.peer = in
	in.peer = out
	if out.demand != in.demand {
		in.receivePush(out.demand)
	}
	if in.capacity != out.capacity {
		out.receivePull(in.capacity)
	}
	out.stage.Invalidate()
	in.stage.Invalidate()
}

// Stage is a node in the flow graph.
type Stage struct {
	graph *Graph
	name  string
	logic StageLogic

	inlets      map[string]*InPort
	outlets     map[string]*OutPort
	inletOrder  []*InPort
	outletOrder []*OutPort

	invalidated bool
	closed      bool
	deadline    int64
	timer       *timer
}

// Name returns the stage name.
func (s *Stage) Name() string {
	return s.name
}

// Graph returns the graph the stage belongs to.
func (s *Stage) Graph() *Graph {
	return s.graph
}

// Now returns the current logical time.
func (s *Stage) Now() int64 {
	return s.graph.engine.now
}

// Deadline returns the pending wake-up of the stage, or Never.
func (s *Stage) Deadline() int64 {
	return s.deadline
}

// Closed reports whether the stage has been closed.
func (s *Stage) Closed() bool {
	return s.closed
}

// Inlet returns the inlet with the given name, creating it if needed.
func (s *Stage) Inlet(name string) *InPort {
	if p, ok := s.inlets[name]; ok {
		return p
	}
	p := &InPort{stage: s, name: name}
	s.inlets[name] = p
	s.inletOrder = append(s.inletOrder, p)
	return p
}

// Outlet returns the outlet with the given name, creating it if needed.
func (s *Stage) Outlet(name string) *OutPort {
	if p, ok := s.outlets[name]; ok {
		return p
	}
	p := &OutPort{stage: s, name: name}
	s.outlets[name] = p
	s.outletOrder = append(s.outletOrder, p)
	return p
}

// Inlets returns the inlets of the stage in creation order.
func (s *Stage) Inlets() []*InPort {
	return s.inletOrder
}

// Outlets returns the outlets of the stage in creation order.
func (s *Stage) Outlets() []*OutPort {
	return s.outletOrder
}

// RemoveInlet disconnects the inlet and detaches it from the stage.
func (s *Stage) RemoveInlet(p *InPort) {
	if p.stage != s {
		return
	}
	p.Cancel()
	delete(s.inlets, p.name)
	for i, q := range s.inletOrder {
		if q == p {
			s.inletOrder = append(s.inletOrder[:i], s.inletOrder[i+1:]...)
			break
		}
	}
}

// RemoveOutlet disconnects the outlet and detaches it from the stage.
func (s *Stage) RemoveOutlet(p *OutPort) {
	if p.stage != s {
		return
	}
	p.Complete()
	delete(s.outlets, p.name)
	for i, q := range s.outletOrder {
		if q == p {
			s.outletOrder = append(s.outletOrder[:i], s.outletOrder[i+1:]...)
			break
		}
	}
}

// Invalidate schedules the stage for an update at the current instant.
func (s *Stage) Invalidate() {
	if s.invalidated || s.closed {
		return
	}
	s.invalidated = true
	s.graph.engine.enqueue(s)
}

// Close disconnects every port of the stage and stops further updates.
// Closing an already closed stage has no effect.
func (s *Stage) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.timer = nil
	s.deadline = Never
	for _, out := range s.outletOrder {
		out.Complete()
	}
	for _, in := range s.inletOrder {
		in.Cancel()
	}
}

func (s *Stage) update() {
	if s.closed {
		return
	}
	s.invalidated = false
	e := s.graph.engine
	e.updates++
	next := s.logic.OnUpdate(s, e.now)
	if s.closed {
		return
	}
	s.schedule(next, e.now)
}

func (s *Stage) schedule(next, now int64) {
	if next < now {
		next = now
	}
	if next == s.deadline && (s.timer != nil || next == Never) {
		return
	}
	s.deadline = next
	s.timer = nil
	if next == Never {
		return
	}
	s.timer = s.graph.engine.timers.schedule(next, s)
}

func (s *Stage) String() string {
	return s.name
}
