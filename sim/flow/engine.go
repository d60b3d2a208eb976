// Package flow implements the push/pull dataflow substrate the compute
// simulation runs on.
//
// A graph is made of stages connected through ports. Upstream stages push a
// demand into an outlet, downstream stages pull a capacity through an inlet,
// and the achieved rate of a connection defaults to min(demand, capacity).
// Stages are only updated when invalidated or when a wake-up they requested
// falls due.
//
// Time is a logical clock in milliseconds owned by an Engine. An engine is
// single-threaded; independent engines may run in parallel goroutines.
package flow

import (
	"context"
	"math"
)

// Never is returned from StageLogic.OnUpdate when a stage has no pending
// wake-up.
const Never int64 = math.MaxInt64

// Clock is the logical time source, in milliseconds.
type Clock interface {
	Millis() int64
}

// Engine drives the stages of one or more graphs in logical time.
type Engine struct {
	now     int64
	timers  *timerHeap
	pending []*Stage
	updates int64
}

// NewEngine creates an engine with its clock at zero.
func NewEngine() *Engine {
	return &Engine{timers: newTimerHeap()}
}

// Millis returns the current logical time.
func (e *Engine) Millis() int64 {
	return e.now
}

// Updates returns the number of stage updates executed so far.
func (e *Engine) Updates() int64 {
	return e.updates
}

// NewGraph creates an empty graph driven by this engine.
func (e *Engine) NewGraph() *Graph {
	return &Graph{engine: e}
}

// Run processes invalidated stages and due wake-ups in time order until no
// work remains, the next wake-up lies beyond horizon, or ctx is done.
// When it stops at the horizon the clock is advanced to the horizon.
func (e *Engine) Run(ctx context.Context, horizon int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.drain()

		next := e.timers.peek()
		if next == nil {
			return nil
		}
		if next.deadline > horizon {
			if horizon > e.now {
				e.now = horizon
			}
			return nil
		}
		e.timers.popNext()
		next.stage.timer = nil
		next.stage.deadline = Never
		if next.deadline > e.now {
			e.now = next.deadline
		}
		next.stage.update()
	}
}

// Pending reports whether any stage is invalidated or has a wake-up.
func (e *Engine) Pending() bool {
	return len(e.pending) > 0 || e.timers.peek() != nil
}

// drain updates invalidated stages at the current instant, in the order they
// were invalidated.
func (e *Engine) drain() {
	for len(e.pending) > 0 {
		s := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		s.update()
	}
}

func (e *Engine) enqueue(s *Stage) {
	e.pending = append(e.pending, s)
}
