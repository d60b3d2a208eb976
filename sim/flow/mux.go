package flow

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNoFreeInput is returned when a multiplexer cannot admit another input.
var ErrNoFreeInput = errors.New("flow: multiplexer has no free input")

// Multiplexer shares the capacity of its outputs among its inputs.
type Multiplexer interface {
	// NewInput allocates an inlet that upstream stages connect to.
	NewInput() (*InPort, error)
	// ReleaseInput disconnects and frees an inlet.
	ReleaseInput(in *InPort)
	// NewOutput allocates an outlet connected to a downstream resource.
	NewOutput() *OutPort
	// ReleaseOutput disconnects and frees an outlet.
	ReleaseOutput(out *OutPort)

	MaxInputs() int
	InputCount() int

	// Demand, Rate and Capacity are the aggregates computed at the last update.
	Demand() float64
	Rate() float64
	Capacity() float64
}

// MultiplexerFactory creates a multiplexer in the given graph.
type MultiplexerFactory func(g *Graph) Multiplexer

// MaxMinFactory returns a factory of max-min fair multiplexers admitting at
// most maxInputs inputs. A non-positive maxInputs means unbounded.
func MaxMinFactory(maxInputs int) MultiplexerFactory {
	return func(g *Graph) Multiplexer {
		return NewMaxMinMultiplexer(g, maxInputs)
	}
}

// ForwardingFactory returns a factory of multiplexers that bind each input to
// exactly one output.
func ForwardingFactory() MultiplexerFactory {
	return func(g *Graph) Multiplexer {
		return NewForwardingMultiplexer(g)
	}
}

// muxInput is the handler of multiplexer inlets; the multiplexer decides the
// achieved rate of each input.
type muxInput struct {
	rate func(*InPort) float64
}

func (muxInput) OnPush(*InPort, float64) {}

func (muxInput) OnUpstreamFinish(*InPort) {}

func (h muxInput) Rate(p *InPort) float64 {
	return h.rate(p)
}

// MaxMinMultiplexer allocates the aggregate output capacity to its inputs
// using max-min fairness. Each input is offered the capacity left over by the
// others; the achieved rate is pushed to the outputs in proportion to their
// capacity.
type MaxMinMultiplexer struct {
	stage     *Stage
	maxInputs int
	seq       int

	inputs  []*InPort
	outputs []*OutPort
	rates   map[*InPort]float64

	demand   float64
	rate     float64
	capacity float64
}

// NewMaxMinMultiplexer creates a max-min fair multiplexer.
func NewMaxMinMultiplexer(g *Graph, maxInputs int) *MaxMinMultiplexer {
	if maxInputs <= 0 {
		maxInputs = math.MaxInt32
	}
	m := &MaxMinMultiplexer{
		maxInputs: maxInputs,
		rates:     make(map[*InPort]float64),
	}
	m.stage = g.NewStage("maxmin-mux", m)
	return m
}

// NewInput implements Multiplexer.
func (m *MaxMinMultiplexer) NewInput() (*InPort, error) {
	if len(m.inputs) >= m.maxInputs {
		return nil, ErrNoFreeInput
	}
	m.seq++
	in := m.stage.Inlet(fmt.Sprintf("in%d", m.seq))
	in.SetHandler(muxInput{rate: m.rateOf})
	m.inputs = append(m.inputs, in)
	m.stage.Invalidate()
	return in, nil
}

// ReleaseInput implements Multiplexer.
func (m *MaxMinMultiplexer) ReleaseInput(in *InPort) {
	for i, p := range m.inputs {
		if p == in {
			m.inputs = append(m.inputs[:i], m.inputs[i+1:]...)
			delete(m.rates, in)
			m.stage.RemoveInlet(in)
			m.stage.Invalidate()
			return
		}
	}
}

// NewOutput implements Multiplexer.
func (m *MaxMinMultiplexer) NewOutput() *OutPort {
	m.seq++
	out := m.stage.Outlet(fmt.Sprintf("out%d", m.seq))
	m.outputs = append(m.outputs, out)
	m.stage.Invalidate()
	return out
}

// ReleaseOutput implements Multiplexer.
func (m *MaxMinMultiplexer) ReleaseOutput(out *OutPort) {
	for i, p := range m.outputs {
		if p == out {
			m.outputs = append(m.outputs[:i], m.outputs[i+1:]...)
			m.stage.RemoveOutlet(out)
			m.stage.Invalidate()
			return
		}
	}
}

// MaxInputs implements Multiplexer.
func (m *MaxMinMultiplexer) MaxInputs() int { return m.maxInputs }

// InputCount implements Multiplexer.
func (m *MaxMinMultiplexer) InputCount() int { return len(m.inputs) }

// Demand implements Multiplexer.
func (m *MaxMinMultiplexer) Demand() float64 { return m.demand }

// Rate implements Multiplexer.
func (m *MaxMinMultiplexer) Rate() float64 { return m.rate }

// Capacity implements Multiplexer.
func (m *MaxMinMultiplexer) Capacity() float64 { return m.capacity }

func (m *MaxMinMultiplexer) rateOf(in *InPort) float64 {
	return m.rates[in]
}

// OnUpdate implements StageLogic.
func (m *MaxMinMultiplexer) OnUpdate(_ *Stage, _ int64) int64 {
	capacity := 0.0
	for _, out := range m.outputs {
		capacity += out.Capacity()
	}

	order := make([]*InPort, len(m.inputs))
	copy(order, m.inputs)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Demand() < order[j].Demand()
	})

	demand := 0.0
	remaining := capacity
	var changed []*InPort
	for i, in := range order {
		d := math.Max(in.Demand(), 0)
		demand += d
		share := remaining / float64(len(order)-i)
		r := math.Min(d, share)
		if m.rates[in] != r {
			changed = append(changed, in)
		}
		m.rates[in] = r
		remaining -= r
	}
	if remaining < 0 {
		remaining = 0
	}
	rate := capacity - remaining

	m.demand, m.rate, m.capacity = demand, rate, capacity

	for _, in := range m.inputs {
		in.Pull(m.rates[in] + remaining)
	}
	for _, in := range changed {
		in.notifyUpstream()
	}
	for _, out := range m.outputs {
		if capacity > 0 {
			out.Push(rate * out.Capacity() / capacity)
		} else {
			out.Push(0)
		}
	}
	return Never
}

// ForwardingMultiplexer binds every input to its own output, so it admits as
// many inputs as it has outputs.
type ForwardingMultiplexer struct {
	stage *Stage
	seq   int

	outputs []*OutPort
	binding map[*InPort]*OutPort
	inputs  []*InPort

	demand   float64
	rate     float64
	capacity float64
}

// NewForwardingMultiplexer creates a forwarding multiplexer.
func NewForwardingMultiplexer(g *Graph) *ForwardingMultiplexer {
	m := &ForwardingMultiplexer{binding: make(map[*InPort]*OutPort)}
	m.stage = g.NewStage("forwarding-mux", m)
	return m
}

// NewInput implements Multiplexer.
func (m *ForwardingMultiplexer) NewInput() (*InPort, error) {
	var free *OutPort
	for _, out := range m.outputs {
		if !m.bound(out) {
			free = out
			break
		}
	}
	if free == nil {
		return nil, ErrNoFreeInput
	}
	m.seq++
	in := m.stage.Inlet(fmt.Sprintf("in%d", m.seq))
	in.SetHandler(muxInput{rate: m.rateOf})
	m.binding[in] = free
	m.inputs = append(m.inputs, in)
	m.stage.Invalidate()
	return in, nil
}

func (m *ForwardingMultiplexer) bound(out *OutPort) bool {
	for _, o := range m.binding {
		if o == out {
			return true
		}
	}
	return false
}

// ReleaseInput implements Multiplexer.
func (m *ForwardingMultiplexer) ReleaseInput(in *InPort) {
	out, ok := m.binding[in]
	if !ok {
		return
	}
	delete(m.binding, in)
	for i, p := range m.inputs {
		if p == in {
			m.inputs = append(m.inputs[:i], m.inputs[i+1:]...)
			break
		}
	}
	m.stage.RemoveInlet(in)
	out.Push(0)
	m.stage.Invalidate()
}

// NewOutput implements Multiplexer.
func (m *ForwardingMultiplexer) NewOutput() *OutPort {
	m.seq++
	out := m.stage.Outlet(fmt.Sprintf("out%d", m.seq))
	m.outputs = append(m.outputs, out)
	m.stage.Invalidate()
	return out
}

// ReleaseOutput implements Multiplexer.
func (m *ForwardingMultiplexer) ReleaseOutput(out *OutPort) {
	for in, o := range m.binding {
		if o == out {
			m.ReleaseInput(in)
		}
	}
	for i, p := range m.outputs {
		if p == out {
			m.outputs = append(m.outputs[:i], m.outputs[i+1:]...)
			break
		}
	}
	m.stage.RemoveOutlet(out)
	m.stage.Invalidate()
}

// MaxInputs implements Multiplexer.
func (m *ForwardingMultiplexer) MaxInputs() int { return len(m.outputs) }

// InputCount implements Multiplexer.
func (m *ForwardingMultiplexer) InputCount() int { return len(m.inputs) }

// Demand implements Multiplexer.
func (m *ForwardingMultiplexer) Demand() float64 { return m.demand }

// Rate implements Multiplexer.
func (m *ForwardingMultiplexer) Rate() float64 { return m.rate }

// Capacity implements Multiplexer.
func (m *ForwardingMultiplexer) Capacity() float64 { return m.capacity }

func (m *ForwardingMultiplexer) rateOf(in *InPort) float64 {
	if out, ok := m.binding[in]; ok {
		return out.Rate()
	}
	return 0
}

// OnUpdate implements StageLogic.
func (m *ForwardingMultiplexer) OnUpdate(_ *Stage, _ int64) int64 {
	demand, rate, capacity := 0.0, 0.0, 0.0
	for _, out := range m.outputs {
		capacity += out.Capacity()
	}
	for _, in := range m.inputs {
		out := m.binding[in]
		before := out.Rate()
		out.Push(in.Demand())
		in.Pull(out.Capacity())
		if out.Rate() != before {
			in.notifyUpstream()
		}
		demand += in.Demand()
		rate += out.Rate()
	}
	m.demand, m.rate, m.capacity = demand, rate, capacity
	return Never
}
