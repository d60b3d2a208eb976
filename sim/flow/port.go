package flow

import "math"

// InHandler observes the events arriving at an inlet. Handlers run
// synchronously while the port still holds its previous demand, so
// port.Demand() inside OnPush is the old value.
type InHandler interface {
	OnPush(port *InPort, demand float64)
	OnUpstreamFinish(port *InPort)
}

// OutHandler observes the events arriving at an outlet. port.Capacity()
// inside OnPull is the old value.
type OutHandler interface {
	OnPull(port *OutPort, capacity float64)
	OnDownstreamFinish(port *OutPort)
}

// RateHandler is implemented by inlet handlers that determine the achieved
// rate of their port instead of min(demand, capacity).
type RateHandler interface {
	Rate(port *InPort) float64
}

// InPort receives demand from an upstream outlet and pulls capacity from it.
type InPort struct {
	stage    *Stage
	name     string
	handler  InHandler
	peer     *OutPort
	demand   float64
	capacity float64
}

// Name returns the port name.
func (p *InPort) Name() string {
	return p.name
}

// Stage returns the stage owning the port.
func (p *InPort) Stage() *Stage {
	return p.stage
}

// SetHandler installs the handler notified of events on this port.
func (p *InPort) SetHandler(h InHandler) {
	p.handler = h
}

// Connected reports whether an outlet is attached.
func (p *InPort) Connected() bool {
	return p.peer != nil
}

// Demand returns the demand last pushed by the upstream outlet.
func (p *InPort) Demand() float64 {
	return p.demand
}

// Capacity returns the capacity last pulled through this port.
func (p *InPort) Capacity() float64 {
	return p.capacity
}

// Rate returns the achieved rate of the connection.
func (p *InPort) Rate() float64 {
	if rh, ok := p.handler.(RateHandler); ok {
		return rh.Rate(p)
	}
	return math.Min(p.demand, p.capacity)
}

// Pull offers capacity to the upstream outlet. Pulling an unchanged capacity
// has no effect.
func (p *InPort) Pull(capacity float64) {
	if p.capacity == capacity {
		return
	}
	p.capacity = capacity
	if out := p.peer; out != nil {
		out.receivePull(capacity)
	}
}

// Cancel disconnects the port from its upstream outlet.
func (p *InPort) Cancel() {
	out := p.peer
	if out == nil {
		return
	}
	p.peer = nil
	out.peer = nil
	p.demand = 0
	if out.handler != nil {
		out.handler.OnDownstreamFinish(out)
	}
	out.capacity = 0
	out.stage.Invalidate()
}

func (p *InPort) receivePush(demand float64) {
	if p.handler != nil {
		p.handler.OnPush(p, demand)
	}
	p.demand = demand
	p.stage.Invalidate()
}

// notifyUpstream invalidates the stage feeding this port, used when the
// achieved rate changed without a change in capacity.
func (p *InPort) notifyUpstream() {
	if p.peer != nil {
		p.peer.stage.Invalidate()
	}
}

func (p *InPort) String() string {
	return p.stage.name + "." + p.name
}

// OutPort pushes demand to a downstream inlet.
type OutPort struct {
	stage    *Stage
	name     string
	handler  OutHandler
	peer     *InPort
	demand   float64
	capacity float64
}

// Name returns the port name.
func (p *OutPort) Name() string {
	return p.name
}

// Stage returns the stage owning the port.
func (p *OutPort) Stage() *Stage {
	return p.stage
}

// SetHandler installs the handler notified of events on this port.
func (p *OutPort) SetHandler(h OutHandler) {
	p.handler = h
}

// Connected reports whether an inlet is attached.
func (p *OutPort) Connected() bool {
	return p.peer != nil
}

// Demand returns the demand last pushed through this port.
func (p *OutPort) Demand() float64 {
	return p.demand
}

// Capacity returns the capacity last pulled by the downstream inlet.
func (p *OutPort) Capacity() float64 {
	return p.capacity
}

// Rate returns the achieved rate of the connection, 0 when unconnected.
func (p *OutPort) Rate() float64 {
	if p.peer == nil {
		return 0
	}
	return p.peer.Rate()
}

// Push offers demand to the downstream inlet. Pushing an unchanged demand has
// no effect.
func (p *OutPort) Push(demand float64) {
	if p.demand == demand {
		return
	}
	p.demand = demand
	if in := p.peer; in != nil {
		in.receivePush(demand)
	}
}

// Complete disconnects the port from its downstream inlet.
func (p *OutPort) Complete() {
	in := p.peer
	if in == nil {
		return
	}
	p.peer = nil
	in.peer = nil
	p.capacity = 0
	if in.handler != nil {
		in.handler.OnUpstreamFinish(in)
	}
	in.demand = 0
	in.stage.Invalidate()
}

func (p *OutPort) receivePull(capacity float64) {
	if p.handler != nil {
		p.handler.OnPull(p, capacity)
	}
	p.capacity = capacity
	p.stage.Invalidate()
}

func (p *OutPort) String() string {
	return p.stage.name + "." + p.name
}
