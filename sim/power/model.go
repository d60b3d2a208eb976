// Package power estimates the electrical power drawn by a machine from the
// utilization of its processing units, and integrates it into energy.
package power

import (
	"fmt"
	"math"
	"sort"
)

// Model maps a utilization in [0, 1] to power in watts.
type Model interface {
	ComputePower(utilization float64) float64
}

// ModelFunc adapts a function to Model.
type ModelFunc func(utilization float64) float64

// ComputePower implements Model.
func (f ModelFunc) ComputePower(utilization float64) float64 {
	return f(utilization)
}

// Constant draws the same power regardless of utilization.
func Constant(power float64) Model {
	return ModelFunc(func(float64) float64 { return power })
}

// Linear interpolates linearly between idle and max power.
func Linear(max, idle float64) Model {
	return ModelFunc(func(u float64) float64 {
		return idle + (max-idle)/100*(clamp01(u)*100)
	})
}

// Sqrt grows with the square root of utilization.
func Sqrt(max, idle float64) Model {
	return ModelFunc(func(u float64) float64 {
		return idle + (max-idle)/math.Sqrt(100)*math.Sqrt(clamp01(u)*100)
	})
}

// Square grows with the square of utilization.
func Square(max, idle float64) Model {
	return ModelFunc(func(u float64) float64 {
		return idle + (max-idle)/math.Pow(100, 2)*math.Pow(clamp01(u)*100, 2)
	})
}

// Cubic grows with the cube of utilization.
func Cubic(max, idle float64) Model {
	return ModelFunc(func(u float64) float64 {
		return idle + (max-idle)/math.Pow(100, 3)*math.Pow(clamp01(u)*100, 3)
	})
}

// PowerLaw grows with utilization raised to gamma; gamma > 1 bends the curve
// down at low load.
func PowerLaw(max, idle, gamma float64) Model {
	return ModelFunc(func(u float64) float64 {
		return idle + (max-idle)*pow(clamp01(u), gamma)
	})
}

// Interpolation interpolates linearly between power levels measured at
// evenly spaced utilizations. levels[0] is the draw at 0% and the last level
// the draw at 100%. The levels are sorted to keep the model monotonic.
func Interpolation(levels ...float64) Model {
	pts := append([]float64(nil), levels...)
	sort.Float64s(pts)
	return ModelFunc(func(u float64) float64 {
		switch len(pts) {
		case 0:
			return 0
		case 1:
			return pts[0]
		}
		pos := clamp01(u) * float64(len(pts)-1)
		lo := int(math.Floor(pos))
		if lo >= len(pts)-1 {
			return pts[len(pts)-1]
		}
		frac := pos - float64(lo)
		return pts[lo] + (pts[lo+1]-pts[lo])*frac
	})
}

// ZeroIdle reports no power when the utilization is zero and delegates
// otherwise.
func ZeroIdle(m Model) Model {
	return ModelFunc(func(u float64) float64 {
		if u <= 0 {
			return 0
		}
		return m.ComputePower(u)
	})
}

// ValidModels is the set of recognized power model names.
var ValidModels = map[string]bool{
	"constant": true, "linear": true, "sqrt": true, "square": true,
	"cubic": true, "power-law": true, "interpolation": true,
}

// ModelConfig selects and parameterizes a power model.
type ModelConfig struct {
	Name   string    `yaml:"model"`
	Idle   float64   `yaml:"idle_watts"`
	Max    float64   `yaml:"max_watts"`
	Gamma  float64   `yaml:"gamma,omitempty"`
	Levels []float64 `yaml:"levels,omitempty"`
}

// NewModel builds the power model described by cfg.
func NewModel(cfg ModelConfig) (Model, error) {
	if !ValidModels[cfg.Name] {
		return nil, fmt.Errorf("unknown power model %q", cfg.Name)
	}
	if cfg.Max < cfg.Idle {
		return nil, fmt.Errorf("power model %q: max_watts %.2f below idle_watts %.2f", cfg.Name, cfg.Max, cfg.Idle)
	}
	switch cfg.Name {
	case "constant":
		return Constant(cfg.Max), nil
	case "sqrt":
		return Sqrt(cfg.Max, cfg.Idle), nil
	case "square":
		return Square(cfg.Max, cfg.Idle), nil
	case "cubic":
		return Cubic(cfg.Max, cfg.Idle), nil
	case "power-law":
		if cfg.Gamma <= 0 {
			return nil, fmt.Errorf("power-law model needs a positive gamma, got %f", cfg.Gamma)
		}
		return PowerLaw(cfg.Max, cfg.Idle, cfg.Gamma), nil
	case "interpolation":
		if len(cfg.Levels) == 0 {
			return nil, fmt.Errorf("interpolation model needs at least one level")
		}
		return Interpolation(cfg.Levels...), nil
	default:
		return Linear(cfg.Max, cfg.Idle), nil
	}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func pow(a, b float64) float64 {
	if a <= 0 {
		return 0
	}
	return math.Exp(b * math.Log(a))
}
