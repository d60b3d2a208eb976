package cluster

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/hostsim/sim/flow"
	"github.com/inference-sim/hostsim/sim/kernel/cpufreq"
	"github.com/inference-sim/hostsim/sim/power"
	"github.com/inference-sim/hostsim/sim/trace"
)

// DefaultSampleInterval is the period of host samples, in milliseconds.
const DefaultSampleInterval int64 = 5 * 60 * 1000

// Config holds the experiment settings, loadable from a YAML file.
// Zero values select the defaults applied by WithDefaults.
type Config struct {
	Seed int64 `yaml:"seed"`
	// Horizon stops the simulation at this many milliseconds after the first
	// VM starts. Zero runs until every VM has finished.
	Horizon        int64 `yaml:"horizon_ms"`
	Parallelism    int   `yaml:"parallelism"`
	SampleInterval int64 `yaml:"sample_interval_ms"`

	Multiplexer string `yaml:"multiplexer"`
	// MaxInputs bounds the inputs of a max-min multiplexer; zero is unbounded.
	MaxInputs int `yaml:"max_inputs"`

	Governor  GovernorConfig  `yaml:"governor"`
	Placement PlacementConfig `yaml:"placement"`

	// CPUPower and GPUPower replace the power models derived from the
	// topology for every host.
	CPUPower *power.ModelConfig `yaml:"cpu_power"`
	GPUPower *power.ModelConfig `yaml:"gpu_power"`

	// DisableInterference ignores an interference model found next to the
	// trace.
	DisableInterference bool `yaml:"disable_interference"`

	// DecisionTrace records every placement decision in the result.
	DecisionTrace trace.TraceConfig `yaml:"decision_trace"`
}

// GovernorConfig selects the CPU frequency governor of every host.
type GovernorConfig struct {
	Name      string  `yaml:"name"`
	Threshold float64 `yaml:"threshold"`
	Step      float64 `yaml:"step"`
}

// PlacementConfig selects how VMs are assigned to hosts.
type PlacementConfig struct {
	Policy string `yaml:"policy"`
	// CPUOvercommit is the ratio of vCPUs to physical cores a host accepts.
	CPUOvercommit float64 `yaml:"cpu_overcommit"`
	// MemOvercommit is the ratio of VM memory to host memory a host accepts.
	MemOvercommit float64 `yaml:"mem_overcommit"`
}

// ValidMultiplexers is the set of recognized multiplexer names.
var ValidMultiplexers = map[string]bool{"": true, "max-min": true, "forwarding": true}

// ValidPlacementPolicies is the set of recognized placement policy names.
var ValidPlacementPolicies = map[string]bool{"": true, "filter": true, "first-fit": true, "round-robin": true, "random": true}

// LoadConfig reads a YAML experiment file. Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading experiment config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing experiment config: %w", err)
	}
	return &cfg, nil
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.SampleInterval == 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.Multiplexer == "" {
		c.Multiplexer = "max-min"
	}
	if c.Placement.Policy == "" {
		c.Placement.Policy = "filter"
	}
	if c.Placement.CPUOvercommit == 0 {
		c.Placement.CPUOvercommit = 16
	}
	if c.Placement.MemOvercommit == 0 {
		c.Placement.MemOvercommit = 1
	}
	return c
}

// Validate checks names and parameter ranges.
func (c *Config) Validate() error {
	if !ValidMultiplexers[c.Multiplexer] {
		return fmt.Errorf("unknown multiplexer %q", c.Multiplexer)
	}
	if !ValidPlacementPolicies[c.Placement.Policy] {
		return fmt.Errorf("unknown placement policy %q", c.Placement.Policy)
	}
	if !cpufreq.IsValidGovernor(c.Governor.Name) {
		return fmt.Errorf("unknown governor %q; valid governors: %v", c.Governor.Name, cpufreq.ValidGovernorNames())
	}
	if c.Horizon < 0 {
		return fmt.Errorf("horizon_ms must be non-negative, got %d", c.Horizon)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must be non-negative, got %d", c.Parallelism)
	}
	if c.SampleInterval < 0 {
		return fmt.Errorf("sample_interval_ms must be non-negative, got %d", c.SampleInterval)
	}
	if c.MaxInputs < 0 {
		return fmt.Errorf("max_inputs must be non-negative, got %d", c.MaxInputs)
	}
	if c.Governor.Threshold < 0 || c.Governor.Threshold > 1 {
		return fmt.Errorf("governor threshold must be in [0, 1], got %f", c.Governor.Threshold)
	}
	if c.Governor.Step < 0 {
		return fmt.Errorf("governor step must be non-negative, got %f", c.Governor.Step)
	}
	if c.Placement.CPUOvercommit < 0 || c.Placement.MemOvercommit < 0 {
		return fmt.Errorf("overcommit ratios must be non-negative, got cpu=%f mem=%f",
			c.Placement.CPUOvercommit, c.Placement.MemOvercommit)
	}
	if !trace.IsValidTraceLevel(string(c.DecisionTrace.Level)) {
		return fmt.Errorf("unknown decision trace level %q", c.DecisionTrace.Level)
	}
	if c.DecisionTrace.Candidates < 0 {
		return fmt.Errorf("decision trace candidates must be non-negative, got %d", c.DecisionTrace.Candidates)
	}
	for name, pc := range map[string]*power.ModelConfig{"cpu_power": c.CPUPower, "gpu_power": c.GPUPower} {
		if pc == nil {
			continue
		}
		if _, err := power.NewModel(*pc); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) multiplexerFactory() flow.MultiplexerFactory {
	if c.Multiplexer == "forwarding" {
		return flow.ForwardingFactory()
	}
	return flow.MaxMinFactory(c.MaxInputs)
}

func (c *Config) governorFactory() (cpufreq.Factory, error) {
	return cpufreq.ByName(c.Governor.Name, c.Governor.Threshold, c.Governor.Step)
}

// psu returns the PSU factory of a host, applying the configured power
// model overrides.
func (c *Config) psu(cpu, gpu power.Model, fallback power.Factory) (power.Factory, error) {
	if c.CPUPower == nil && c.GPUPower == nil {
		return fallback, nil
	}
	var err error
	if c.CPUPower != nil {
		if cpu, err = power.NewModel(*c.CPUPower); err != nil {
			return nil, fmt.Errorf("cpu_power: %w", err)
		}
	}
	if c.GPUPower != nil {
		if gpu, err = power.NewModel(*c.GPUPower); err != nil {
			return nil, fmt.Errorf("gpu_power: %w", err)
		}
	}
	if cpu == nil {
		return nil, fmt.Errorf("cpu_power: host has no CPU power model to keep")
	}
	if gpu == nil {
		return power.Simple(cpu), nil
	}
	return power.SimpleGaming(cpu, gpu), nil
}
