package cmd

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/hostsim/sim/topology"
	"github.com/inference-sim/hostsim/sim/workload"
)

// Platform describes a cloud-gaming platform preset in defaults.yaml. Every
// cluster of the platform runs Instances game sessions, one per host.
type Platform struct {
	CPUCount    int     `yaml:"cpu_count"`
	GPUCount    int     `yaml:"gpu_count"`
	CPUCapacity float64 `yaml:"cpu_capacity_ghz"`
	GPUCapacity float64 `yaml:"gpu_capacity_ghz"`
	Memory      int64   `yaml:"memory_gb"`
	Instances   int     `yaml:"instances_per_cluster"`
	CPUIdleDraw float64 `yaml:"cpu_idle_draw"`
	CPUMaxDraw  float64 `yaml:"cpu_max_draw"`
	GPUIdleDraw float64 `yaml:"gpu_idle_draw"`
	GPUMaxDraw  float64 `yaml:"gpu_max_draw"`
}

// Config represents the full defaults.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Version   string              `yaml:"version"`
	Platforms map[string]Platform `yaml:"platforms"`
}

// loadDefaultsConfig parses defaults.yaml into a Config struct, rejecting
// unknown fields.
func loadDefaultsConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading defaults file: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing defaults YAML: %w", err)
	}
	return cfg, nil
}

// Platform returns the named preset.
func (c Config) Platform(name string) (Platform, error) {
	p, ok := c.Platforms[name]
	if !ok {
		names := make([]string, 0, len(c.Platforms))
		for n := range c.Platforms {
			names = append(names, n)
		}
		sort.Strings(names)
		return Platform{}, fmt.Errorf("unknown platform %q; valid platforms: %v", name, names)
	}
	if p.Instances <= 0 || p.CPUCount < p.Instances {
		return Platform{}, fmt.Errorf("platform %q: need at least one core per instance, got %d cores for %d instances", name, p.CPUCount, p.Instances)
	}
	return p, nil
}

// Clusters returns enough identical clusters to host maxPlayers sessions.
func (p Platform) Clusters(maxPlayers int) []topology.ClusterSpec {
	n := int(math.Ceil(float64(maxPlayers) / float64(p.Instances)))
	clusters := make([]topology.ClusterSpec, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("A%02d", i)
		clusters = append(clusters, topology.ClusterSpec{
			ID:          id,
			Name:        id,
			CPUCount:    p.CPUCount,
			CPUCapacity: p.CPUCapacity * 1000,
			GPUCount:    p.GPUCount,
			GPUCapacity: p.GPUCapacity * 1000,
			MemCapacity: float64(p.Memory) * 1000,
			HostCount:   p.Instances,
			CPUIdleDraw: p.CPUIdleDraw,
			CPUMaxDraw:  p.CPUMaxDraw,
			GPUIdleDraw: p.GPUIdleDraw,
			GPUMaxDraw:  p.GPUMaxDraw,
		})
	}
	return clusters
}

// Sessions returns the generator settings for game sessions sized to one
// instance of the platform. Utilizations are fractions of the provisioned
// capacity. On GPU platforms every session gets a single vGPU carrying its
// share of the cluster's GPUs.
func (p Platform) Sessions(cpuUtilization, gpuUtilization float64, usersPerHour []int) workload.CloudGamingConfig {
	cores := p.CPUCount / p.Instances
	gpuShare := p.GPUCapacity * float64(p.GPUCount) / float64(p.Instances)
	gpus := 0
	if p.GPUCount > 0 {
		gpus = 1
	}
	return workload.CloudGamingConfig{
		UsersPerHour: usersPerHour,
		CPUCount:     cores,
		CPUUsage:     cpuUtilization * p.CPUCapacity * 1000 * float64(cores),
		CPUCapacity:  p.CPUCapacity * 1000,
		GPUCount:     gpus,
		GPUUsage:     gpuUtilization * gpuShare * 1000,
		GPUCapacity:  gpuShare * 1000,
		MemCapacity:  p.Memory,
	}
}
