package workload

import (
	"fmt"
	"math/rand"
	"strconv"
)

// HourMillis is the length of one generated fragment.
const HourMillis int64 = 3_600_000

// CloudGamingConfig parameterizes a synthetic cloud-gaming workload where
// every player session is a VM and the number of concurrent players changes
// hourly.
type CloudGamingConfig struct {
	StartTime    int64 // epoch ms of the first hour
	UsersPerHour []int

	CPUCount    int
	CPUUsage    float64 // MHz, whole VM
	CPUCapacity float64 // MHz per core
	GPUCount    int
	GPUUsage    float64 // MHz per GPU
	GPUCapacity float64 // MHz per GPU
	MemCapacity int64   // MiB

	// Jitter is the relative amplitude of uniform noise applied to the usage
	// of each player-hour. Zero produces constant usage.
	Jitter float64
}

// GenerateCloudGaming produces trace and meta rows. Player i (1-based) is
// active during every hour that has at least i users.
func GenerateCloudGaming(cfg CloudGamingConfig, rng *rand.Rand) ([]TraceRow, []MetaRow, error) {
	if len(cfg.UsersPerHour) == 0 {
		return nil, nil, fmt.Errorf("users per hour must not be empty")
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		return nil, nil, fmt.Errorf("jitter must be in [0, 1), got %f", cfg.Jitter)
	}
	if cfg.Jitter > 0 && rng == nil {
		return nil, nil, fmt.Errorf("jitter requires a random source")
	}

	maxPlayers := 0
	var trace []TraceRow
	for hour, users := range cfg.UsersPerHour {
		if users < 0 {
			return nil, nil, fmt.Errorf("hour %d has negative user count %d", hour, users)
		}
		maxPlayers = max(maxPlayers, users)
		end := cfg.StartTime + int64(hour+1)*HourMillis
		for u := 1; u <= users; u++ {
			trace = append(trace, TraceRow{
				ID:        strconv.Itoa(u),
				Timestamp: end,
				Duration:  HourMillis,
				CPUCores:  cfg.CPUCount,
				CPUUsage:  jitter(cfg.CPUUsage, cfg.Jitter, rng),
				GPUCount:  cfg.GPUCount,
				GPUUsage:  jitter(cfg.GPUUsage, cfg.Jitter, rng),
			})
		}
	}

	meta := make([]MetaRow, 0, maxPlayers)
	for u := 1; u <= maxPlayers; u++ {
		first, last := -1, -1
		for hour, users := range cfg.UsersPerHour {
			if users >= u {
				if first < 0 {
					first = hour
				}
				last = hour
			}
		}
		meta = append(meta, MetaRow{
			ID:          strconv.Itoa(u),
			StartTime:   cfg.StartTime + int64(first)*HourMillis,
			StopTime:    cfg.StartTime + int64(last+1)*HourMillis,
			CPUCores:    cfg.CPUCount,
			CPUCapacity: cfg.CPUCapacity,
			GPUCount:    cfg.GPUCount,
			GPUCapacity: cfg.GPUCapacity,
			MemCapacity: cfg.MemCapacity,
		})
	}
	return trace, meta, nil
}

func jitter(v, amplitude float64, rng *rand.Rand) float64 {
	if amplitude == 0 {
		return v
	}
	return v * (1 + amplitude*(2*rng.Float64()-1))
}
