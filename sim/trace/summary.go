package trace

// TraceSummary aggregates statistics from a PlacementTrace.
type TraceSummary struct {
	TotalDecisions   int
	PlacedCount      int
	RejectedCount    int
	MeanRegret       float64
	MaxRegret        float64
	UniqueHosts      int
	HostDistribution map[string]int // host name → count of VMs placed
}

// Summarize computes aggregate statistics from a PlacementTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(pt *PlacementTrace) *TraceSummary {
	summary := &TraceSummary{
		HostDistribution: make(map[string]int),
	}
	if pt == nil {
		return summary
	}

	summary.PlacedCount = len(pt.Placements)
	summary.RejectedCount = len(pt.Rejections)
	summary.TotalDecisions = summary.PlacedCount + summary.RejectedCount

	if len(pt.Placements) > 0 {
		totalRegret := 0.0
		for _, p := range pt.Placements {
			summary.HostDistribution[p.ChosenHost]++
			totalRegret += p.Regret
			if p.Regret > summary.MaxRegret {
				summary.MaxRegret = p.Regret
			}
		}
		summary.MeanRegret = totalRegret / float64(len(pt.Placements))
	}

	summary.UniqueHosts = len(summary.HostDistribution)

	return summary
}
