// Package trace provides decision-trace recording for VM placement analysis.
// This package has no dependencies on sim/ or sim/cluster/; it stores pure data types.
package trace

// RejectionRecord captures a VM that passed no host's filters.
type RejectionRecord struct {
	VMID  string
	Start int64
	End   int64
}

// CandidateScore captures a host that passed the filters, with the weigher
// score and the peak use already reserved during the VM's lifetime.
type CandidateScore struct {
	Host           string
	Score          float64
	ReservedCPUs   int
	ReservedGPUs   int
	ReservedMemory int64
}

// PlacementRecord captures a single placement decision. Start and End are
// the engine-time interval the VM reserves.
type PlacementRecord struct {
	VMID       string
	Start      int64
	End        int64
	ChosenHost string
	Policy     string
	Eligible   int              // hosts that passed the filters
	Candidates []CandidateScore // top-k candidates sorted by score desc (nil if k=0)
	Regret     float64          // max(candidate scores) - score(chosen); 0 if chosen is best
}
