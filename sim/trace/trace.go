package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures every placement decision.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel `yaml:"level"`
	// Candidates is the number of best-scored hosts kept per placement.
	Candidates int `yaml:"candidates"`
}

// Enabled reports whether decisions are recorded.
func (c TraceConfig) Enabled() bool {
	return c.Level == TraceLevelDecisions
}

// PlacementTrace collects decision records while VMs are placed.
type PlacementTrace struct {
	Config     TraceConfig
	Placements []PlacementRecord
	Rejections []RejectionRecord
}

// NewPlacementTrace creates a PlacementTrace ready for recording.
func NewPlacementTrace(config TraceConfig) *PlacementTrace {
	return &PlacementTrace{
		Config:     config,
		Placements: make([]PlacementRecord, 0),
		Rejections: make([]RejectionRecord, 0),
	}
}

// RecordPlacement appends a placement decision record.
func (pt *PlacementTrace) RecordPlacement(record PlacementRecord) {
	pt.Placements = append(pt.Placements, record)
}

// RecordRejection appends a record for a VM no host could take.
func (pt *PlacementTrace) RecordRejection(record RejectionRecord) {
	pt.Rejections = append(pt.Rejections, record)
}
