package domain

import "time"

// Severity is a discrete classification of an overall drift score.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AtLeast reports whether s is as severe or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank(s) >= severityRank(other)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// DriftAssessment is a point-in-time drift evaluation for one model.
// Assessments are immutable once written; newer assessments supersede older
// ones, they never update them.
type DriftAssessment struct {
	ID        string
	ModelID   string
	Timestamp time.Time

	// Signal scores, each in [0,1].
	FeatureDrift     float64
	LabelDrift       float64
	ConceptDrift     float64
	DataQualityDrift float64

	OverallScore float64
	Severity     Severity

	// NoData marks an evaluation skipped for lack of observations. No
	// severity is assigned and nothing is published for such a record.
	NoData      bool
	SampleCount int
}
