package domain

import "time"

// Observation is one production prediction record used for drift scoring.
// Observations are produced by the prediction-recording path and only read
// here.
type Observation struct {
	ModelID    string
	Features   map[string]float64
	Prediction float64
	Label      *float64
	RecordedAt time.Time
}

// PerformanceSample is a single recorded metric value in a per-model time
// series. The series is append-only.
type PerformanceSample struct {
	ModelID    string
	Metric     string
	Value      float64
	RecordedAt time.Time
	Metadata   map[string]string
}

// FeatureStats holds the distribution summary for one feature captured at
// training time.
type FeatureStats struct {
	Mean   float64
	StdDev float64
}

// Baseline is the reference snapshot drift is measured against: feature and
// label distributions plus metric baselines recorded at training/validation
// time.
type Baseline struct {
	ModelID    string
	Features   map[string]FeatureStats
	Label      FeatureStats
	Metrics    map[string]float64
	CapturedAt time.Time
}
