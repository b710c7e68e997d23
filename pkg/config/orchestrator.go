package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator daemon.
type OrchestratorConfig struct {
	Environment   string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	MetricsAddr   string

	ServingImage        string
	ServingDomainSuffix string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LeaseTTL           time.Duration
	ProvisionTimeout   time.Duration
	HealthCheckTimeout time.Duration
	DeployingTTL       time.Duration

	AssessInterval   time.Duration
	ObservationLimit int
	MinSampleCount   int
	DecayWindow      time.Duration
	DecayThreshold   float64

	DriftWeights    DriftWeights
	DriftThresholds DriftThresholds
}

// DriftWeights combines the four drift signals into an overall score.
// They must sum to 1.0; Validate enforces it.
type DriftWeights struct {
	Feature float64
	Label   float64
	Concept float64
	Quality float64
}

// Sum returns the total weight mass.
func (w DriftWeights) Sum() float64 {
	return w.Feature + w.Label + w.Concept + w.Quality
}

// DriftThresholds classifies an overall score into a severity band.
// Values are exclusive lower bounds, ordered Low < Medium < High < Critical.
type DriftThresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:   GetString("APP_ENV", "development"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://modelhelm:modelhelm@db:5432/modelhelm?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		MetricsAddr:   GetString("METRICS_ADDR", ":9464"),

		ServingImage:        GetString("SERVING_IMAGE", "modelhelm/serving:latest"),
		ServingDomainSuffix: GetString("SERVING_DOMAIN_SUFFIX", ".serving.local"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		LeaseTTL:           GetSeconds("DEPLOY_LEASE_TTL_SECONDS", 5*time.Minute),
		ProvisionTimeout:   GetSeconds("PROVISION_TIMEOUT_SECONDS", 2*time.Minute),
		HealthCheckTimeout: GetSeconds("HEALTH_CHECK_TIMEOUT_SECONDS", 30*time.Second),
		DeployingTTL:       GetSeconds("DEPLOYING_TTL_SECONDS", 15*time.Minute),

		AssessInterval:   GetSeconds("DRIFT_ASSESS_INTERVAL_SECONDS", 5*time.Minute),
		ObservationLimit: GetInt("DRIFT_OBSERVATION_LIMIT", 1000),
		MinSampleCount:   GetInt("DRIFT_MIN_SAMPLE_COUNT", 30),
		DecayWindow:      GetSeconds("DECAY_WINDOW_SECONDS", 7*24*time.Hour),
		DecayThreshold:   GetFloat("DECAY_THRESHOLD", 0.10),

		DriftWeights: DriftWeights{
			Feature: GetFloat("DRIFT_WEIGHT_FEATURE", 0.30),
			Label:   GetFloat("DRIFT_WEIGHT_LABEL", 0.25),
			Concept: GetFloat("DRIFT_WEIGHT_CONCEPT", 0.30),
			Quality: GetFloat("DRIFT_WEIGHT_QUALITY", 0.15),
		},
		DriftThresholds: DriftThresholds{
			Low:      GetFloat("DRIFT_THRESHOLD_LOW", 0.05),
			Medium:   GetFloat("DRIFT_THRESHOLD_MEDIUM", 0.10),
			High:     GetFloat("DRIFT_THRESHOLD_HIGH", 0.20),
			Critical: GetFloat("DRIFT_THRESHOLD_CRITICAL", 0.30),
		},
	}
}
