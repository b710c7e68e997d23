package config

import (
	"testing"
	"time"
)

func TestGetFloatFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_FLOAT", "not-a-number")
	if got := GetFloat("TEST_FLOAT", 0.25); got != 0.25 {
		t.Fatalf("got %f, want fallback 0.25", got)
	}
	t.Setenv("TEST_FLOAT", "0.5")
	if got := GetFloat("TEST_FLOAT", 0.25); got != 0.5 {
		t.Fatalf("got %f, want 0.5", got)
	}
}

func TestGetSecondsParsesWholeSeconds(t *testing.T) {
	t.Setenv("TEST_SECONDS", "90")
	if got := GetSeconds("TEST_SECONDS", time.Minute); got != 90*time.Second {
		t.Fatalf("got %s, want 90s", got)
	}
	t.Setenv("TEST_SECONDS", "-5")
	if got := GetSeconds("TEST_SECONDS", time.Minute); got != time.Minute {
		t.Fatalf("got %s, want fallback 1m", got)
	}
}

func TestDriftWeightsSum(t *testing.T) {
	w := DriftWeights{Feature: 0.30, Label: 0.25, Concept: 0.30, Quality: 0.15}
	if sum := w.Sum(); sum != 1.0 {
		t.Fatalf("got sum %f, want 1.0", sum)
	}
}

func TestLoadOrchestratorConfigDefaults(t *testing.T) {
	cfg := LoadOrchestratorConfig()
	if cfg.DriftThresholds.Critical <= cfg.DriftThresholds.High ||
		cfg.DriftThresholds.High <= cfg.DriftThresholds.Medium ||
		cfg.DriftThresholds.Medium <= cfg.DriftThresholds.Low {
		t.Fatalf("default thresholds not ascending: %+v", cfg.DriftThresholds)
	}
	if cfg.MinSampleCount <= 0 || cfg.ObservationLimit <= 0 {
		t.Fatalf("sampling defaults must be positive: %+v", cfg)
	}
}
