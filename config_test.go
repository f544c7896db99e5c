package courier_test

import (
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := courier.ConfigFromEnv(envOf(nil))
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg != courier.DefaultConfig() {
		t.Errorf("empty environment changed the defaults: %+v", cfg)
	}
	if cfg.AttemptTimeout != 150*time.Second || cfg.FailureThreshold != 1 || !cfg.RecoverOnStart {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigFromEnv_Overlay(t *testing.T) {
	cfg, err := courier.ConfigFromEnv(envOf(map[string]string{
		"COURIER_CONCURRENCY":       "32",
		"COURIER_MAX_ATTEMPTS":      "3",
		"COURIER_FAILURE_THRESHOLD": "0",
		"COURIER_ATTEMPT_TIMEOUT":   "90s",
		"COURIER_BACKOFF_JITTER":    "0.5",
		"COURIER_DLQ_RETENTION":     "48h",
		"COURIER_RECOVER_ON_START":  "false",
	}))
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Concurrency != 32 || cfg.MaxAttempts != 3 || cfg.FailureThreshold != 0 {
		t.Errorf("ints not applied: %+v", cfg)
	}
	if cfg.AttemptTimeout != 90*time.Second || cfg.DLQRetention != 48*time.Hour {
		t.Errorf("durations not applied: %+v", cfg)
	}
	if cfg.BackoffJitter != 0.5 || cfg.RecoverOnStart {
		t.Errorf("jitter or recover flag not applied: %+v", cfg)
	}
	if cfg.MaxBatch != 1000 {
		t.Errorf("unset MaxBatch = %d, want default", cfg.MaxBatch)
	}
}

func TestConfigFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad int", map[string]string{"COURIER_MAX_BATCH": "many"}, "COURIER_MAX_BATCH"},
		{"bad duration", map[string]string{"COURIER_IDEMPOTENCY_TTL": "1 day"}, "COURIER_IDEMPOTENCY_TTL"},
		{"bad bool", map[string]string{"COURIER_RECOVER_ON_START": "maybe"}, "COURIER_RECOVER_ON_START"},
		{"invalid value", map[string]string{"COURIER_CONCURRENCY": "0"}, "concurrency"},
		{"jitter out of range", map[string]string{"COURIER_BACKOFF_JITTER": "1"}, "jitter"},
		{"zero attempt timeout", map[string]string{"COURIER_ATTEMPT_TIMEOUT": "0s"}, "attempt timeout"},
		{"bad reclaim interval", map[string]string{"COURIER_RECLAIM_INTERVAL": "soon"}, "COURIER_RECLAIM_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := courier.ConfigFromEnv(envOf(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNew_Options(t *testing.T) {
	c, err := courier.New(
		courier.WithConcurrency(4),
		courier.WithMaxAttempts(7),
		courier.WithMaxBatch(10),
		courier.WithFailureThreshold(0),
		courier.WithAttemptTimeout(time.Minute),
		courier.WithReclaimInterval(-1),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := c.Config()
	if cfg.Concurrency != 4 || cfg.MaxAttempts != 7 || cfg.MaxBatch != 10 || cfg.FailureThreshold != 0 {
		t.Errorf("options not applied: %+v", cfg)
	}
	if cfg.AttemptTimeout != time.Minute || cfg.ReclaimInterval != -1 {
		t.Errorf("timeouts not applied: %+v", cfg)
	}

	if _, err := courier.New(courier.WithConcurrency(0)); err == nil {
		t.Error("expected an error for zero concurrency")
	}
}
