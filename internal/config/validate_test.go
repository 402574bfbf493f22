package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		DatabaseURL:  "postgres://localhost/db",
		WorkflowFile: "workflow.toml",
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("expected DATABASE_URL in error, got %v", err)
	}
}

func TestValidate_MissingWorkflowFile(t *testing.T) {
	cfg := validConfig()
	cfg.WorkflowFile = ""

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "WORKFLOW_FILE") {
		t.Errorf("expected WORKFLOW_FILE error, got %v", err)
	}
}

func TestValidate_InvalidDurations(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(c *Config)
	}{
		{"TICK_INTERVAL", func(c *Config) { c.TickIntervalStr = "banana" }},
		{"TICK_INTERVAL", func(c *Config) { c.TickIntervalStr = "-5s" }},
		{"DB_OP_TIMEOUT", func(c *Config) { c.DBOpTimeoutStr = "xyz" }},
		{"RECONCILE_THRESHOLD", func(c *Config) { c.ReconcileThresholdStr = "0s" }},
		{"RECONCILE_STALE_THRESHOLD", func(c *Config) { c.ReconcileStaleThresholdStr = "soon" }},
		{"CIRCUIT_BREAKER_COOLDOWN", func(c *Config) { c.CircuitBreakerCooldownStr = "later" }},
		{"LEADER_RETRY_INTERVAL", func(c *Config) { c.LeaderRetryIntervalStr = "-1s" }},
	}

	for _, tt := range tests {
		cfg := validConfig()
		tt.mutate(&cfg)
		err := Validate(cfg)
		if err == nil {
			t.Errorf("%s: expected error", tt.field)
			continue
		}
		if !strings.Contains(err.Error(), tt.field) {
			t.Errorf("expected %s in error, got %v", tt.field, err)
		}
	}
}

func TestValidationErrors_Message(t *testing.T) {
	errs := ValidationErrors{
		{Field: "A", Message: "required"},
		{Field: "B", Message: "must be positive"},
	}

	msg := errs.Error()
	if !strings.Contains(msg, "2 validation errors") {
		t.Errorf("expected count header, got %q", msg)
	}
	if !strings.Contains(msg, "A: required") || !strings.Contains(msg, "B: must be positive") {
		t.Errorf("expected each error listed, got %q", msg)
	}

	single := ValidationErrors{{Field: "A", Message: "required"}}
	if single.Error() != "A: required" {
		t.Errorf("single error format: got %q", single.Error())
	}
}
