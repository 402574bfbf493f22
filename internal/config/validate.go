package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	if cfg.WorkflowFile == "" {
		errs = append(errs, ValidationError{
			Field:   "WORKFLOW_FILE",
			Message: "required",
		})
	}

	errs = appendDurationError(errs, "TICK_INTERVAL", cfg.TickIntervalStr)
	errs = appendDurationError(errs, "DB_OP_TIMEOUT", cfg.DBOpTimeoutStr)
	errs = appendDurationError(errs, "RUNNER_DRAIN_TIMEOUT", cfg.RunnerDrainTimeoutStr)
	errs = appendDurationError(errs, "RECONCILE_INTERVAL", cfg.ReconcileIntervalStr)
	errs = appendDurationError(errs, "RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr)
	errs = appendDurationError(errs, "RECONCILE_STALE_THRESHOLD", cfg.ReconcileStaleThresholdStr)
	errs = appendDurationError(errs, "CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr)
	errs = appendDurationError(errs, "DB_POLL_INTERVAL", cfg.DBPollIntervalStr)
	errs = appendDurationError(errs, "LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr)
	errs = appendDurationError(errs, "LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationError(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
