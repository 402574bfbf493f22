package domain

import "time"

// AnalyticsConfig enables per-workflow run outcome counters.
type AnalyticsConfig struct {
	Enabled bool

	// Retention bounds how long outcome counters live in the sink.
	Retention time.Duration
}
