package api

import "time"

// DispatchRequest is the optional body of POST /dispatch. The workflow may
// be omitted when exactly one workflow is defined.
type DispatchRequest struct {
	Workflow string `json:"workflow,omitempty"`
}

type DispatchResponse struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Status   string `json:"status"`
	FiredAt  string `json:"fired_at"`
}

type RunResponse struct {
	ID          string `json:"id"`
	Workflow    string `json:"workflow"`
	Trigger     string `json:"trigger"`
	ScheduledAt string `json:"scheduled_at"`
	FiredAt     string `json:"fired_at"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	CreatedAt   string `json:"created_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

type StepResponse struct {
	Name       string `json:"name"`
	Ordinal    int    `json:"ordinal"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type ListStepsResponse struct {
	Steps []StepResponse `json:"steps"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
