package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"rsirunner/internal/domain"
	"rsirunner/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	InsertRun(ctx context.Context, run domain.Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]domain.Run, error)
	ListStepResults(ctx context.Context, runID uuid.UUID) ([]domain.StepResult, error)
}

// Source provides the current workflow definitions for dispatch.
type Source interface {
	Workflows() []domain.Workflow
	Lookup(name string) (domain.Workflow, bool)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store   Store
	source  Source
	emitter EventEmitter
	db      HealthChecker // optional
	limiter *rate.Limiter // optional, guards /dispatch
	clock   func() time.Time
}

func NewHandler(store Store, source Source, emitter EventEmitter) *Handler {
	return &Handler{
		store:   store,
		source:  source,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health
// responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithDispatchLimit rate-limits manual dispatches.
func (h *Handler) WithDispatchLimit(perSecond float64, burst int) *Handler {
	h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/dispatch" && r.Method == http.MethodPost:
		h.dispatch(w, r)

	case path == "/runs" && r.Method == http.MethodGet:
		h.listRuns(w, r)

	case strings.HasSuffix(path, "/steps") && r.Method == http.MethodGet:
		h.listSteps(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (64KB).
const maxRequestBodySize = 64 << 10

// dispatch creates exactly one manual run and emits its trigger event.
// No parameters are required; the body may name a workflow when more than
// one is defined.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "dispatch rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	wf, err := h.resolveWorkflow(req.Workflow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	runID := uuid.New()

	// Manual runs keep the full-resolution dispatch time as scheduled_at so
	// they never collide with a scheduled run's idempotency key.
	run := domain.Run{
		ID:          runID,
		Workflow:    wf.Name,
		Trigger:     domain.TriggerKindManual,
		ScheduledAt: now,
		FiredAt:     now,
		Status:      domain.RunStatusPending,
		ExitCode:    domain.ExitCodeNone,
		CreatedAt:   now,
	}

	if err := h.store.InsertRun(r.Context(), run); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateRun) {
			// Two dispatches inside the same timestamp resolution collide
			// on the run's uniqueness key. The first one won; retrying a
			// moment later gets a fresh scheduled_at.
			writeError(w, http.StatusConflict, "a run for this workflow was just dispatched, retry shortly")
			return
		}
		log.Printf("api: dispatch insert error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	event := domain.TriggerEvent{
		RunID:          runID,
		Workflow:       wf.Name,
		Trigger:        domain.TriggerKindManual,
		ScheduledAt:    now,
		FiredAt:        now,
		IdempotencyKey: manualIdempotencyKey(wf.Name, now),
		CreatedAt:      now,
	}

	if err := h.emitter.Emit(r.Context(), event); err != nil {
		// The run stays pending; the reconciler will re-emit it.
		log.Printf("api: dispatch emit error: %v", err)
	}

	writeJSON(w, http.StatusAccepted, DispatchResponse{
		RunID:    runID.String(),
		Workflow: wf.Name,
		Status:   string(run.Status),
		FiredAt:  formatTime(now),
	})
}

func (h *Handler) resolveWorkflow(name string) (domain.Workflow, error) {
	if name != "" {
		wf, ok := h.source.Lookup(name)
		if !ok {
			return domain.Workflow{}, fmt.Errorf("unknown workflow %q", name)
		}
		return wf, nil
	}

	workflows := h.source.Workflows()
	if len(workflows) == 1 {
		return workflows[0], nil
	}
	if len(workflows) == 0 {
		return domain.Workflow{}, fmt.Errorf("no workflows defined")
	}
	return domain.Workflow{}, fmt.Errorf("multiple workflows defined, name one")
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list runs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = toRunResponse(run)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSteps(w http.ResponseWriter, r *http.Request) {
	// Extract run ID from path: /runs/{id}/steps
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "runs" || parts[2] != "steps" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	runID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	steps, err := h.store.ListStepResults(r.Context(), runID)
	if err != nil {
		log.Printf("api: list steps error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}

	resp := ListStepsResponse{Steps: make([]StepResponse, len(steps))}
	for i, sr := range steps {
		resp.Steps[i] = StepResponse{
			Name:       string(sr.Name),
			Ordinal:    sr.Ordinal,
			Outcome:    string(sr.Outcome),
			Detail:     sr.Detail,
			StartedAt:  formatTime(sr.StartedAt),
			FinishedAt: formatTime(sr.FinishedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func toRunResponse(run domain.Run) RunResponse {
	resp := RunResponse{
		ID:          run.ID.String(),
		Workflow:    run.Workflow,
		Trigger:     string(run.Trigger),
		ScheduledAt: formatTime(run.ScheduledAt),
		FiredAt:     formatTime(run.FiredAt),
		Status:      string(run.Status),
		CreatedAt:   formatTime(run.CreatedAt),
	}
	if run.ExitCode != domain.ExitCodeNone {
		code := run.ExitCode
		resp.ExitCode = &code
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = formatTime(*run.FinishedAt)
	}
	return resp
}

func manualIdempotencyKey(workflow string, firedAt time.Time) string {
	data := fmt.Sprintf("%s:manual:%d", workflow, firedAt.UnixNano())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
