// Package pipeline executes the fixed step sequence of a run: checkout,
// runtime setup, cache restore, dependency install, task execution. Steps
// run strictly in order; a failure at step i guarantees step i+1 never
// executes. The run outcome is exactly the task's exit status.
package pipeline

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"rsirunner/internal/cache"
	"rsirunner/internal/domain"
	"rsirunner/internal/secrets"
)

// Step is one stage of the pipeline. Run returns a short human-readable
// detail for the step record; a non-nil error halts the run.
type Step interface {
	Name() domain.StepName
	Run(ctx context.Context, ws *Workspace) (detail string, err error)
}

// Workspace is the per-run scratch state threaded through the steps.
type Workspace struct {
	RunID    uuid.UUID
	Workflow domain.Workflow

	Dir     string // checkout directory
	VenvDir string
	Python  string // resolved interpreter path

	CacheKey   cache.Key
	CacheHit   bool
	CacheExact bool

	// ExitCode is the task's exit status, ExitCodeNone until the task runs.
	ExitCode int
}

type Config struct {
	// WorkspaceRoot is where per-run checkouts and virtualenvs live.
	WorkspaceRoot string

	// KeepWorkspaces disables removal of the run directory after the run.
	KeepWorkspaces bool

	// Runner and LookPath default to os/exec; tests inject fakes.
	Runner   CommandRunner
	LookPath func(file string) (string, error)
}

type Pipeline struct {
	config Config
	steps  []Step
	clock  func() time.Time
}

func New(config Config, cacheStore *cache.Store, secretStore secrets.Store) *Pipeline {
	if config.Runner == nil {
		config.Runner = ExecRunner{}
	}
	if config.LookPath == nil {
		config.LookPath = exec.LookPath
	}

	return &Pipeline{
		config: config,
		steps: []Step{
			&checkoutStep{exec: config.Runner},
			&runtimeStep{exec: config.Runner, lookPath: config.LookPath},
			&cacheStep{store: cacheStore},
			&installStep{exec: config.Runner, store: cacheStore},
			&taskStep{exec: config.Runner, secrets: secretStore},
		},
		clock: time.Now,
	}
}

// WithSteps replaces the step sequence. Used by tests.
func (p *Pipeline) WithSteps(steps ...Step) *Pipeline {
	p.steps = steps
	return p
}

// Execute runs the pipeline for one run. It returns the per-step records,
// the task exit code (ExitCodeNone if the task never ran), and the first
// step error. A nil error means the run succeeded.
func (p *Pipeline) Execute(ctx context.Context, wf domain.Workflow, runID uuid.UUID) ([]domain.StepResult, int, error) {
	runDir := filepath.Join(p.config.WorkspaceRoot, wf.Name, runID.String())
	ws := &Workspace{
		RunID:    runID,
		Workflow: wf,
		Dir:      filepath.Join(runDir, "src"),
		VenvDir:  filepath.Join(runDir, "venv"),
		ExitCode: domain.ExitCodeNone,
	}

	if !p.config.KeepWorkspaces {
		defer func() {
			if err := os.RemoveAll(runDir); err != nil {
				log.Printf("pipeline: cleanup %s: %v", runDir, err)
			}
		}()
	}

	results := make([]domain.StepResult, 0, len(p.steps))
	var firstErr error

	for i, step := range p.steps {
		if firstErr != nil || ctx.Err() != nil {
			now := p.clock().UTC()
			results = append(results, domain.StepResult{
				ID:         uuid.New(),
				RunID:      runID,
				Name:       step.Name(),
				Ordinal:    i + 1,
				Outcome:    domain.StepOutcomeSkipped,
				StartedAt:  now,
				FinishedAt: now,
			})
			continue
		}

		started := p.clock().UTC()
		detail, err := step.Run(ctx, ws)
		finished := p.clock().UTC()

		result := domain.StepResult{
			ID:         uuid.New(),
			RunID:      runID,
			Name:       step.Name(),
			Ordinal:    i + 1,
			Outcome:    domain.StepOutcomeOK,
			Detail:     detail,
			StartedAt:  started,
			FinishedAt: finished,
		}
		if err != nil {
			result.Outcome = domain.StepOutcomeFailed
			result.Detail = err.Error()
			firstErr = err
		}
		results = append(results, result)
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	return results, ws.ExitCode, firstErr
}
