package workflow

import (
	"fmt"
	"time"

	"rsirunner/internal/cron"
	"rsirunner/internal/domain"
)

// Definition is the on-disk TOML schema of the workflow file.
//
//	[[workflow]]
//	name = "rsi-divergence"
//	cron = "30 10 * * 1-5"
//	timezone = "UTC"
//	secrets = ["SENDER_EMAIL", "EMAIL_PASSWORD", "RECIPIENT_EMAIL"]
//
//	[workflow.repo]
//	url = "https://example.com/rsi-divergence.git"
//	ref = "main"
//
//	[workflow.runtime]
//	python = "3.10"
//
//	[workflow.run]
//	manifest = "requirements.txt"
//	task = "rsi.py"
type Definition struct {
	Workflows []WorkflowDef `toml:"workflow"`
}

type WorkflowDef struct {
	Name     string   `toml:"name"`
	Disabled bool     `toml:"disabled"`
	Cron     string   `toml:"cron"`
	Timezone string   `toml:"timezone"`
	Secrets  []string `toml:"secrets"`

	Repo      RepoDef       `toml:"repo"`
	Runtime   RuntimeDef    `toml:"runtime"`
	Run       RunDef        `toml:"run"`
	Analytics *AnalyticsDef `toml:"analytics"`
}

type RepoDef struct {
	URL string `toml:"url"`
	Ref string `toml:"ref"`
}

type RuntimeDef struct {
	Python string `toml:"python"`
}

type RunDef struct {
	Manifest string `toml:"manifest"`
	Task     string `toml:"task"`
}

// AnalyticsDef enables outcome counters for a workflow. Presence of the
// table enables them; omit to disable.
type AnalyticsDef struct {
	RetentionHours int `toml:"retention_hours"`
}

const defaultAnalyticsRetention = 30 * 24 * time.Hour

// Validate checks the definition for errors. All workflows are checked;
// the first error found is returned.
func (d *Definition) Validate() error {
	if len(d.Workflows) == 0 {
		return fmt.Errorf("no workflows defined")
	}

	seen := make(map[string]bool, len(d.Workflows))
	for _, w := range d.Workflows {
		if w.Name == "" {
			return fmt.Errorf("workflow name is required")
		}
		if seen[w.Name] {
			return fmt.Errorf("workflow %q: duplicate name", w.Name)
		}
		seen[w.Name] = true

		if w.Cron == "" {
			return fmt.Errorf("workflow %q: cron is required", w.Name)
		}
		if err := cron.Validate(w.Cron); err != nil {
			return fmt.Errorf("workflow %q: invalid cron: %w", w.Name, err)
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				return fmt.Errorf("workflow %q: invalid timezone: %w", w.Name, err)
			}
		}
		if w.Repo.URL == "" {
			return fmt.Errorf("workflow %q: repo.url is required", w.Name)
		}
		if w.Run.Task == "" {
			return fmt.Errorf("workflow %q: run.task is required", w.Name)
		}
		if w.Run.Manifest == "" {
			return fmt.Errorf("workflow %q: run.manifest is required", w.Name)
		}
		for _, s := range w.Secrets {
			if s == "" {
				return fmt.Errorf("workflow %q: empty secret binding", w.Name)
			}
		}
	}
	return nil
}

// Domain converts the definition into domain workflows, applying defaults.
func (d *Definition) Domain() []domain.Workflow {
	out := make([]domain.Workflow, 0, len(d.Workflows))
	for _, w := range d.Workflows {
		tz := w.Timezone
		if tz == "" {
			tz = "UTC"
		}
		version := w.Runtime.Python
		if version == "" {
			version = "3"
		}

		wf := domain.Workflow{
			Name:    w.Name,
			Enabled: !w.Disabled,
			Schedule: domain.Schedule{
				CronExpression: w.Cron,
				Timezone:       tz,
			},
			Repo: domain.RepoConfig{
				URL: w.Repo.URL,
				Ref: w.Repo.Ref,
			},
			Runtime:  domain.RuntimeConfig{Version: version},
			Manifest: w.Run.Manifest,
			Task:     w.Run.Task,
			Secrets:  append([]string(nil), w.Secrets...),
		}

		if w.Analytics != nil {
			retention := defaultAnalyticsRetention
			if w.Analytics.RetentionHours > 0 {
				retention = time.Duration(w.Analytics.RetentionHours) * time.Hour
			}
			wf.Analytics = domain.AnalyticsConfig{Enabled: true, Retention: retention}
		}

		out = append(out, wf)
	}
	return out
}
