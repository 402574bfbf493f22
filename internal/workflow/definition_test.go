package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

const validTOML = `
[[workflow]]
name = "rsi-divergence"
cron = "30 10 * * 1-5"
timezone = "UTC"
secrets = ["SENDER_EMAIL", "EMAIL_PASSWORD", "RECIPIENT_EMAIL"]

[workflow.repo]
url = "https://example.com/rsi-divergence.git"
ref = "main"

[workflow.runtime]
python = "3.10"

[workflow.run]
manifest = "requirements.txt"
task = "rsi.py"
`

func decode(t *testing.T, input string) *Definition {
	t.Helper()
	var def Definition
	if _, err := toml.Decode(input, &def); err != nil {
		t.Fatalf("toml decode failed: %v", err)
	}
	return &def
}

func TestDefinition_ValidFile(t *testing.T) {
	def := decode(t, validTOML)
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	workflows := def.Domain()
	if len(workflows) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(workflows))
	}

	wf := workflows[0]
	if wf.Name != "rsi-divergence" {
		t.Errorf("name: got %q", wf.Name)
	}
	if !wf.Enabled {
		t.Error("expected workflow enabled by default")
	}
	if wf.Schedule.CronExpression != "30 10 * * 1-5" {
		t.Errorf("cron: got %q", wf.Schedule.CronExpression)
	}
	if wf.Runtime.Version != "3.10" {
		t.Errorf("runtime: got %q", wf.Runtime.Version)
	}
	if wf.Manifest != "requirements.txt" || wf.Task != "rsi.py" {
		t.Errorf("run section: got manifest=%q task=%q", wf.Manifest, wf.Task)
	}
	if len(wf.Secrets) != 3 {
		t.Errorf("secrets: got %v", wf.Secrets)
	}
	if wf.Analytics.Enabled {
		t.Error("analytics should be disabled when the table is absent")
	}
}

func TestDefinition_Defaults(t *testing.T) {
	def := decode(t, `
[[workflow]]
name = "wf"
cron = "0 * * * *"

[workflow.repo]
url = "https://example.com/r.git"

[workflow.run]
manifest = "requirements.txt"
task = "main.py"
`)
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	wf := def.Domain()[0]
	if wf.Schedule.Timezone != "UTC" {
		t.Errorf("expected UTC default, got %q", wf.Schedule.Timezone)
	}
	if wf.Runtime.Version != "3" {
		t.Errorf("expected runtime default '3', got %q", wf.Runtime.Version)
	}
	if wf.Repo.Ref != "" {
		t.Errorf("expected empty ref (remote default branch), got %q", wf.Repo.Ref)
	}
}

func TestDefinition_AnalyticsRetention(t *testing.T) {
	def := decode(t, validTOML+`
[workflow.analytics]
retention_hours = 48
`)
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	wf := def.Domain()[0]
	if !wf.Analytics.Enabled {
		t.Fatal("expected analytics enabled")
	}
	if wf.Analytics.Retention != 48*time.Hour {
		t.Errorf("expected 48h retention, got %s", wf.Analytics.Retention)
	}
}

func TestDefinition_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr string
	}{
		{"missing name", func(d *Definition) { d.Workflows[0].Name = "" }, "name is required"},
		{"missing cron", func(d *Definition) { d.Workflows[0].Cron = "" }, "cron is required"},
		{"invalid cron", func(d *Definition) { d.Workflows[0].Cron = "not cron" }, "invalid cron"},
		{"invalid timezone", func(d *Definition) { d.Workflows[0].Timezone = "Mars/Olympus" }, "invalid timezone"},
		{"missing repo url", func(d *Definition) { d.Workflows[0].Repo.URL = "" }, "repo.url is required"},
		{"missing task", func(d *Definition) { d.Workflows[0].Run.Task = "" }, "run.task is required"},
		{"missing manifest", func(d *Definition) { d.Workflows[0].Run.Manifest = "" }, "run.manifest is required"},
		{"empty secret", func(d *Definition) { d.Workflows[0].Secrets = []string{""} }, "empty secret"},
		{"duplicate name", func(d *Definition) {
			d.Workflows = append(d.Workflows, d.Workflows[0])
		}, "duplicate name"},
		{"no workflows", func(d *Definition) { d.Workflows = nil }, "no workflows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := decode(t, validTOML)
			tt.mutate(def)
			err := def.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
