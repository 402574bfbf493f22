package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorkflowFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManager_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.toml")
	writeWorkflowFile(t, path, validTOML)

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(m.Workflows()) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(m.Workflows()))
	}

	wf, ok := m.Lookup("rsi-divergence")
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if wf.Task != "rsi.py" {
		t.Errorf("task: got %q", wf.Task)
	}

	if _, ok := m.Lookup("unknown"); ok {
		t.Error("expected lookup miss for unknown name")
	}
}

func TestManager_LoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.toml"))
	if err := m.Load(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestManager_LoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.toml")
	writeWorkflowFile(t, path, "[[workflow]]\nname = \"broken\"\n")

	m := NewManager(path)
	if err := m.Load(); err == nil {
		t.Error("expected validation error")
	}
}

// TestManager_ReloadKeepsLastGood verifies a bad edit does not clobber the
// active definition.
func TestManager_ReloadKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.toml")
	writeWorkflowFile(t, path, validTOML)

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	// Corrupt the file, then try reloading the way Watch does.
	writeWorkflowFile(t, path, "not toml at all {{{")
	if _, err := m.parse(); err == nil {
		t.Fatal("expected parse error for corrupt file")
	}

	// The committed definition is untouched.
	if _, ok := m.Lookup("rsi-divergence"); !ok {
		t.Error("expected last good definition to remain active")
	}
}
