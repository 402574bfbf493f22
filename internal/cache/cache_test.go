package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestKeyFromFile_DeterministicAndContentSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	writeFile(t, a, "pandas==2.0.0\n")
	writeFile(t, b, "pandas==2.0.0\n")

	keyA, err := KeyFromFile("venv-wf", a)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := KeyFromFile("venv-wf", b)
	if err != nil {
		t.Fatal(err)
	}
	if keyA != keyB {
		t.Errorf("same content should hash to the same key: %v vs %v", keyA, keyB)
	}

	writeFile(t, b, "pandas==2.1.0\n")
	keyB2, err := KeyFromFile("venv-wf", b)
	if err != nil {
		t.Fatal(err)
	}
	if keyA == keyB2 {
		t.Error("different content should hash to different keys")
	}
}

func TestKeyFromFile_MissingFile(t *testing.T) {
	if _, err := KeyFromFile("venv-wf", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStore_SaveAndRestore(t *testing.T) {
	store := New(t.TempDir())
	key := Key{Prefix: "venv-wf", Hash: "abc123"}

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "lib", "module.py"), "content")

	if err := store.Save(key, src); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	dest := t.TempDir()
	hit, err := store.Restore(key, dest)
	if err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if !hit {
		t.Fatal("expected hit for saved key")
	}

	data, err := os.ReadFile(filepath.Join(dest, "lib", "module.py"))
	if err != nil {
		t.Fatalf("restored file missing: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("restored content mismatch: %q", data)
	}
}

func TestStore_RestoreMiss(t *testing.T) {
	store := New(t.TempDir())

	hit, err := store.Restore(Key{Prefix: "venv-wf", Hash: "nothing"}, t.TempDir())
	if err != nil {
		t.Fatalf("miss must not be an error: %v", err)
	}
	if hit {
		t.Error("expected miss")
	}
}

func TestStore_RestorePrefix_PicksNewest(t *testing.T) {
	root := t.TempDir()
	store := New(root)

	old := Key{Prefix: "venv-wf", Hash: "old"}
	recent := Key{Prefix: "venv-wf", Hash: "recent"}

	srcOld := t.TempDir()
	writeFile(t, filepath.Join(srcOld, "marker"), "old")
	if err := store.Save(old, srcOld); err != nil {
		t.Fatal(err)
	}

	srcNew := t.TempDir()
	writeFile(t, filepath.Join(srcNew, "marker"), "recent")
	if err := store.Save(recent, srcNew); err != nil {
		t.Fatal(err)
	}

	// Make the mtime ordering unambiguous.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(root, old.String()), past, past); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	got, ok, err := store.RestorePrefix("venv-wf", dest)
	if err != nil {
		t.Fatalf("RestorePrefix returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected prefix hit")
	}
	if got != recent {
		t.Errorf("expected newest key %v, got %v", recent, got)
	}

	data, _ := os.ReadFile(filepath.Join(dest, "marker"))
	if string(data) != "recent" {
		t.Errorf("expected newest entry contents, got %q", data)
	}
}

func TestStore_RestorePrefix_IgnoresOtherPrefixes(t *testing.T) {
	store := New(t.TempDir())

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "marker"), "x")
	if err := store.Save(Key{Prefix: "venv-other", Hash: "h"}, src); err != nil {
		t.Fatal(err)
	}

	_, ok, err := store.RestorePrefix("venv-wf", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected miss for unrelated prefix")
	}
}

func TestStore_SaveReplacesExistingEntry(t *testing.T) {
	store := New(t.TempDir())
	key := Key{Prefix: "venv-wf", Hash: "h"}

	first := t.TempDir()
	writeFile(t, filepath.Join(first, "a"), "1")
	if err := store.Save(key, first); err != nil {
		t.Fatal(err)
	}

	second := t.TempDir()
	writeFile(t, filepath.Join(second, "b"), "2")
	if err := store.Save(key, second); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if _, err := store.Restore(key, dest); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dest, "a")); !os.IsNotExist(err) {
		t.Error("expected stale file gone after replacement")
	}
	if _, err := os.Stat(filepath.Join(dest, "b")); err != nil {
		t.Errorf("expected replacement contents: %v", err)
	}
}

func TestCopyTree_PreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "real"), "x")
	if err := os.Symlink("real", filepath.Join(src, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	dest := t.TempDir()
	if err := copyTree(src, dest); err != nil {
		t.Fatalf("copyTree returned error: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatalf("expected symlink in destination: %v", err)
	}
	if target != "real" {
		t.Errorf("expected link target 'real', got %q", target)
	}
}
