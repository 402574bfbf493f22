package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rsirunner/internal/cache"
	"rsirunner/internal/domain"
	"rsirunner/internal/secrets"
)

// checkoutStep obtains the versioned source tree: a shallow clone of the
// workflow repository at the pinned ref into the run workspace.
type checkoutStep struct {
	exec CommandRunner
}

func (s *checkoutStep) Name() domain.StepName { return domain.StepCheckout }

func (s *checkoutStep) Run(ctx context.Context, ws *Workspace) (string, error) {
	if err := os.MkdirAll(filepath.Dir(ws.Dir), 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	repo := ws.Workflow.Repo
	args := []string{"clone", "--depth", "1", "--quiet"}
	if repo.Ref != "" {
		args = append(args, "--branch", repo.Ref)
	}
	args = append(args, repo.URL, ws.Dir)

	result := s.exec.Run(ctx, "", nil, "git", args...)
	if result.Failed() {
		return "", stepError("git clone", result)
	}

	ref := repo.Ref
	if ref == "" {
		ref = "HEAD"
	}
	return fmt.Sprintf("cloned %s@%s", repo.URL, ref), nil
}

// runtimeStep resolves an interpreter matching the pinned runtime version.
type runtimeStep struct {
	exec     CommandRunner
	lookPath func(file string) (string, error)
}

func (s *runtimeStep) Name() domain.StepName { return domain.StepRuntime }

func (s *runtimeStep) Run(ctx context.Context, ws *Workspace) (string, error) {
	pin := ws.Workflow.Runtime.Version

	candidates := []string{"python" + pin, "python3", "python"}
	for _, candidate := range candidates {
		path, err := s.lookPath(candidate)
		if err != nil {
			continue
		}

		result := s.exec.Run(ctx, "", nil, path, "--version")
		if result.Failed() {
			continue
		}
		version := parsePythonVersion(result.Output)
		if !versionMatches(version, pin) {
			continue
		}

		ws.Python = path
		return fmt.Sprintf("python %s (%s)", version, path), nil
	}

	return "", fmt.Errorf("no python interpreter matching %q on PATH", pin)
}

// parsePythonVersion extracts "3.10.12" from "Python 3.10.12".
func parsePythonVersion(out string) string {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func versionMatches(version, pin string) bool {
	if version == "" {
		return false
	}
	return version == pin || strings.HasPrefix(version, pin+".")
}

// cacheStep restores the dependency cache keyed by the manifest hash,
// falling back to a prefix-matched partial entry, falling back to nothing.
// A miss is not an error, only a performance cost.
type cacheStep struct {
	store *cache.Store
}

func (s *cacheStep) Name() domain.StepName { return domain.StepCache }

func (s *cacheStep) Run(ctx context.Context, ws *Workspace) (string, error) {
	prefix := "venv-" + ws.Workflow.Name

	key, err := cache.KeyFromFile(prefix, filepath.Join(ws.Dir, ws.Workflow.Manifest))
	if err != nil {
		// Unreadable manifest degrades to a miss; the install step will
		// surface the real failure.
		return fmt.Sprintf("miss (%v)", err), nil
	}
	ws.CacheKey = key

	hit, err := s.store.Restore(key, ws.VenvDir)
	if err != nil {
		return fmt.Sprintf("miss (%v)", err), nil
	}
	if hit {
		ws.CacheHit = true
		ws.CacheExact = true
		return "hit key=" + key.String(), nil
	}

	partial, ok, err := s.store.RestorePrefix(prefix, ws.VenvDir)
	if err != nil {
		return fmt.Sprintf("miss (%v)", err), nil
	}
	if ok {
		ws.CacheHit = true
		return "partial key=" + partial.String(), nil
	}

	return "miss", nil
}

// installStep provisions the virtualenv and installs the declared
// dependencies, then saves the result back under the exact cache key.
type installStep struct {
	exec  CommandRunner
	store *cache.Store
}

func (s *installStep) Name() domain.StepName { return domain.StepInstall }

func (s *installStep) Run(ctx context.Context, ws *Workspace) (string, error) {
	if !ws.CacheHit {
		result := s.exec.Run(ctx, "", nil, ws.Python, "-m", "venv", ws.VenvDir)
		if result.Failed() {
			return "", stepError("create venv", result)
		}
	}

	pip := filepath.Join(ws.VenvDir, "bin", "pip")
	manifest := filepath.Join(ws.Dir, ws.Workflow.Manifest)
	result := s.exec.Run(ctx, ws.Dir, nil, pip, "install", "--quiet", "-r", manifest)
	if result.Failed() {
		return "", stepError("pip install", result)
	}

	detail := "installed " + ws.Workflow.Manifest
	if !ws.CacheExact && ws.CacheKey.Hash != "" {
		// Best effort: a save failure costs future runs time, not this one.
		if err := s.store.Save(ws.CacheKey, ws.VenvDir); err != nil {
			detail += fmt.Sprintf(" (cache save failed: %v)", err)
		} else {
			detail += " (cached key=" + ws.CacheKey.String() + ")"
		}
	}
	return detail, nil
}

// taskStep invokes the external task with no arguments, inheriting the
// process environment plus the resolved secret bindings. The task is a
// black box; its exit status is the run outcome.
type taskStep struct {
	exec    CommandRunner
	secrets secrets.Store
}

func (s *taskStep) Name() domain.StepName { return domain.StepTask }

func (s *taskStep) Run(ctx context.Context, ws *Workspace) (string, error) {
	env := append(os.Environ(), secrets.Resolve(s.secrets, ws.Workflow.Secrets)...)
	python := filepath.Join(ws.VenvDir, "bin", "python")

	result := s.exec.Run(ctx, ws.Dir, env, python, ws.Workflow.Task)
	if result.Err != nil {
		return "", fmt.Errorf("start task: %w", result.Err)
	}

	ws.ExitCode = result.ExitCode
	if result.ExitCode != 0 {
		return "", fmt.Errorf("task exited with status %d: %s", result.ExitCode, result.Output)
	}
	return "exit status 0", nil
}

func stepError(op string, result CommandResult) error {
	if result.Err != nil {
		return fmt.Errorf("%s: %w", op, result.Err)
	}
	return fmt.Errorf("%s: exit status %d: %s", op, result.ExitCode, result.Output)
}
