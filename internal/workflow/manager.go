package workflow

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"rsirunner/internal/domain"
)

// Manager loads the workflow definition file and keeps the in-memory copy
// current while the process runs. An invalid edit is rejected and the last
// good definition stays active.
type Manager struct {
	path string

	mu        sync.RWMutex
	workflows []domain.Workflow
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load parses and validates the definition file and commits it.
func (m *Manager) Load() error {
	workflows, err := m.parse()
	if err != nil {
		return err
	}
	m.commit(workflows)
	return nil
}

func (m *Manager) parse() ([]domain.Workflow, error) {
	var def Definition
	if _, err := toml.DecodeFile(m.path, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", m.path, err)
	}
	return def.Domain(), nil
}

func (m *Manager) commit(workflows []domain.Workflow) {
	m.mu.Lock()
	m.workflows = workflows
	m.mu.Unlock()
}

// Workflows returns the current definitions.
func (m *Manager) Workflows() []domain.Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workflows
}

// Lookup returns the workflow with the given name.
func (m *Manager) Lookup(name string) (domain.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workflows {
		if w.Name == name {
			return w, true
		}
	}
	return domain.Workflow{}, false
}

// Watch re-loads the definition file when it changes on disk. It blocks
// until ctx is cancelled. The watch is on the parent directory because
// editors typically replace the file (rename/create) rather than write in
// place.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log.Printf("workflow: watching %s for changes", m.path)

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			log.Println("workflow: watch stopped")
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			workflows, err := m.parse()
			if err != nil {
				// Keep the last good definition active.
				log.Printf("workflow: reload rejected: %v", err)
				continue
			}
			m.commit(workflows)
			log.Printf("workflow: reloaded %d workflow(s) from %s", len(workflows), m.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("workflow: watch error: %v", err)
		}
	}
}
