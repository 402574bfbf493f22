// Package secrets resolves workflow secret bindings into task environment
// variables. Values are opaque strings; nothing here validates or
// interprets them.
package secrets

import "os"

// Store looks up a secret value by key. A missing secret returns the empty
// string; callers cannot distinguish unset from empty, which matches the
// task environment contract.
type Store interface {
	Get(key string) string
}

// EnvStore reads secrets from the process environment.
type EnvStore struct{}

func NewEnvStore() EnvStore {
	return EnvStore{}
}

func (EnvStore) Get(key string) string {
	return os.Getenv(key)
}

// StaticStore serves secrets from a fixed map.
type StaticStore map[string]string

func (s StaticStore) Get(key string) string {
	return s[key]
}

// Resolve builds KEY=value pairs for the given bindings. Every binding
// produces an entry: an unset secret yields "KEY=" so the variable is
// present but empty, never absent.
func Resolve(store Store, bindings []string) []string {
	env := make([]string, 0, len(bindings))
	for _, name := range bindings {
		env = append(env, name+"="+store.Get(name))
	}
	return env
}
