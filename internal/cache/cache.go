// Package cache implements the dependency cache: a content-addressed blob
// store shared across runs, keyed by a hash of the dependency manifest.
//
// Lookups fall back from the exact key to the most recent entry sharing the
// key prefix, and finally to nothing. A miss is never an error, only a
// performance cost. Writes are idempotent re-derivations of the same
// inputs, so no locking is required.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Key identifies one cache entry: a namespace prefix plus the manifest
// content hash.
type Key struct {
	Prefix string
	Hash   string
}

func (k Key) String() string {
	return k.Prefix + "-" + k.Hash
}

// KeyFromFile hashes the file at path into a Key under the given prefix.
func KeyFromFile(prefix, path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Key{}, fmt.Errorf("hash manifest: %w", err)
	}
	return Key{Prefix: prefix, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// Store is a directory-backed cache. Each entry is a subdirectory named by
// its key.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Restore copies the entry for key into dest. Returns false on miss.
func (s *Store) Restore(key Key, dest string) (bool, error) {
	src := filepath.Join(s.root, key.String())
	if _, err := os.Stat(src); err != nil {
		return false, nil
	}
	if err := copyTree(src, dest); err != nil {
		return false, fmt.Errorf("restore %s: %w", key, err)
	}
	return true, nil
}

// RestorePrefix copies the most recently saved entry sharing prefix into
// dest. Returns the matched key and false on miss.
func (s *Store) RestorePrefix(prefix, dest string) (Key, bool, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return Key{}, false, nil // no cache directory yet: plain miss
	}

	var newest os.FileInfo
	var newestName string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix+"-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == nil || info.ModTime().After(newest.ModTime()) {
			newest = info
			newestName = e.Name()
		}
	}
	if newest == nil {
		return Key{}, false, nil
	}

	key := Key{Prefix: prefix, Hash: strings.TrimPrefix(newestName, prefix+"-")}
	if err := copyTree(filepath.Join(s.root, newestName), dest); err != nil {
		return Key{}, false, fmt.Errorf("restore %s: %w", newestName, err)
	}
	return key, true, nil
}

// Save copies src into the store under key. An existing entry is replaced;
// the copy is staged in a temp directory and renamed into place so readers
// never observe a partial entry.
func (s *Store) Save(key Key, src string) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}

	staging, err := os.MkdirTemp(s.root, "stage-")
	if err != nil {
		return fmt.Errorf("stage entry: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := copyTree(src, staging); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	final := filepath.Join(s.root, key.String())
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// copyTree recursively copies a directory, preserving file modes and
// symlinks (virtualenvs link their interpreter).
func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
