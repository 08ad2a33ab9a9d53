// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRegistryWrite wraps failures to persist the monitored group set.
var ErrRegistryWrite = errors.New("failed to persist monitored groups")

// registryFile is the on-disk document.
type registryFile struct {
	Groups     []string  `json:"groups"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Registry is the persisted set of monitored group IDs. Every mutation
// rewrites the whole file before returning.
type Registry struct {
	path string
	log  zerolog.Logger
	now  func() time.Time

	mu         sync.RWMutex
	groups     map[string]struct{}
	lastUpdate time.Time
}

// OpenRegistry loads the registry at path. A missing or unreadable file
// yields an empty set.
func OpenRegistry(path string, log zerolog.Logger) *Registry {
	r := &Registry{
		path:   path,
		log:    log.With().Str("component", "registry").Logger(),
		now:    time.Now,
		groups: make(map[string]struct{}),
	}
	groups, lastUpdate, err := r.read()
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("Failed to load monitored groups, starting empty")
	} else {
		r.groups = groups
		r.lastUpdate = lastUpdate
	}
	r.log.Info().Int("count", len(r.groups)).Str("path", path).Msg("Loaded monitored groups")
	return r
}

func (r *Registry) read() (map[string]struct{}, time.Time, error) {
	groups := make(map[string]struct{})
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return groups, time.Time{}, nil
	} else if err != nil {
		return nil, time.Time{}, err
	}
	var doc registryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse %s: %w", r.path, err)
	}
	for _, id := range doc.Groups {
		if id != "" {
			groups[id] = struct{}{}
		}
	}
	return groups, doc.LastUpdate, nil
}

// Contains reports whether id is monitored.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[id]
	return ok
}

// Add monitors id and persists the set. It reports whether id was new.
func (r *Registry) Add(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.groups[id]
	r.groups[id] = struct{}{}
	if err := r.persistLocked(); err != nil {
		if !exists {
			delete(r.groups, id)
		}
		return false, err
	}
	if !exists {
		r.log.Info().Str("group_id", id).Int("count", len(r.groups)).Msg("Group added to monitoring")
	}
	return !exists, nil
}

// Remove stops monitoring id. It reports false without touching storage
// when id was not monitored.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; !ok {
		return false, nil
	}
	delete(r.groups, id)
	if err := r.persistLocked(); err != nil {
		r.groups[id] = struct{}{}
		return false, err
	}
	r.log.Info().Str("group_id", id).Int("count", len(r.groups)).Msg("Group removed from monitoring")
	return true, nil
}

// List returns the monitored IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Len returns the number of monitored groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// LastUpdate returns the time of the last persisted mutation.
func (r *Registry) LastUpdate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdate
}

// Reload re-reads the file, replacing the in-memory set. Used after the file
// was edited by hand. On error the current set is kept.
func (r *Registry) Reload() (added, removed int, err error) {
	groups, lastUpdate, err := r.read()
	if err != nil {
		return 0, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.groups {
		if _, ok := groups[id]; !ok {
			removed++
		}
	}
	for id := range groups {
		if _, ok := r.groups[id]; !ok {
			added++
		}
	}
	r.groups = groups
	r.lastUpdate = lastUpdate
	r.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(groups)).
		Msg("Monitored groups reloaded")
	return added, removed, nil
}

func (r *Registry) sortedLocked() []string {
	out := make([]string, 0, len(r.groups))
	for id := range r.groups {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) persistLocked() error {
	now := r.now().UTC()
	data, err := json.MarshalIndent(registryFile{Groups: r.sortedLocked(), LastUpdate: now}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryWrite, err)
	}
	if err := writeFileAtomic(r.path, data, 0o644); err != nil {
		r.log.Error().Err(err).Str("path", r.path).Msg("Failed to save monitored groups")
		return err
	}
	r.lastUpdate = now
	return nil
}

// writeFileAtomic writes content to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir %s: %v", ErrRegistryWrite, dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrRegistryWrite, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrRegistryWrite, path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrRegistryWrite, path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %v", ErrRegistryWrite, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrRegistryWrite, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrRegistryWrite, path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
