// Package statefile persists scheduler task state as one consolidated
// JSON file with atomic replace-on-write. Legacy per-task state files
// left behind by earlier deployments are folded in once at load time
// and ignored afterwards.
package statefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftline/driftline/internal/store"
)

const legacyGlob = "task_*.json"

type document struct {
	SchemaVersion int                        `json:"schema_version"`
	Tasks         map[string]store.TaskState `json:"tasks"`
}

// Store writes the whole task map on every save. Task counts are small
// (tens), so rewrite cost is negligible against the durability
// requirement that no partial transition ever hits disk.
type Store struct {
	path string

	mu     sync.Mutex
	loaded bool
	tasks  map[string]store.TaskState
}

func New(path string) *Store {
	return &Store{path: path, tasks: make(map[string]store.TaskState)}
}

func (s *Store) Load(ctx context.Context) (map[string]store.TaskState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]store.TaskState, len(s.tasks))
	for id, st := range s.tasks {
		out[id] = st
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, state store.TaskState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.TaskID == "" {
		return store.Fatal("save", fmt.Errorf("empty task_id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	s.tasks[state.TaskID] = state
	return s.flushLocked()
}

func (s *Store) SaveAll(ctx context.Context, states []store.TaskState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	for _, st := range states {
		if st.TaskID == "" {
			return store.Fatal("save_all", fmt.Errorf("empty task_id"))
		}
		s.tasks[st.TaskID] = st
	}
	return s.flushLocked()
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return store.Fatal("load", fmt.Errorf("corrupt state file %s: %w", s.path, err))
		}
		if doc.SchemaVersion > store.TaskStateSchemaVersion {
			return store.Fatal("load", fmt.Errorf("state file %s has schema %d, newer than supported %d",
				s.path, doc.SchemaVersion, store.TaskStateSchemaVersion))
		}
		if doc.Tasks != nil {
			s.tasks = doc.Tasks
		}
	case errors.Is(err, os.ErrNotExist):
		// First run against this path: fold in any legacy per-task files.
		if err := s.migrateLegacyLocked(); err != nil {
			return err
		}
	default:
		return store.Transient("load", err)
	}

	s.loaded = true
	return nil
}

// migrateLegacyLocked reads task_<id>.json files once. They are left in
// place; once the consolidated file exists they are never read again.
func (s *Store) migrateLegacyLocked() error {
	dir := filepath.Dir(s.path)
	matches, err := filepath.Glob(filepath.Join(dir, legacyGlob))
	if err != nil || len(matches) == 0 {
		return nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var st store.TaskState
		if err := json.Unmarshal(data, &st); err != nil || st.TaskID == "" {
			continue
		}
		s.tasks[st.TaskID] = st
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	doc := document{SchemaVersion: store.TaskStateSchemaVersion, Tasks: s.tasks}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return store.Fatal("flush", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return store.Fatal("flush", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".taskstate-*.tmp")
	if err != nil {
		return store.Transient("flush", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return store.Fatal("flush", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return store.Fatal("flush", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return store.Fatal("flush", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return store.Fatal("flush", err)
	}
	return nil
}
