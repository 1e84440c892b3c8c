package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
)

const checkpointVersion = 1

type checkpoint struct {
	Version       int                           `json:"version"`
	RunID         string                        `json:"run_id"`
	SavedAt       time.Time                     `json:"saved_at"`
	SchemaVersion string                        `json:"schema_version,omitempty"`
	Categories    map[string]categoryCheckpoint `json:"categories"`
	InProgress    []models.Reference            `json:"in_progress"`
}

type categoryCheckpoint struct {
	Discovered []models.Reference `json:"discovered"`
	Aliases    []models.Reference `json:"aliases,omitempty"`
	Records    []models.Record    `json:"records"`
}

func (s *Store) snapshot() *checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &checkpoint{
		Version:       checkpointVersion,
		RunID:         s.runID,
		SavedAt:       time.Now().UTC(),
		SchemaVersion: s.opts.SchemaVersion,
		Categories:    make(map[string]categoryCheckpoint, len(s.categories)),
		InProgress:    s.refsWithStatusLocked(statusInProgress),
	}
	for name, refs := range s.categories {
		cat := categoryCheckpoint{
			Discovered: []models.Reference{},
			Records:    []models.Record{},
		}
		for _, ref := range refs {
			e := s.entries[ref]
			if e.category != name {
				cat.Aliases = append(cat.Aliases, ref)
				continue
			}
			cat.Discovered = append(cat.Discovered, ref)
			if e.status == statusDone && e.record != nil {
				cat.Records = append(cat.Records, *e.record)
			}
		}
		cp.Categories[name] = cat
	}
	if cp.InProgress == nil {
		cp.InProgress = []models.Reference{}
	}
	return cp
}

// readCheckpoint returns nil when no checkpoint exists yet.
func readCheckpoint(path string) (*checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptCheckpoint, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptCheckpoint, path)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cp checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptCheckpoint, path, err)
	}
	if cp.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrCorruptCheckpoint, path, cp.Version, checkpointVersion)
	}
	if cp.Categories == nil {
		return nil, fmt.Errorf("%w: %s has no categories", ErrCorruptCheckpoint, path)
	}
	return &cp, nil
}

// writeCheckpoint replaces path atomically: the snapshot goes to a temp file
// in the same directory, is synced, then renamed over the old checkpoint.
func writeCheckpoint(path string, cp *checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		cleanup()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
