package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-profiles/models"
)

func refs(prefix string, n int) []models.Reference {
	out := make([]models.Reference, n)
	for i := range out {
		out[i] = models.Reference(fmt.Sprintf("https://clarity.example/%s-%d", prefix, i))
	}
	return out
}

func record(ref models.Reference, name string) models.Record {
	return models.Record{
		Reference: ref,
		Fields: map[string]models.Value{
			"name":  models.Present(name),
			"price": models.Absent(),
		},
		Absent:    []string{"price"},
		ScrapedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func openTemp(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	s, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func drain(s *Store, n int) []models.Assignment {
	var out []models.Assignment
	for {
		batch := s.NextBatch(n)
		if len(batch) == 0 {
			return out
		}
		out = append(out, batch...)
	}
}

func TestMergeIdempotent(t *testing.T) {
	s, err := Open("", Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	set := refs("growth", 5)
	if added := s.Merge("growth", set); added != 5 {
		t.Fatalf("first merge added %d, want 5", added)
	}
	first := s.State()

	if added := s.Merge("growth", set); added != 0 {
		t.Fatalf("second merge added %d, want 0", added)
	}
	if added := s.Merge("growth", append(set[:2:2], set[1])); added != 0 {
		t.Fatalf("subset merge added %d, want 0", added)
	}
	second := s.State()

	if first.Discovered != second.Discovered || first.Categories["growth"] != second.Categories["growth"] {
		t.Fatalf("state changed after repeated merge: %+v vs %+v", first, second)
	}
	if got := len(drain(s, 10)); got != 5 {
		t.Fatalf("handed out %d references, want 5", got)
	}
}

func TestMergeAliasesAcrossCategories(t *testing.T) {
	s, _ := Open("", Options{})

	shared := models.Reference("https://clarity.example/expert-shared")
	s.Merge("growth", []models.Reference{shared, "https://clarity.example/expert-a"})
	if added := s.Merge("funding", []models.Reference{shared, "https://clarity.example/expert-b"}); added != 1 {
		t.Fatalf("added %d, want 1 (shared reference is not new)", added)
	}

	assigned := drain(s, 10)
	if len(assigned) != 3 {
		t.Fatalf("handed out %d references, want 3", len(assigned))
	}
	for _, a := range assigned {
		if err := s.MarkDone(record(a.Reference, "x")); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}

	recs := s.Records()
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4 (shared reference listed under both categories)", len(recs))
	}
	byCategory := map[string]int{}
	for _, r := range recs {
		if r.Reference == shared {
			byCategory[r.Category]++
		}
	}
	if byCategory["growth"] != 1 || byCategory["funding"] != 1 {
		t.Fatalf("shared reference categories = %v", byCategory)
	}
	if !s.HasCategory("funding") || s.HasCategory("unknown") {
		t.Fatalf("HasCategory mismatch")
	}
}

func TestNextBatchSkipsDoneAndInProgress(t *testing.T) {
	s, _ := Open("", Options{})
	s.Merge("growth", refs("growth", 4))

	first := s.NextBatch(2)
	if len(first) != 2 {
		t.Fatalf("first batch = %d, want 2", len(first))
	}
	if err := s.MarkDone(record(first[0].Reference, "a")); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if first[0].Category != "growth" {
		t.Fatalf("category = %q, want growth", first[0].Category)
	}

	rest := drain(s, 3)
	if len(rest) != 2 {
		t.Fatalf("remaining = %d, want 2", len(rest))
	}
	for _, a := range rest {
		if a.Reference == first[0].Reference || a.Reference == first[1].Reference {
			t.Fatalf("reference %s handed out twice", a.Reference)
		}
	}

	state := s.State()
	if state.Done != 1 || state.InProgress != 3 || state.Pending != 0 {
		t.Fatalf("state = %+v", state)
	}
}

func TestNextBatchConcurrentCallersNeverOverlap(t *testing.T) {
	s, _ := Open("", Options{})
	s.Merge("growth", refs("growth", 300))
	s.Merge("funding", refs("funding", 200))

	var (
		mu   sync.Mutex
		seen = make(map[models.Reference]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch := s.NextBatch(3)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, a := range batch {
					seen[a.Reference]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 500 {
		t.Fatalf("handed out %d distinct references, want 500", len(seen))
	}
	for ref, n := range seen {
		if n != 1 {
			t.Fatalf("reference %s handed out %d times", ref, n)
		}
	}
}

func TestMarkDoneAndReleaseRequireInProgress(t *testing.T) {
	s, _ := Open("", Options{})
	ref := models.Reference("https://clarity.example/expert-1")
	s.Merge("growth", []models.Reference{ref})

	if err := s.MarkDone(record(ref, "a")); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("mark done pending = %v, want ErrNotInProgress", err)
	}
	if err := s.Release(ref); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("release pending = %v, want ErrNotInProgress", err)
	}
	if err := s.MarkDone(record("https://clarity.example/unknown", "a")); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("mark done unknown = %v, want ErrNotInProgress", err)
	}

	s.NextBatch(1)
	if err := s.MarkDone(record(ref, "a")); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.MarkDone(record(ref, "a")); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("second mark done = %v, want ErrNotInProgress", err)
	}
}

func TestReleasedReferenceWaitsForNextRun(t *testing.T) {
	s, path := openTemp(t, Options{})
	ref := models.Reference("https://clarity.example/expert-slow")
	s.Merge("growth", []models.Reference{ref})

	s.NextBatch(1)
	if err := s.Release(ref); err != nil {
		t.Fatalf("release: %v", err)
	}
	if batch := s.NextBatch(1); len(batch) != 0 {
		t.Fatalf("released reference re-issued in the same run: %v", batch)
	}
	if state := s.State(); state.Pending != 1 || state.Done != 0 || state.InProgress != 0 {
		t.Fatalf("state = %+v, want one pending", state)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	next, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer next.Close()
	batch := next.NextBatch(5)
	if len(batch) != 1 || batch[0].Reference != ref {
		t.Fatalf("next run batch = %v, want released reference", batch)
	}
}

func TestRecoveryRequeuesInProgress(t *testing.T) {
	s, path := openTemp(t, Options{SchemaVersion: "clarity-v2"})
	all := refs("growth", 6)
	s.Merge("growth", all)

	handed := s.NextBatch(4)
	if err := s.MarkDone(record(handed[0].Reference, "done-0")); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.MarkDone(record(handed[1].Reference, "done-1")); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// No Close: the process dies with handed[2] and handed[3] in progress.

	var cp checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if len(cp.InProgress) != 2 {
		t.Fatalf("checkpoint in_progress = %v, want 2 entries", cp.InProgress)
	}

	recovered, err := Open(path, Options{SchemaVersion: "clarity-v2"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer recovered.Close()

	state := recovered.State()
	if state.Done != 2 || state.InProgress != 0 || state.Pending != 4 {
		t.Fatalf("recovered state = %+v", state)
	}

	reissued := drain(recovered, 2)
	if len(reissued) != 4 {
		t.Fatalf("reissued %d references, want 4", len(reissued))
	}
	got := make(map[models.Reference]bool)
	for _, a := range reissued {
		got[a.Reference] = true
	}
	if got[handed[0].Reference] || got[handed[1].Reference] {
		t.Fatalf("done references were re-issued: %v", reissued)
	}
	if !got[handed[2].Reference] || !got[handed[3].Reference] {
		t.Fatalf("stale in-progress references not re-queued: %v", reissued)
	}
	if reissued[0].Reference != handed[2].Reference && reissued[0].Reference != handed[3].Reference {
		t.Fatalf("stale in-progress references should be re-issued first, got %s", reissued[0].Reference)
	}

	recs := recovered.Records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Get("price").Present {
		t.Fatalf("absent field should survive the checkpoint as absent")
	}
	if recs[0].Category != "growth" {
		t.Fatalf("category = %q", recs[0].Category)
	}
}

func TestCheckpointCadence(t *testing.T) {
	s, path := openTemp(t, Options{CheckpointEvery: 2})
	defer s.Close()
	s.Merge("growth", refs("growth", 4))

	for _, a := range s.NextBatch(2) {
		if err := s.MarkDone(record(a.Reference, "x")); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			var cp checkpoint
			if json.Unmarshal(data, &cp) == nil && len(cp.Categories["growth"].Records) == 2 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint with 2 records was not written in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLastSaveErrorTracksCheckpointWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := Open(filepath.Join(dir, "checkpoint.json"), Options{CheckpointEvery: 100})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// a regular file where the checkpoint directory should be
	if err := os.WriteFile(dir, []byte("x"), 0o600); err != nil {
		t.Fatalf("block checkpoint dir: %v", err)
	}
	if err := s.Flush(context.Background()); err == nil {
		t.Fatalf("flush into a blocked directory should fail")
	}
	if s.LastSaveError() == nil {
		t.Fatalf("LastSaveError should report the failed write")
	}

	if err := os.Remove(dir); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush after unblocking: %v", err)
	}
	if err := s.LastSaveError(); err != nil {
		t.Fatalf("LastSaveError = %v after a successful write", err)
	}
}

func TestFlushLeavesNoTempFiles(t *testing.T) {
	s, path := openTemp(t, Options{})
	s.Merge("growth", refs("growth", 3))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "checkpoint.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir entries = %v, want only checkpoint.json", names)
	}
	if err := s.MarkDone(record("x", "y")); !errors.Is(err, ErrClosed) {
		t.Fatalf("mark done after close = %v, want ErrClosed", err)
	}
}

func TestOpenCorruptCheckpoint(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: "  \n"},
		{name: "truncated", content: `{"version":1,"categories":{"growth":{"discovered":["a"`},
		{name: "wrong version", content: `{"version":9,"categories":{}}`},
		{name: "missing categories", content: `{"version":1}`},
		{name: "unknown field", content: `{"version":1,"categories":{},"surprise":true}`},
		{name: "record not discovered", content: `{"version":1,"categories":{"growth":{"discovered":["a"],"records":[{"reference":"b","fields":{}}]}},"in_progress":[]}`},
		{name: "in progress unknown", content: `{"version":1,"categories":{"growth":{"discovered":["a"],"records":[]}},"in_progress":["z"]}`},
		{name: "done and in progress", content: `{"version":1,"categories":{"growth":{"discovered":["a"],"records":[{"reference":"a","fields":{}}]}},"in_progress":["a"]}`},
		{name: "dangling alias", content: `{"version":1,"categories":{"growth":{"discovered":["a"],"aliases":["q"],"records":[]}},"in_progress":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Open(path, Options{})
			if !errors.Is(err, ErrCorruptCheckpoint) {
				t.Fatalf("open = %v, want ErrCorruptCheckpoint", err)
			}
		})
	}
}

func TestOpenMissingCheckpointStartsFresh(t *testing.T) {
	s, path := openTemp(t, Options{})
	if state := s.State(); state.Discovered != 0 {
		t.Fatalf("fresh store state = %+v", state)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("close should write a checkpoint: %v", err)
	}
	if !strings.Contains(string(data), s.RunID()) {
		t.Fatalf("checkpoint should carry run id %s", s.RunID())
	}
}
