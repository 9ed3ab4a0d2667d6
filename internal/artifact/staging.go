package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// flushParallelism bounds concurrent uploads during Flush.
const flushParallelism = 4

// Staging accumulates artifacts in memory during a run and flushes them at
// Reported. Uploads are best-effort: a failed upload becomes a warning, never
// a run failure.
type Staging struct {
	sink  Sink
	runID string

	mu      sync.Mutex
	attempt int
	seq     int
	staged  map[string][]byte
}

// NewStaging creates a staging area for one run. A nil sink stages and
// discards, which is what dry runs want.
func NewStaging(sink Sink, runID string) *Staging {
	return &Staging{
		sink:   sink,
		runID:  runID,
		staged: make(map[string][]byte),
	}
}

// BeginAttempt moves staging to a fresh attempt-scoped prefix and resets the
// step sequence.
func (s *Staging) BeginAttempt(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = attempt
	s.seq = 0
}

// Stage records one named artifact under the current attempt prefix. Staging
// the same name twice in an attempt keeps the latest bytes.
func (s *Staging) Stage(name, ext string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(s.runID, s.attempt, name, ext)
	s.staged[key] = data
	return key
}

// StageStep records an auto-sequenced screenshot (step_0001.png, ...).
func (s *Staging) StageStep(data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := Key(s.runID, s.attempt, fmt.Sprintf("step_%04d", s.seq), "png")
	s.staged[key] = data
	return key
}

// StagedKeys returns the keys staged so far, sorted.
func (s *Staging) StagedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.staged))
	for k := range s.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush uploads every staged artifact. It returns the keys uploaded
// successfully and one warning string per failed upload.
func (s *Staging) Flush(ctx context.Context) (uploaded []string, warnings []string) {
	s.mu.Lock()
	staged := make(map[string][]byte, len(s.staged))
	for k, v := range s.staged {
		staged[k] = v
	}
	s.mu.Unlock()

	if s.sink == nil || len(staged) == 0 {
		return nil, nil
	}

	var resMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(flushParallelism)

	for key, data := range staged {
		g.Go(func() error {
			err := s.sink.Put(ctx, key, data)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				zap.L().Warn("artifact: upload failed", zap.String("key", key), zap.Error(err))
				warnings = append(warnings, fmt.Sprintf("artifact upload failed: %s", key))
				return nil
			}
			uploaded = append(uploaded, key)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	sort.Strings(uploaded)
	sort.Strings(warnings)
	return uploaded, warnings
}
