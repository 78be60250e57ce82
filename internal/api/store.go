package api

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"

	DefaultStoreCapacity = 256
)

// GenerationRecord is the retrievable outcome of one generation.
type GenerationRecord struct {
	ID           string         `json:"id"`
	Object       string         `json:"object"`
	Created      int64          `json:"created"`
	CompletedAt  *int64         `json:"completed_at,omitempty"`
	Status       string         `json:"status"`
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Stats        *GenerateStats `json:"stats,omitempty"`
	Error        *ResponseError `json:"error,omitempty"`
}

type generationEntry struct {
	record GenerationRecord
	cancel context.CancelFunc
}

// GenerationStore keeps the most recent generations in memory. Finished
// records are evicted oldest first once capacity is exceeded; running ones
// are never evicted.
type GenerationStore struct {
	mu       sync.Mutex
	entries  map[string]*generationEntry
	order    []string
	capacity int
}

func NewGenerationStore(capacity int) *GenerationStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &GenerationStore{
		entries:  make(map[string]*generationEntry),
		capacity: capacity,
	}
}

// Begin registers a running generation; cancel stops it.
func (s *GenerationStore) Begin(id string, now time.Time, cancel context.CancelFunc) GenerationRecord {
	rec := GenerationRecord{
		ID:      id,
		Object:  "generation",
		Created: now.Unix(),
		Status:  StatusInProgress,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &generationEntry{record: rec, cancel: cancel}
	s.order = append(s.order, id)
	s.evictLocked()
	return rec
}

func (s *GenerationStore) Complete(id, text string, stats GenerateStats, reason string, now time.Time) {
	s.finish(id, now, func(rec *GenerationRecord) {
		rec.Status = StatusCompleted
		rec.Text = text
		rec.Stats = &stats
		rec.FinishReason = reason
	})
}

func (s *GenerationStore) Fail(id, partial string, stats GenerateStats, respErr ResponseError, now time.Time) {
	s.finish(id, now, func(rec *GenerationRecord) {
		if rec.Status != StatusCancelled {
			rec.Status = StatusFailed
		}
		rec.Text = partial
		rec.Stats = &stats
		rec.Error = &respErr
	})
}

func (s *GenerationStore) finish(id string, now time.Time, apply func(*GenerationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	apply(&e.record)
	completedAt := now.Unix()
	e.record.CompletedAt = &completedAt
	e.cancel = nil
	s.evictLocked()
}

func (s *GenerationStore) Get(id string) (GenerationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return GenerationRecord{}, false
	}
	return e.record, true
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(s.entries, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// Cancel stops a running generation. Finished records are returned as is.
func (s *GenerationStore) Cancel(id string) (GenerationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return GenerationRecord{}, false
	}
	if e.cancel != nil && e.record.Status == StatusInProgress {
		e.cancel()
		e.record.Status = StatusCancelled
	}
	return e.record, true
}

func (s *GenerationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *GenerationStore) evictLocked() {
	for i := 0; len(s.entries) > s.capacity && i < len(s.order); {
		id := s.order[i]
		e := s.entries[id]
		if e != nil && e.cancel != nil {
			i++
			continue
		}
		delete(s.entries, id)
		s.order = slices.Delete(s.order, i, i+1)
	}
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
