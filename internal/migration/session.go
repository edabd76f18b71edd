// Package migration moves a legacy local-filesystem image corpus into durable
// storage in resumable, checkpointed batches.
package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions holds the legal state machine edges. All transitions are
// monotonic except Paused and Running, which may alternate.
var transitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// FailedItem records one source file that could not be migrated.
type FailedItem struct {
	Path    string `json:"path"`
	Reason  string `json:"reason"`
	Retries int    `json:"retries"`
}

// Session is the orchestration and audit record of one migration run. Its
// counters and batch cursor are checkpointed at batch boundaries only, so a
// resume may redo at most one partial batch.
type Session struct {
	mu sync.Mutex

	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	BatchIndex int `json:"batchIndex"`
	BatchSize  int `json:"batchSize"`

	// MigratedPaths are destination blob paths, kept for rollback: on
	// cancellation every one of them becomes eligible for deletion.
	MigratedPaths []string `json:"migratedPaths"`
	// MigratedSources are the local files whose upload succeeded; only these
	// may ever be cleaned up, and only after validation.
	MigratedSources []string     `json:"migratedSources"`
	FailedItems     []FailedItem `json:"failedItems"`
	Warnings        []string     `json:"warnings"`

	Validated bool `json:"validated"`

	pauseRequested bool
}

func NewSession(name string, total, batchSize int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
		Total:     total,
		BatchSize: batchSize,
	}
}

// TransitionTo moves the session to the target status if the state machine
// allows it.
func (s *Session) TransitionTo(target Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.Status] {
		if allowed == target {
			now := time.Now()
			switch target {
			case StatusRunning:
				if s.StartedAt == nil {
					s.StartedAt = &now
				}
				s.pauseRequested = false
			case StatusPaused:
				s.PausedAt = &now
			case StatusCompleted, StatusFailed:
				s.CompletedAt = &now
			case StatusCancelled:
				s.CancelledAt = &now
			}
			s.Status = target
			return nil
		}
	}
	return fmt.Errorf("migration: illegal transition %s -> %s", s.Status, target)
}

func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// RequestPause asks the run loop to stop at the next batch boundary. Pause is
// cooperative and never interrupts a batch mid-flight.
func (s *Session) RequestPause() {
	s.mu.Lock()
	s.pauseRequested = true
	s.mu.Unlock()
}

func (s *Session) pausePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseRequested
}

func (s *Session) recordSuccess(source string, destPaths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	s.Succeeded++
	seen := make(map[string]bool, len(s.MigratedPaths))
	for _, p := range s.MigratedPaths {
		seen[p] = true
	}
	for _, p := range destPaths {
		if !seen[p] {
			s.MigratedPaths = append(s.MigratedPaths, p)
		}
	}
	for _, src := range s.MigratedSources {
		if src == source {
			return
		}
	}
	s.MigratedSources = append(s.MigratedSources, source)
}

func (s *Session) recordFailure(item FailedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	s.Failed++
	s.FailedItems = append(s.FailedItems, item)
}

// Counters returns the progress counters consistently.
func (s *Session) Counters() (processed, succeeded, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Processed, s.Succeeded, s.Failed
}

func (s *Session) addWarning(w string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Warnings = append(s.Warnings, w)
}

// Checkpoint persists the session to disk. Called at batch boundaries only.
func (s *Session) Checkpoint(path string) error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("migration checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("migration checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSession restores a checkpointed session so a paused or crashed run can
// resume from the next unprocessed batch.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("migration load: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("migration load: %w", err)
	}
	return &s, nil
}
