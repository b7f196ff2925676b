// Package jobs tracks asynchronous bulk operations and their progress.
package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrFinished is returned when a transition targets a completed or failed
// job.
var ErrFinished = errors.New("job already finished")

// Job is the polled view of one asynchronous operation.
type Job struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Status      Status           `json:"status"`
	Progress    int              `json:"progress"`
	Current     int              `json:"current"`
	Total       int              `json:"total"`
	Message     string           `json:"message"`
	Metadata    map[string]any   `json:"metadata"`
	Result      any              `json:"result"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   models.Timestamp `json:"createdAt"`
	StartedAt   models.Timestamp `json:"startedAt"`
	CompletedAt models.Timestamp `json:"completedAt"`
	UpdatedAt   models.Timestamp `json:"updatedAt"`

	seq int64
}

// Tracker is the in-memory job table. Writes take the exclusive lock,
// reads the shared one.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  int64
	now  func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{jobs: make(map[string]*Job), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a pending job and returns its id.
func (t *Tracker) Create(jobType string, total int, metadata map[string]any) string {
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := models.At(t.now())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	id := uuid.NewString()
	t.jobs[id] = &Job{
		ID:        id,
		Type:      jobType,
		Status:    StatusPending,
		Total:     total,
		Message:   "Aguardando início...",
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       t.seq,
	}
	return id
}

// mutate applies fn to a non-terminal job under the write lock.
func (t *Tracker) mutate(id string, fn func(j *Job, now models.Timestamp)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, repository.ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s: %w", id, ErrFinished)
	}
	now := models.At(t.now())
	fn(j, now)
	j.UpdatedAt = now
	return nil
}

func (t *Tracker) Start(id, message string) error {
	return t.mutate(id, func(j *Job, now models.Timestamp) {
		j.Status = StatusRunning
		j.StartedAt = now
		j.Message = message
	})
}

// UpdateProgress records current items done. Progress is a percentage of
// Total, zero when Total is zero, and never above 100. An empty message
// keeps the previous one.
func (t *Tracker) UpdateProgress(id string, current int, message string) error {
	return t.mutate(id, func(j *Job, _ models.Timestamp) {
		j.Current = current
		j.Progress = percent(current, j.Total)
		if message != "" {
			j.Message = message
		}
	})
}

func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := current * 100 / total
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

func (t *Tracker) Complete(id string, result any, message string) error {
	return t.mutate(id, func(j *Job, now models.Timestamp) {
		j.Status = StatusCompleted
		j.CompletedAt = now
		j.Progress = 100
		j.Current = j.Total
		j.Message = message
		j.Result = result
	})
}

func (t *Tracker) Fail(id, errMsg string) error {
	return t.mutate(id, func(j *Job, now models.Timestamp) {
		j.Status = StatusFailed
		j.CompletedAt = now
		j.Error = errMsg
		j.Message = "Erro: " + errMsg
	})
}

// Get returns a copy of the job.
func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (t *Tracker) list(keep func(*Job) bool) []Job {
	out := []Job{}
	for _, j := range t.jobs {
		if keep(j) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].seq > out[b].seq })
	return out
}

// Active returns pending and running jobs, newest first.
func (t *Tracker) Active() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.list(func(j *Job) bool { return !j.Status.Terminal() })
}

// Recent returns up to limit jobs, newest first.
func (t *Tracker) Recent(limit int) []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := t.list(func(*Job) bool { return true })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// CleanupOld removes terminal jobs created more than maxAge ago and returns
// how many were removed.
func (t *Tracker) CleanupOld(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, j := range t.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// FailStale fails running jobs that have not been updated within
// staleAfter and returns how many were failed.
func (t *Tracker) FailStale(staleAfter time.Duration) int {
	now := t.now()
	cutoff := now.Add(-staleAfter)

	t.mu.Lock()
	defer t.mu.Unlock()
	failed := 0
	for _, j := range t.jobs {
		if j.Status != StatusRunning || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := fmt.Sprintf("no progress since %s", j.UpdatedAt.Format(time.RFC3339))
		j.Status = StatusFailed
		j.Error = msg
		j.Message = "Erro: " + msg
		j.CompletedAt = models.At(now)
		j.UpdatedAt = models.At(now)
		failed++
	}
	return failed
}
