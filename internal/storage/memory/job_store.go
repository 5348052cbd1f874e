// Package memory provides the in-memory job registry.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

// Counts summarizes tracked jobs by status and kind.
type Counts struct {
	Total    int                     `json:"total"`
	ByStatus map[fetch.JobStatus]int `json:"by_status"`
	ByKind   map[fetch.JobKind]int   `json:"by_kind"`
}

// JobStore is the job registry. Readers always receive snapshots; the live
// records are only touched under mu.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*fetch.Job
	clock fetch.Clock
	ids   fetch.IDGenerator
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock fetch.Clock, ids fetch.IDGenerator) *JobStore {
	return &JobStore{
		jobs:  make(map[string]*fetch.Job),
		clock: clock,
		ids:   ids,
	}
}

// Create inserts a pending job and returns its snapshot. No work starts.
func (s *JobStore) Create(kind fetch.JobKind, target fetch.Target, opts fetch.JobOptions) (fetch.JobSnapshot, error) {
	if err := target.Validate(kind); err != nil {
		return fetch.JobSnapshot{}, err
	}
	if opts.MaxItems < 0 {
		return fetch.JobSnapshot{}, fmt.Errorf("max_items must be >= 0")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fetch.JobSnapshot{}, fmt.Errorf("generate job id: %w", err)
	}
	if len(target.Identifiers) > 0 {
		target.Identifiers = append([]string(nil), target.Identifiers...)
	}
	job := &fetch.Job{
		ID:        id,
		Kind:      kind,
		Target:    target,
		Options:   opts,
		Status:    fetch.JobStatusPending,
		Phase:     fetch.PhaseQueued,
		CreatedAt: s.clock.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fetch.JobSnapshot{}, fmt.Errorf("job %s already exists", id)
	}
	s.jobs[id] = job
	return job.Snapshot(), nil
}

// Get returns a snapshot of one job.
func (s *JobStore) Get(id string) (fetch.JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return fetch.JobSnapshot{}, fmt.Errorf("%w: %s", fetch.ErrJobNotFound, id)
	}
	return job.Snapshot(), nil
}

// List returns snapshots of every tracked job, newest first.
func (s *JobStore) List() []fetch.JobSnapshot {
	s.mu.RLock()
	out := make([]fetch.JobSnapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts tallies tracked jobs.
func (s *JobStore) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{
		Total:    len(s.jobs),
		ByStatus: make(map[fetch.JobStatus]int),
		ByKind:   make(map[fetch.JobKind]int),
	}
	for _, job := range s.jobs {
		c.ByStatus[job.Status]++
		c.ByKind[job.Kind]++
	}
	return c
}

// Reap deletes terminal jobs completed more than maxIdle ago and returns how
// many were removed.
func (s *JobStore) Reap(maxIdle time.Duration) int {
	cutoff := s.clock.Now().UTC().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Start moves a pending job to running.
func (s *JobStore) Start(id string) error {
	return s.update(id, func(job *fetch.Job) error {
		if err := transition(job, fetch.JobStatusRunning); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		job.StartedAt = &now
		job.Phase = fetch.PhaseInitializing
		return nil
	})
}

// SetPhase updates the stage label of a running job.
func (s *JobStore) SetPhase(id, phase string) error {
	return s.update(id, func(job *fetch.Job) error {
		if job.Status != fetch.JobStatusRunning {
			return fmt.Errorf("%w: phase update on %s job", fetch.ErrInvalidTransition, job.Status)
		}
		job.Phase = phase
		return nil
	})
}

// AddTotal grows the planned item count. Batch jobs call it once per
// resolved target.
func (s *JobStore) AddTotal(id string, n int) error {
	if n < 0 {
		return fmt.Errorf("negative item total %d", n)
	}
	return s.update(id, func(job *fetch.Job) error {
		if job.Status != fetch.JobStatusRunning {
			return fmt.Errorf("%w: total update on %s job", fetch.ErrInvalidTransition, job.Status)
		}
		job.Progress.Total += n
		return nil
	})
}

// SetCurrent records the item being fetched.
func (s *JobStore) SetCurrent(id, name string) error {
	return s.update(id, func(job *fetch.Job) error {
		if job.Status != fetch.JobStatusRunning {
			return fmt.Errorf("%w: item update on %s job", fetch.ErrInvalidTransition, job.Status)
		}
		job.CurrentItemName = name
		return nil
	})
}

// RecordItem counts one finished item. It refuses to push done+failed past a
// known total.
func (s *JobStore) RecordItem(id string, success bool) error {
	return s.update(id, func(job *fetch.Job) error {
		if job.Status != fetch.JobStatusRunning {
			return fmt.Errorf("%w: item update on %s job", fetch.ErrInvalidTransition, job.Status)
		}
		p := job.Progress
		if p.Total > 0 && p.Done+p.Failed >= p.Total {
			return fmt.Errorf("job %s already recorded %d of %d items", job.ID, p.Done+p.Failed, p.Total)
		}
		if success {
			job.Progress.Done++
		} else {
			job.Progress.Failed++
		}
		return nil
	})
}

// Finish moves a running job into a terminal status and stores its result.
func (s *JobStore) Finish(id string, status fetch.JobStatus, errMsg string, result map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", fetch.ErrInvalidTransition, status)
	}
	return s.update(id, func(job *fetch.Job) error {
		if err := transition(job, status); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		job.CompletedAt = &now
		job.CurrentItemName = ""
		job.ErrorMessage = errMsg
		job.Result = fetch.ClonePayload(result)
		if status == fetch.JobStatusCompleted {
			job.Phase = fetch.PhaseCompleted
		} else {
			job.Phase = fetch.PhaseFailed
		}
		return nil
	})
}

func (s *JobStore) update(id string, fn func(*fetch.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", fetch.ErrJobNotFound, id)
	}
	return fn(job)
}

func transition(job *fetch.Job, to fetch.JobStatus) error {
	if !fetch.CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", fetch.ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	return nil
}
