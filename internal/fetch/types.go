package fetch

import (
	"fmt"
	"time"
)

// JobKind selects the fetch sequence a worker runs for a job.
type JobKind string

// Supported job kinds.
const (
	JobKindSingleItem JobKind = "single-item"
	JobKindFullTarget JobKind = "full-target"
	JobKindBatch      JobKind = "batch"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindSingleItem, JobKindFullTarget, JobKindBatch:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of a fetch job.
type JobStatus string

// Job status values tracked by the registry.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// Only pending->running and running->{completed|failed} are allowed.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Phase labels written by workers. Phase is free-form; these are the ones the
// orchestrator uses.
const (
	PhaseQueued       = "queued"
	PhaseInitializing = "initializing"
	PhaseCounting     = "counting"
	PhaseDownloading  = "downloading"
	PhaseSummarizing  = "summarizing"
	PhaseCompleted    = "completed"
	PhaseFailed       = "failed"
)

// Target describes what a job fetches. Single-item and full-target jobs use
// Identifier; batch jobs use Identifiers.
type Target struct {
	Identifier  string   `json:"identifier,omitempty"`
	Identifiers []string `json:"identifiers,omitempty"`
}

// JobOptions captures per-job knobs requested by the client.
type JobOptions struct {
	// MaxItems caps the items fetched per target; zero means no cap.
	MaxItems int `json:"max_items,omitempty"`
}

// Validate checks the target against the job kind.
func (t Target) Validate(kind JobKind) error {
	switch kind {
	case JobKindSingleItem, JobKindFullTarget:
		if t.Identifier == "" {
			return fmt.Errorf("%s job requires a target identifier", kind)
		}
	case JobKindBatch:
		if len(t.Identifiers) == 0 {
			return fmt.Errorf("batch job requires at least one target")
		}
		for _, id := range t.Identifiers {
			if id == "" {
				return fmt.Errorf("batch job contains an empty target")
			}
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

// Progress tracks item counters per job. Done+Failed never exceeds Total once
// Total is nonzero.
type Progress struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

// Remaining returns the items not yet attempted.
func (p Progress) Remaining() int {
	if p.Total == 0 {
		return 0
	}
	return p.Total - p.Done - p.Failed
}

// Job is the live record owned by the registry. Only the assigned worker
// mutates it, and only through the registry.
type Job struct {
	ID              string
	Kind            JobKind
	Target          Target
	Options         JobOptions
	Status          JobStatus
	Phase           string
	Progress        Progress
	CurrentItemName string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	Result          map[string]any
}

// JobSnapshot is an immutable value copy of a Job handed to readers.
type JobSnapshot struct {
	ID              string         `json:"id"`
	Kind            JobKind        `json:"kind"`
	Target          Target         `json:"target"`
	Options         JobOptions     `json:"options"`
	Status          JobStatus      `json:"status"`
	Phase           string         `json:"phase"`
	Progress        Progress       `json:"progress"`
	CurrentItemName string         `json:"current_item_name,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
}

// Snapshot deep-copies the job so the caller never aliases live state.
func (j *Job) Snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:              j.ID,
		Kind:            j.Kind,
		Target:          Target{Identifier: j.Target.Identifier},
		Options:         j.Options,
		Status:          j.Status,
		Phase:           j.Phase,
		Progress:        j.Progress,
		CurrentItemName: j.CurrentItemName,
		CreatedAt:       j.CreatedAt,
		StartedAt:       pointerTime(j.StartedAt),
		CompletedAt:     pointerTime(j.CompletedAt),
		ErrorMessage:    j.ErrorMessage,
	}
	if len(j.Target.Identifiers) > 0 {
		snap.Target.Identifiers = append([]string(nil), j.Target.Identifiers...)
	}
	if j.Result != nil {
		snap.Result = ClonePayload(j.Result)
	}
	return snap
}

// ClonePayload deep-copies the JSON-shaped values a result payload may hold.
func ClonePayload(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ClonePayload(val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []ItemError:
		return append([]ItemError(nil), val...)
	case []TargetError:
		return append([]TargetError(nil), val...)
	default:
		return val
	}
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

// ItemRef identifies one media item offered by a content provider.
type ItemRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// TargetInfo is returned when a target is resolved.
type TargetInfo struct {
	Identifier string
	ItemCount  int
	Metadata   map[string]string
	Items      []ItemRef
}

// Outcome is the explicit result of a single item fetch.
type Outcome struct {
	Success      bool
	BytesWritten int64
	Path         string
	Err          error
}

// ItemError records a per-item failure inside a result payload.
type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// TargetError records a batch target whose resolution failed.
type TargetError struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}
