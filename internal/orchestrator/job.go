// Package orchestrator drives a Job from submission to terminal state: the
// priority queue, worker pool, scheduler, pool, and verification engine are
// tied together here. The worker-loop/status-map shape is grounded on the
// teacher's OrchestratorAgent (RWMutex-guarded map of in-flight work,
// goroutine-per-unit-of-work dispatch, UUID-tagged requests), generalized
// from LLM-agent workflows to compute job execution.
package orchestrator

import (
	"time"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/queue"
)

// Priority mirrors queue.Priority; re-declared here so callers of the
// public Job type need not import the internal queue package.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// VerificationMode selects what, if any, commitment is attached to a
// completed job's result.
type VerificationMode int

const (
	VerificationNone VerificationMode = iota
	VerificationMultiHash
	VerificationRangeProof
	VerificationBatchProof
)

// ResourceConstraints bounds a job's resource usage. MaxCostUnits is
// advisory and only meaningful for REMOTE_GPU-routed jobs.
type ResourceConstraints struct {
	MaxMemoryBytes int64
	MaxWallTimeMs  int64
	MaxCostUnits   float64
}

// Job is an immutable compute request. Created once, never mutated; the
// orchestrator tracks mutable lifecycle state separately in taskRecord.
type Job struct {
	ID              string
	Program         []byte
	Input           []byte
	BackendHints    []backend.Tag
	Verification    VerificationMode
	Constraints     ResourceConstraints
	Priority        Priority
	DependsOn       []string
	MaxRetries      int
	CreatedAt       time.Time

	// CorrelationID is a short, URL-safe id attached to the job's submission
	// log line and its trace span, assigned by Submit if left empty.
	CorrelationID string
}

// TaskID implements queue.Task.
func (j *Job) TaskID() string { return j.ID }

// TaskPriority implements queue.Task.
func (j *Job) TaskPriority() queue.Priority { return queue.Priority(j.Priority) }

// Dependencies implements queue.Task.
func (j *Job) Dependencies() []string { return j.DependsOn }

// State is one of a job's lifecycle states. Pending -> Scheduled -> Running
// -> {Completed | Failed | Cancelled}; terminal states are immutable.
type State int

const (
	Pending State = iota
	Scheduled
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Scheduled:
		return "Scheduled"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}
