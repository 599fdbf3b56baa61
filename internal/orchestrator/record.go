package orchestrator

import (
	"sync"

	"github.com/heteroforge/dispatch/internal/commitment"
)

// taskRecord is the mutable lifecycle state the engine tracks alongside an
// immutable Job, mirroring the teacher's WorkflowExecution/status-map split:
// the Job never changes after submission, everything that does lives here
// behind its own lock.
type taskRecord struct {
	job *Job

	mu         sync.RWMutex
	state      State
	result     []byte
	failKind   string
	failReason string
	commitment *commitment.Commitment
	proof      []byte

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func newTaskRecord(job *Job) *taskRecord {
	return &taskRecord{job: job, state: Pending, cancelCh: make(chan struct{})}
}

func (r *taskRecord) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *taskRecord) getState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *taskRecord) complete(result []byte, c *commitment.Commitment, proof []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Completed
	r.result = result
	r.commitment = c
	r.proof = proof
}

func (r *taskRecord) fail(kind, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Failed
	r.failKind = kind
	r.failReason = reason
}

func (r *taskRecord) cancel() {
	r.mu.Lock()
	r.state = Cancelled
	r.mu.Unlock()
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// snapshot is the read-only view returned by Engine.Status.
type snapshot struct {
	State      State
	Result     []byte
	FailKind   string
	FailReason string
	Commitment *commitment.Commitment
	Proof      []byte
}

func (r *taskRecord) snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot{
		State:      r.state,
		Result:     r.result,
		FailKind:   r.failKind,
		FailReason: r.failReason,
		Commitment: r.commitment,
		Proof:      r.proof,
	}
}
