package orchestrator

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/commitment"
	"github.com/heteroforge/dispatch/internal/dispatcherr"
	"github.com/heteroforge/dispatch/internal/memory"
	"github.com/heteroforge/dispatch/internal/metrics"
	"github.com/heteroforge/dispatch/internal/queue"
	"github.com/heteroforge/dispatch/internal/remotegpu"
	"github.com/heteroforge/dispatch/internal/scheduler"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
	"github.com/heteroforge/dispatch/internal/storage"
	"github.com/heteroforge/dispatch/internal/tracing"
)

// Engine drives every submitted Job from Pending to a terminal state. It owns
// no business logic of its own beyond wiring: the registry picks backends,
// the scheduler picks one, the pool lends it a buffer, the compiler runs it.
// The in-flight record map follows the teacher's OrchestratorAgent shape —
// one RWMutex-guarded map, one goroutine per unit of work.
type Engine struct {
	log       *zap.Logger
	cfg       Config
	registry  *backend.Registry
	scheduler *scheduler.AdaptiveScheduler
	tracker   *scheduler.InFlightTracker
	pool      *memory.Pool
	q         *queue.Queue
	compiler  dispruntime.Compiler
	ledger    LedgerClient
	ring      *metrics.Ring
	prom      *metrics.PrometheusSink
	proofs    commitment.ProofStrategy
	store     *storage.Store
	remoteGPU *remotegpu.Aggregator

	mu      sync.RWMutex
	records map[string]*taskRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the collaborators New needs beyond Config, since several of
// them (registry, pool, compiler) are constructed once at process startup
// and shared with the control plane.
type Deps struct {
	Log       *zap.Logger
	Registry  *backend.Registry
	Pool      *memory.Pool
	Compiler  dispruntime.Compiler
	Ledger    LedgerClient // optional
	Ring      *metrics.Ring
	Prom      *metrics.PrometheusSink // optional
	Proofs    commitment.ProofStrategy
	Store     *storage.Store        // optional; a nil Store disables persistence entirely
	RemoteGPU *remotegpu.Aggregator // optional; feeds Stats' remote-aggregator savings report
}

// New builds an Engine but does not start its worker pool; call Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Pool == nil || deps.Compiler == nil {
		return nil, errors.New("orchestrator: registry, pool, and compiler are required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Proofs == nil {
		deps.Proofs = commitment.NoopProofStrategy{}
	}
	if deps.Ring == nil {
		deps.Ring = metrics.NewRing(1024)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if len(cfg.SigningKey) == 0 {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: generate commitment signing key: %w", err)
		}
		cfg.SigningKey = priv
	}

	tracker := scheduler.NewInFlightTracker()
	return &Engine{
		log:       deps.Log,
		cfg:       cfg,
		registry:  deps.Registry,
		scheduler: scheduler.New(deps.Registry, cfg.SchedulingPolicy, tracker),
		tracker:   tracker,
		pool:      deps.Pool,
		q:         queue.New(),
		compiler:  deps.Compiler,
		ledger:    deps.Ledger,
		ring:      deps.Ring,
		prom:      deps.Prom,
		proofs:    deps.Proofs,
		store:     deps.Store,
		remoteGPU: deps.RemoteGPU,
		records:   make(map[string]*taskRecord),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches cfg.NumWorkers worker goroutines. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.NumWorkers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
}

// Submit enqueues a job and returns its id, assigning one via uuid if Job.ID
// is empty. Returns immediately; the job runs asynchronously.
func (e *Engine) Submit(job *Job) (string, error) {
	if job == nil {
		return "", errors.New("orchestrator: nil job")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.CorrelationID == "" {
		job.CorrelationID = shortuuid.New()
	}
	if !e.compiler.Validate(job.Program) {
		return "", dispatcherr.New(dispatcherr.KindModule, "program bytes failed validation")
	}

	rec := newTaskRecord(job)
	e.mu.Lock()
	if _, exists := e.records[job.ID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("orchestrator: job id %q already submitted", job.ID)
	}
	e.records[job.ID] = rec
	e.mu.Unlock()

	e.q.Push(job)
	e.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("priority", int(job.Priority)))
	return job.ID, nil
}

// Status returns the current lifecycle snapshot for a job id.
func (e *Engine) Status(jobID string) (snapshot, error) {
	rec, ok := e.getRecord(jobID)
	if !ok {
		return snapshot{}, fmt.Errorf("orchestrator: unknown job id %q", jobID)
	}
	return rec.snapshot(), nil
}

// Cancel requests cancellation of jobID. Idempotent: cancelling an already
// terminal or already-cancelled job is a no-op that reports success. A
// Pending job is removed from the queue directly; a Running job observes its
// cancelCh the next time it selects.
func (e *Engine) Cancel(jobID string) error {
	rec, ok := e.getRecord(jobID)
	if !ok {
		return fmt.Errorf("orchestrator: unknown job id %q", jobID)
	}
	if rec.getState().Terminal() {
		return nil
	}
	if rec.getState() == Pending && e.q.Remove(jobID) {
		rec.cancel()
		e.log.Info("job cancelled while pending", zap.String("job_id", jobID))
		return nil
	}
	rec.cancel()
	e.log.Info("job cancellation requested", zap.String("job_id", jobID))
	return nil
}

// Shutdown stops accepting new worker iterations, waits for in-flight jobs
// to observe cancellation or finish, and releases backend/pool resources.
func (e *Engine) Shutdown(ctx context.Context) error {
	close(e.stopCh)

	e.mu.RLock()
	for _, rec := range e.records {
		if !rec.getState().Terminal() {
			rec.cancel()
		}
	}
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("shutdown timed out waiting for workers")
	}

	var errs []error
	errs = append(errs, e.registry.ShutdownAll()...)
	e.pool.Clear()
	return errors.Join(errs...)
}

func (e *Engine) getRecord(id string) (*taskRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[id]
	return rec, ok
}

func (e *Engine) stateOf(id string) (State, bool) {
	rec, ok := e.getRecord(id)
	if !ok {
		return Pending, false
	}
	return rec.getState(), true
}

// isReady implements queue.ReadyFunc: a task is poppable once every
// dependency is Completed, or as soon as any dependency has ended in a
// non-Completed terminal state (so the job can be popped and failed with
// DependencyFailed instead of blocking its band forever).
func (e *Engine) isReady(deps []string) bool {
	for _, d := range deps {
		st, ok := e.stateOf(d)
		if !ok {
			return false
		}
		if st.Terminal() && st != Completed {
			return true
		}
		if st != Completed {
			return false
		}
	}
	return true
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.QueuePollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, ok := e.q.Pop(e.isReady)
		if !ok {
			continue
		}
		job, ok := task.(*Job)
		if !ok {
			continue
		}
		e.runJob(ctx, job)
	}
}

func (e *Engine) runJob(ctx context.Context, job *Job) {
	rec, ok := e.getRecord(job.ID)
	if !ok {
		return
	}
	if rec.getState().Terminal() {
		return
	}

	spanCtx, span := tracing.Tracer().Start(ctx, "dispatch.job")
	defer span.End()
	span.SetAttributes(attribute.String("job.correlation_id", job.CorrelationID))
	var backendTag string
	defer func() {
		span.SetAttributes(tracing.JobAttributes(job.ID, backendTag, rec.getState().String())...)
	}()

	for _, d := range job.DependsOn {
		st, ok := e.stateOf(d)
		if ok && st.Terminal() && st != Completed {
			err := dispatcherr.New(dispatcherr.KindDependencyFailed, fmt.Sprintf("dependency %q ended in state %s", d, st))
			e.failJob(rec, job, "", err)
			tracing.RecordError(span, err)
			return
		}
	}

	rec.setState(Scheduled)

	input := job.Input
	if e.cfg.PreFilter != nil {
		filtered, err := e.cfg.PreFilter(input)
		if err != nil {
			wrapped := dispatcherr.Wrap(dispatcherr.KindModule, "pre-filter failed", err)
			e.failJob(rec, job, "", wrapped)
			tracing.RecordError(span, wrapped)
			return
		}
		input = filtered
	}

	handle, err := e.compiler.Compile(job.Program, job.ID)
	if err != nil {
		e.failJob(rec, job, "", err)
		tracing.RecordError(span, err)
		return
	}

	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		select {
		case <-rec.cancelCh:
			e.cancelJob(rec, job)
			return
		default:
		}

		chosen, selErr := e.scheduler.Select(scheduler.Request{
			InputSizeBytes: int64(len(input)),
			BackendHints:   job.BackendHints,
		})
		if selErr != nil {
			if attempt >= job.MaxRetries {
				e.failJob(rec, job, "", selErr)
				tracing.RecordError(span, selErr)
				return
			}
			if !e.sleepOrCancel(rec, backoff) {
				e.cancelJob(rec, job)
				return
			}
			backoff *= 2
			continue
		}
		backendTag = chosen.Tag.String()

		var execErr error
		if chosen.Tag == backend.LEDGER {
			execErr = e.runLedgerJob(spanCtx, rec, job)
		} else {
			execErr = e.runBackendJob(spanCtx, rec, job, chosen, handle, input)
		}

		if execErr == nil {
			return
		}

		var de *dispatcherr.Error
		if errors.As(execErr, &de) {
			if de.Kind == dispatcherr.KindCancelled {
				e.cancelJob(rec, job)
				return
			}
			if dispatcherr.Fatal(de.Kind) {
				e.failJob(rec, job, de.Backend, de)
				tracing.RecordError(span, de)
				return
			}
			if dispatcherr.Retryable(de.Kind) && attempt < job.MaxRetries {
				if !e.sleepOrCancel(rec, backoff) {
					e.cancelJob(rec, job)
					return
				}
				backoff *= 2
				continue
			}
		}
		e.failJob(rec, job, "", execErr)
		tracing.RecordError(span, execErr)
		return
	}
}

// sleepOrCancel waits out a backoff interval, returning false if the job was
// cancelled while waiting.
func (e *Engine) sleepOrCancel(rec *taskRecord, d time.Duration) bool {
	select {
	case <-rec.cancelCh:
		return false
	case <-time.After(d):
		return true
	}
}

func isGPUTag(tag backend.Tag) bool {
	switch tag {
	case backend.CUDA, backend.ROCM, backend.METAL, backend.VULKAN, backend.OPENCL:
		return true
	default:
		return false
	}
}

type execOutcome struct {
	out []byte
	err error
}

// runBackendJob executes job on the chosen backend. A nil return means the
// job reached a terminal state (handled inside); a non-nil
// Backend/Provider-kind error is returned unhandled so the caller's retry
// loop decides whether to reschedule.
func (e *Engine) runBackendJob(ctx context.Context, rec *taskRecord, job *Job, b *backend.Backend, handle dispruntime.ModuleHandle, input []byte) error {
	buf, err := e.pool.Allocate(len(input))
	if err != nil {
		e.failJob(rec, job, b.Tag.String(), err)
		return nil
	}
	if err := buf.Write(input); err != nil {
		e.pool.Release(buf)
		e.failJob(rec, job, b.Tag.String(), err)
		return nil
	}

	gpu := isGPUTag(b.Tag)
	if gpu {
		if err := buf.LockForGPU(); err != nil {
			e.pool.Release(buf)
			e.failJob(rec, job, b.Tag.String(), err)
			return nil
		}
	}

	rec.setState(Running)

	wallTimeout := time.Duration(job.Constraints.MaxWallTimeMs) * time.Millisecond
	if wallTimeout <= 0 {
		wallTimeout = 24 * time.Hour
	}
	execCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	start := time.Now()
	e.tracker.Begin(b.Tag)
	resultCh := make(chan execOutcome, 1)
	go func() {
		out, err := b.Execute(execCtx, handle, buf.Read())
		resultCh <- execOutcome{out, err}
	}()

	var out []byte
	var execErr error
	select {
	case r := <-resultCh:
		out, execErr = r.out, r.err
	case <-execCtx.Done():
		execErr = dispatcherr.New(dispatcherr.KindTimeout, "job exceeded max wall time").WithBackend(b.Tag.String())
	case <-rec.cancelCh:
		execErr = dispatcherr.New(dispatcherr.KindCancelled, "job cancelled").WithBackend(b.Tag.String())
	}
	e.tracker.End(b.Tag)
	wallMs := time.Since(start).Milliseconds()

	if gpu {
		_ = buf.UnlockFromGPU()
	}
	e.pool.Release(buf)

	return e.resolveExecOutcome(rec, job, b.Tag.String(), out, execErr, wallMs, len(input))
}

func (e *Engine) runLedgerJob(ctx context.Context, rec *taskRecord, job *Job) error {
	if e.ledger == nil {
		err := dispatcherr.New(dispatcherr.KindBackendUnavailable, "ledger backend selected but no LedgerClient configured").WithBackend(backend.LEDGER.String())
		e.failJob(rec, job, backend.LEDGER.String(), err)
		return nil
	}

	rec.setState(Running)

	wallTimeout := time.Duration(job.Constraints.MaxWallTimeMs) * time.Millisecond
	if wallTimeout <= 0 {
		wallTimeout = 24 * time.Hour
	}
	execCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	start := time.Now()
	handle, err := e.ledger.Submit(execCtx, job)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindProvider, "ledger submit failed", err).WithBackend(backend.LEDGER.String())
	}

	resultCh := make(chan execOutcome, 1)
	go func() {
		out, err := e.ledger.WaitForResult(execCtx, handle)
		resultCh <- execOutcome{out, err}
	}()

	var out []byte
	var waitErr error
	select {
	case r := <-resultCh:
		out, waitErr = r.out, r.err
	case <-execCtx.Done():
		waitErr = dispatcherr.New(dispatcherr.KindTimeout, "ledger job exceeded max wall time")
	case <-rec.cancelCh:
		waitErr = dispatcherr.New(dispatcherr.KindCancelled, "job cancelled")
	}
	wallMs := time.Since(start).Milliseconds()

	return e.resolveExecOutcome(rec, job, backend.LEDGER.String(), out, waitErr, wallMs, len(job.Input))
}

// resolveExecOutcome applies the common post-execute logic shared by the
// generic backend path and the ledger path: timeout/cancel become terminal
// here, Backend/Provider errors bubble back up for the retry loop, anything
// else is an immediate terminal failure.
func (e *Engine) resolveExecOutcome(rec *taskRecord, job *Job, backendTag string, out []byte, execErr error, wallMs int64, bytesIn int) error {
	if execErr != nil {
		var de *dispatcherr.Error
		if errors.As(execErr, &de) {
			switch de.Kind {
			case dispatcherr.KindTimeout:
				e.failJob(rec, job, backendTag, de)
				e.recordMetrics(job.ID, backendTag, "failed", wallMs, bytesIn, 0)
				return nil
			case dispatcherr.KindCancelled:
				e.cancelJob(rec, job)
				e.recordMetrics(job.ID, backendTag, "cancelled", wallMs, bytesIn, 0)
				return nil
			case dispatcherr.KindBackend, dispatcherr.KindProvider:
				return de
			default:
				e.failJob(rec, job, backendTag, de)
				e.recordMetrics(job.ID, backendTag, "failed", wallMs, bytesIn, 0)
				return nil
			}
		}
		e.failJob(rec, job, backendTag, execErr)
		e.recordMetrics(job.ID, backendTag, "failed", wallMs, bytesIn, 0)
		return nil
	}

	com, proof := e.attachVerification(job, out)
	e.completeJob(rec, job, out, com, proof)
	e.recordMetrics(job.ID, backendTag, "completed", wallMs, bytesIn, len(out))
	return nil
}

// attachVerification builds the commitment/proof artifact for a completed
// job's output, per the job's own VerificationMode or the engine's default
// when the job did not specify one.
func (e *Engine) attachVerification(job *Job, out []byte) (*commitment.Commitment, []byte) {
	mode := job.Verification
	if mode == VerificationNone {
		mode = e.cfg.VerificationDefault
	}
	switch mode {
	case VerificationMultiHash:
		c := commitment.Create(e.cfg.SigningKey, out, time.Now().Unix())
		return &c, nil
	case VerificationRangeProof, VerificationBatchProof:
		proof, err := e.proofs.Create(out, nil)
		if err != nil {
			e.log.Warn("proof strategy failed", zap.String("job_id", job.ID), zap.Error(err))
			return nil, nil
		}
		return nil, proof
	default:
		return nil, nil
	}
}

func (e *Engine) completeJob(rec *taskRecord, job *Job, out []byte, com *commitment.Commitment, proof []byte) {
	rec.complete(out, com, proof)
	e.log.Info("job completed", zap.String("job_id", job.ID))
	if e.store != nil && com != nil {
		go e.persistCommitment(job.ID, *com)
	}
}

func (e *Engine) persistCommitment(jobID string, com commitment.Commitment) {
	err := e.store.SaveCommitment(context.Background(), storage.CommitmentRecord{
		JobID:       jobID,
		SHA3_256:    fmt.Sprintf("%x", com.SHA3_256),
		Blake3:      fmt.Sprintf("%x", com.Blake3),
		Signature:   fmt.Sprintf("%x", com.Signature),
		SignerHex:   fmt.Sprintf("%x", com.SignerPublic),
		UnixSeconds: com.UnixSeconds,
	})
	if err != nil {
		e.log.Warn("failed to persist commitment", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (e *Engine) failJob(rec *taskRecord, job *Job, backendTag string, err error) {
	kind := dispatcherr.KindBackend.String()
	var de *dispatcherr.Error
	if errors.As(err, &de) {
		kind = de.Kind.String()
	}
	rec.fail(kind, err.Error())
	fields := []zap.Field{zap.String("job_id", job.ID), zap.String("backend", backendTag), zap.String("kind", kind), zap.Error(err)}
	if de != nil && dispatcherr.Fatal(de.Kind) {
		e.log.Error("job failed", fields...)
		return
	}
	e.log.Warn("job failed", fields...)
}

func (e *Engine) cancelJob(rec *taskRecord, job *Job) {
	rec.cancel()
	e.log.Info("job cancelled", zap.String("job_id", job.ID))
}

func (e *Engine) recordMetrics(jobID, backendTag, outcome string, wallMs int64, bytesIn, bytesOut int) {
	rec := metrics.Record{
		JobID:    jobID,
		Backend:  backendTag,
		Outcome:  outcome,
		WallMs:   wallMs,
		BytesIn:  int64(bytesIn),
		BytesOut: int64(bytesOut),
	}
	if e.ring != nil {
		e.ring.Append(rec)
	}
	if e.prom != nil {
		e.prom.Observe(rec)
		e.prom.SetPoolAllocatedBytes(e.pool.AllocatedBytes())
	}
}
