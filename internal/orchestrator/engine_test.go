package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/memory"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
)

func identityProgram() []byte { return []byte{byte(dispruntime.OpIdentity)} }

func reverseProgram() []byte { return []byte{byte(dispruntime.OpReverse)} }

func newTestEngine(t *testing.T, numWorkers int) *Engine {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register(backend.NewCPU(dispruntime.NewInterpreter()))

	eng, err := New(Config{
		NumWorkers:          numWorkers,
		QueuePollIntervalMs: 5,
	}, Deps{
		Log:      zap.NewNop(),
		Registry: reg,
		Pool:     memory.NewPool(1 << 20),
		Compiler: dispruntime.NewInterpreter(),
	})
	require.NoError(t, err)
	return eng
}

func waitForTerminal(t *testing.T, eng *Engine, jobID string, timeout time.Duration) snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := eng.Status(jobID)
		require.NoError(t, err)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
	return snapshot{}
}

func TestSubmitAndCompleteSimpleJob(t *testing.T) {
	eng := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{Program: identityProgram(), Input: []byte("hello"), MaxRetries: 1})
	require.NoError(t, err)

	snap := waitForTerminal(t, eng, id, time.Second)
	assert.Equal(t, Completed, snap.State)
	assert.Equal(t, []byte("hello"), snap.Result)
}

func TestSubmitAssignsCorrelationID(t *testing.T) {
	eng := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	job := &Job{Program: identityProgram(), Input: []byte("x"), MaxRetries: 1}
	_, err := eng.Submit(job)
	require.NoError(t, err)
	assert.NotEmpty(t, job.CorrelationID)

	explicit := &Job{Program: identityProgram(), Input: []byte("x"), MaxRetries: 1, CorrelationID: "fixed-corr-id"}
	_, err = eng.Submit(explicit)
	require.NoError(t, err)
	assert.Equal(t, "fixed-corr-id", explicit.CorrelationID)
}

func TestDependencyOrdering(t *testing.T) {
	eng := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	firstID, err := eng.Submit(&Job{ID: "first", Program: identityProgram(), Input: []byte("a"), MaxRetries: 1})
	require.NoError(t, err)
	secondID, err := eng.Submit(&Job{ID: "second", Program: reverseProgram(), Input: []byte("b"), DependsOn: []string{"first"}, MaxRetries: 1})
	require.NoError(t, err)

	waitForTerminal(t, eng, firstID, time.Second)
	snap := waitForTerminal(t, eng, secondID, time.Second)
	assert.Equal(t, Completed, snap.State)
}

func TestDependencyFailurePropagates(t *testing.T) {
	eng := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// An empty program fails compile/validate immediately.
	_, err := eng.Submit(&Job{ID: "broken", Program: nil})
	require.Error(t, err)

	// Simulate a predecessor that ends Failed by driving its record directly,
	// since Submit rejects invalid programs before they ever reach the queue.
	rec := newTaskRecord(&Job{ID: "broken"})
	rec.fail("module", "invalid program bytes")
	eng.mu.Lock()
	eng.records["broken"] = rec
	eng.mu.Unlock()

	depID, err := eng.Submit(&Job{ID: "dependent", Program: identityProgram(), Input: []byte("x"), DependsOn: []string{"broken"}, MaxRetries: 1})
	require.NoError(t, err)

	snap := waitForTerminal(t, eng, depID, time.Second)
	assert.Equal(t, Failed, snap.State)
	assert.Equal(t, "dependency_failed", snap.FailKind)
}

func TestCancelPendingJob(t *testing.T) {
	eng := newTestEngine(t, 0) // no workers drain the queue
	id, err := eng.Submit(&Job{Program: identityProgram(), Input: []byte("x"), MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(id))
	require.NoError(t, eng.Cancel(id)) // idempotent

	snap, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, snap.State)
}

func TestTimeoutFailsJobTerminally(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.New(backend.CPU, backend.Capabilities{}, func() bool { return true }, &slowExecutor{delay: 200 * time.Millisecond}))
	eng, err := New(Config{NumWorkers: 1, QueuePollIntervalMs: 5}, Deps{
		Log:      zap.NewNop(),
		Registry: reg,
		Pool:     memory.NewPool(1 << 20),
		Compiler: dispruntime.NewInterpreter(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{
		Program:     identityProgram(),
		Input:       []byte("x"),
		Constraints: ResourceConstraints{MaxWallTimeMs: 1},
		MaxRetries:  0,
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, eng, id, time.Second)
	// slowExecutor (engine_e2e_test.go) blocks well past the 1ms budget.
	assert.Equal(t, Failed, snap.State)
	assert.Equal(t, "timeout", snap.FailKind)
}

func TestVerificationAttachesCommitment(t *testing.T) {
	eng := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{
		Program:      identityProgram(),
		Input:        []byte("verify-me"),
		Verification: VerificationMultiHash,
		MaxRetries:   1,
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, eng, id, time.Second)
	require.Equal(t, Completed, snap.State)
	require.NotNil(t, snap.Commitment)
}

func TestNoBackendAvailableFailsAfterRetries(t *testing.T) {
	reg := backend.NewRegistry()
	eng, err := New(Config{NumWorkers: 1, QueuePollIntervalMs: 5}, Deps{
		Log:      zap.NewNop(),
		Registry: reg,
		Pool:     memory.NewPool(1 << 20),
		Compiler: dispruntime.NewInterpreter(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{Program: identityProgram(), Input: []byte("x"), MaxRetries: 1})
	require.NoError(t, err)

	snap := waitForTerminal(t, eng, id, 2*time.Second)
	assert.Equal(t, Failed, snap.State)
	assert.Equal(t, "backend_unavailable", snap.FailKind)
}

func TestStatsReflectsCompletedJob(t *testing.T) {
	eng := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{Program: identityProgram(), Input: []byte("x"), MaxRetries: 1})
	require.NoError(t, err)
	waitForTerminal(t, eng, id, time.Second)

	stats := eng.Stats()
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.ByState["Completed"])
}

func TestShutdownDrainsWorkers(t *testing.T) {
	eng := newTestEngine(t, 2)
	ctx := context.Background()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{Program: identityProgram(), Input: []byte("x"), MaxRetries: 1})
	require.NoError(t, err)
	waitForTerminal(t, eng, id, time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(shutdownCtx))
}
