package orchestrator

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/memory"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
)

func TestOrchestratorEndToEnd(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator End-to-End Suite")
}

func buildLiveEngine(numWorkers int) (*Engine, context.CancelFunc) {
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
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	return eng, cancel
}

// slowExecutor is a test-only backend.Executor that blocks for a fixed
// delay, deterministically past any wall-time budget shorter than it, so
// the timeout scenario below exercises the real select-on-deadline race
// instead of relying on OpIdentity finishing before an arbitrary deadline.
type slowExecutor struct {
	delay time.Duration
}

func (s *slowExecutor) Execute(ctx context.Context, _ dispruntime.ModuleHandle, _ []byte) ([]byte, error) {
	select {
	case <-time.After(s.delay):
		return []byte("too-late"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowExecutor) Estimate(dispruntime.ModuleHandle) backend.ResourceEstimate {
	return backend.ResourceEstimate{ComputeUnits: 1, EstimatedWallMs: s.delay.Milliseconds()}
}

func (s *slowExecutor) Shutdown() error { return nil }

func eventuallyTerminal(eng *Engine, jobID string) snapshot {
	var snap snapshot
	Eventually(func() bool {
		s, err := eng.Status(jobID)
		Expect(err).NotTo(HaveOccurred())
		snap = s
		return snap.State.Terminal()
	}, 2*time.Second, 5*time.Millisecond).Should(BeTrue())
	return snap
}

var _ = Describe("Job dispatch scenarios", func() {
	var (
		eng    *Engine
		cancel context.CancelFunc
	)

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
	})

	Context("a small CPU-bound job with no hints", func() {
		It("runs to completion on the CPU backend", func() {
			eng, cancel = buildLiveEngine(2)
			id, err := eng.Submit(&Job{
				Program:    []byte{byte(dispruntime.OpIdentity)},
				Input:      []byte("J1 payload"),
				MaxRetries: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			snap := eventuallyTerminal(eng, id)
			Expect(snap.State).To(Equal(Completed))
			Expect(snap.Result).To(Equal([]byte("J1 payload")))
		})
	})

	Context("priority ordering", func() {
		It("runs a Critical job before an earlier-submitted Low job once both are ready", func() {
			eng, cancel = buildLiveEngine(1)

			lowID, err := eng.Submit(&Job{
				Program:    []byte{byte(dispruntime.OpIdentity)},
				Input:      []byte("low"),
				Priority:   Low,
				MaxRetries: 1,
			})
			Expect(err).NotTo(HaveOccurred())
			critID, err := eng.Submit(&Job{
				Program:    []byte{byte(dispruntime.OpIdentity)},
				Input:      []byte("critical"),
				Priority:   Critical,
				MaxRetries: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			eventuallyTerminal(eng, critID)
			eventuallyTerminal(eng, lowID)

			critSnap, _ := eng.Status(critID)
			lowSnap, _ := eng.Status(lowID)
			Expect(critSnap.State).To(Equal(Completed))
			Expect(lowSnap.State).To(Equal(Completed))

			// With one worker, the metrics ring holds records in completion order.
			records := eng.ring.Snapshot()
			Expect(records).To(HaveLen(2))
			Expect(records[0].JobID).To(Equal(critID))
			Expect(records[1].JobID).To(Equal(lowID))
		})
	})

	Context("dependency ordering", func() {
		It("does not run a dependent job until its predecessor completes", func() {
			eng, cancel = buildLiveEngine(1)

			predID, err := eng.Submit(&Job{
				ID:         "pred",
				Program:    []byte{byte(dispruntime.OpIdentity)},
				Input:      []byte("pred-output"),
				MaxRetries: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			depID, err := eng.Submit(&Job{
				ID:         "dep",
				Program:    []byte{byte(dispruntime.OpReverse)},
				Input:      []byte("dep-input"),
				DependsOn:  []string{"pred"},
				MaxRetries: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			predSnap := eventuallyTerminal(eng, predID)
			Expect(predSnap.State).To(Equal(Completed))

			depSnap := eventuallyTerminal(eng, depID)
			Expect(depSnap.State).To(Equal(Completed))

			records := eng.ring.Snapshot()
			Expect(records).To(HaveLen(2))
			Expect(records[0].JobID).To(Equal(predID))
			Expect(records[1].JobID).To(Equal(depID))
		})
	})

	Context("timeout handling", func() {
		It("terminally fails a job whose wall time budget is exhausted and returns its buffer to the pool", func() {
			reg := backend.NewRegistry()
			reg.Register(backend.New(backend.CPU, backend.Capabilities{}, func() bool { return true }, &slowExecutor{delay: 200 * time.Millisecond}))

			pool := memory.NewPool(1 << 20)
			e, err := New(Config{NumWorkers: 1, QueuePollIntervalMs: 5}, Deps{
				Log:      zap.NewNop(),
				Registry: reg,
				Pool:     pool,
				Compiler: dispruntime.NewInterpreter(),
			})
			Expect(err).NotTo(HaveOccurred())
			ctx, c := context.WithCancel(context.Background())
			e.Start(ctx)
			eng, cancel = e, c

			preSubmission := pool.AllocatedBytes()

			id, err := eng.Submit(&Job{
				Program:     []byte{byte(dispruntime.OpIdentity)},
				Input:       []byte("will-not-finish-in-time"),
				Constraints: ResourceConstraints{MaxWallTimeMs: 10},
				MaxRetries:  0,
			})
			Expect(err).NotTo(HaveOccurred())

			snap := eventuallyTerminal(eng, id)
			Expect(snap.State).To(Equal(Failed))
			Expect(snap.FailKind).To(Equal("timeout"))
			Expect(pool.AllocatedBytes()).To(Equal(preSubmission))
		})
	})

	Context("pool exhaustion", func() {
		It("fails a job outright when no buffer fits the pool's remaining budget", func() {
			reg := backend.NewRegistry()
			reg.Register(backend.NewCPU(dispruntime.NewInterpreter()))
			var cancelFn context.CancelFunc
			eng, cancelFn = func() (*Engine, context.CancelFunc) {
				e, err := New(Config{NumWorkers: 1, QueuePollIntervalMs: 5}, Deps{
					Log:      zap.NewNop(),
					Registry: reg,
					Pool:     memory.NewPool(4), // tiny budget
					Compiler: dispruntime.NewInterpreter(),
				})
				Expect(err).NotTo(HaveOccurred())
				ctx, c := context.WithCancel(context.Background())
				e.Start(ctx)
				return e, c
			}()
			cancel = cancelFn

			id, err := eng.Submit(&Job{
				Program:    []byte{byte(dispruntime.OpIdentity)},
				Input:      []byte("this input is longer than four bytes"),
				MaxRetries: 0,
			})
			Expect(err).NotTo(HaveOccurred())

			snap := eventuallyTerminal(eng, id)
			Expect(snap.State).To(Equal(Failed))
			Expect(snap.FailKind).To(Equal("capacity"))
		})
	})

	Context("cancellation", func() {
		It("is idempotent and prevents a pending job from ever running", func() {
			reg := backend.NewRegistry()
			reg.Register(backend.NewCPU(dispruntime.NewInterpreter()))
			e, err := New(Config{NumWorkers: 0}, Deps{
				Log:      zap.NewNop(),
				Registry: reg,
				Pool:     memory.NewPool(1 << 20),
				Compiler: dispruntime.NewInterpreter(),
			})
			Expect(err).NotTo(HaveOccurred())
			eng = e

			id, err := eng.Submit(&Job{
				Program:    []byte{byte(dispruntime.OpIdentity)},
				Input:      []byte("never runs"),
				MaxRetries: 1,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Cancel(id)).To(Succeed())
			Expect(eng.Cancel(id)).To(Succeed())

			snap, err := eng.Status(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.State).To(Equal(Cancelled))
		})
	})
})
