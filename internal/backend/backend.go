// Package backend implements the uniform execute/estimate/shutdown contract
// (spec.md §4.2) as a closed tagged variant rather than a dynamically
// dispatched interface, per the trait-object redesign note in spec.md §9:
// Tag and Capabilities are plain data on Backend, and only the genuinely
// polymorphic calls (execute/estimate/shutdown) go through the inner
// Executor interface. This keeps hot-path scheduler scoring branch
// predictable and allocation-free.
package backend

import (
	"context"
	"sync/atomic"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
	"github.com/heteroforge/dispatch/internal/runtime"
)

// Tag is a stable backend identifier drawn from a closed set.
type Tag int

const (
	CPU Tag = iota
	CUDA
	ROCM
	METAL
	VULKAN
	OPENCL
	REMOTE_GPU
	LEDGER
	QUANTUM
)

func (t Tag) String() string {
	switch t {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	case ROCM:
		return "ROCM"
	case METAL:
		return "METAL"
	case VULKAN:
		return "VULKAN"
	case OPENCL:
		return "OPENCL"
	case REMOTE_GPU:
		return "REMOTE_GPU"
	case LEDGER:
		return "LEDGER"
	case QUANTUM:
		return "QUANTUM"
	default:
		return "UNKNOWN"
	}
}

// Capabilities is a read-only-after-init record of what a backend supports.
type Capabilities struct {
	MaxMemoryBytes   int64 `json:"max_memory_bytes"`
	MaxParallelUnits int   `json:"max_parallel_units"`
	SupportsF16      bool  `json:"supports_f16"`
	SupportsF32      bool  `json:"supports_f32"`
	SupportsF64      bool  `json:"supports_f64"`
	SupportsI8       bool  `json:"supports_i8"`
	SupportsTensorOp bool  `json:"supports_tensor_ops"`
	SupportsAsync    bool  `json:"supports_async"`
}

// ResourceEstimate is an advisory, per-job/per-backend forecast. Never
// enforced.
type ResourceEstimate struct {
	MemoryBytes     int64   `json:"memory_bytes"`
	ComputeUnits    float64 `json:"compute_units"`
	EstimatedWallMs int64   `json:"estimated_wall_ms"`
}

// Executor is the only part of a backend that is genuinely polymorphic.
type Executor interface {
	Execute(ctx context.Context, handle runtime.ModuleHandle, input []byte) ([]byte, error)
	Estimate(handle runtime.ModuleHandle) ResourceEstimate
	Shutdown() error
}

// AvailabilityFunc reports whether a backend is currently usable (e.g. a GPU
// backend whose device disappeared, or REMOTE_GPU with no reachable
// providers).
type AvailabilityFunc func() bool

// Backend is the closed tagged variant: Tag and Capabilities are data,
// execute/estimate/shutdown are dispatched through the embedded Executor.
type Backend struct {
	Tag    Tag
	Caps   Capabilities
	avail  AvailabilityFunc
	exec   Executor
	closed atomic.Bool
}

// New builds a Backend wrapping an Executor.
func New(tag Tag, caps Capabilities, avail AvailabilityFunc, exec Executor) *Backend {
	return &Backend{Tag: tag, Caps: caps, avail: avail, exec: exec}
}

// BackendType returns the stable tag. Pure data access, no virtual call.
func (b *Backend) BackendType() Tag { return b.Tag }

// Capabilities returns the pure, stable capability record.
func (b *Backend) Capabilities() Capabilities { return b.Caps }

// IsAvailable reports whether the backend can currently accept work.
func (b *Backend) IsAvailable() bool {
	if b.closed.Load() {
		return false
	}
	if b.avail == nil {
		return true
	}
	return b.avail()
}

// Execute dispatches to the inner Executor, enforcing the BackendClosed
// contract invariant (no further execute after shutdown).
func (b *Backend) Execute(ctx context.Context, handle runtime.ModuleHandle, input []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, dispatcherr.New(dispatcherr.KindBackendClosed, "execute after shutdown").WithBackend(b.Tag.String())
	}
	out, err := b.exec.Execute(ctx, handle, input)
	if err != nil {
		if de, ok := err.(*dispatcherr.Error); ok {
			if de.Backend == "" {
				return nil, de.WithBackend(b.Tag.String())
			}
			return nil, de
		}
		return nil, dispatcherr.Wrap(dispatcherr.KindBackend, "execute failed", err).WithBackend(b.Tag.String())
	}
	return out, nil
}

// Estimate returns the advisory resource forecast for a module.
func (b *Backend) Estimate(handle runtime.ModuleHandle) ResourceEstimate {
	return b.exec.Estimate(handle)
}

// Shutdown closes the backend; further Execute calls fail with
// BackendClosed.
func (b *Backend) Shutdown() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.exec.Shutdown()
}
