package backend

import (
	"context"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
	"github.com/heteroforge/dispatch/internal/remotegpu"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
)

// remoteGPUExecutor adapts a remotegpu.Aggregator into the generic Executor
// contract. One Execute call does select -> allocate -> submit -> release in
// a single round trip, keyed by the module's content hash as the allocation's
// job id since the generic Executor signature carries no job identity of its
// own.
type remoteGPUExecutor struct {
	agg          *remotegpu.Aggregator
	requirements remotegpu.GpuRequirements
	durationHrs  float64
}

func (r *remoteGPUExecutor) Execute(ctx context.Context, handle dispruntime.ModuleHandle, input []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	jobID := handle.Hash()
	listing, err := r.agg.Select(r.requirements)
	if err != nil {
		return nil, err
	}
	if _, err := r.agg.Allocate(ctx, jobID, listing, r.durationHrs); err != nil {
		return nil, err
	}
	defer func() { _ = r.agg.Release(context.Background(), jobID) }()

	out, err := r.agg.Submit(ctx, jobID, nil, input)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindProvider, "remote gpu submit failed", err)
	}
	return out, nil
}

func (r *remoteGPUExecutor) Estimate(dispruntime.ModuleHandle) ResourceEstimate {
	return ResourceEstimate{ComputeUnits: 4, EstimatedWallMs: int64(r.durationHrs * 3600 * 1000)}
}

func (r *remoteGPUExecutor) Shutdown() error { return nil }

// NewRemoteGPU builds the REMOTE_GPU backend around an Aggregator. avail
// should report false when the aggregator's inventory is empty (no reachable
// providers).
func NewRemoteGPU(agg *remotegpu.Aggregator, requirements remotegpu.GpuRequirements, durationHrs float64, avail AvailabilityFunc) *Backend {
	caps := Capabilities{SupportsAsync: true, SupportsF32: true, SupportsF16: true}
	return New(REMOTE_GPU, caps, avail, &remoteGPUExecutor{agg: agg, requirements: requirements, durationHrs: durationHrs})
}

// NoProvidersAvailable is a convenience AvailabilityFunc checking the
// aggregator's current inventory snapshot is non-empty.
func NoProvidersAvailable(agg *remotegpu.Aggregator) AvailabilityFunc {
	return func() bool { return len(agg.Inventory()) > 0 }
}
