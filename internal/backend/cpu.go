package backend

import (
	"context"
	stdruntime "runtime"

	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
)

// cpuExecutor always reports available and dispatches into the bytecode
// runtime's CPU execute path. max_parallel_units reflects the logical core
// count; gopsutil was deliberately not used for this single integer (see
// DESIGN.md).
type cpuExecutor struct {
	compiler dispruntime.Compiler
}

func (c *cpuExecutor) Execute(ctx context.Context, handle dispruntime.ModuleHandle, input []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return c.compiler.ExecuteCPU(handle, input)
}

func (c *cpuExecutor) Estimate(dispruntime.ModuleHandle) ResourceEstimate {
	return ResourceEstimate{ComputeUnits: 1, EstimatedWallMs: 100}
}

func (c *cpuExecutor) Shutdown() error { return nil }

// NewCPU builds the always-available CPU backend.
func NewCPU(compiler dispruntime.Compiler) *Backend {
	caps := Capabilities{
		MaxMemoryBytes:   0, // unbounded by the backend itself; pool enforces memory limits
		MaxParallelUnits: stdruntime.NumCPU(),
		SupportsF16:      false,
		SupportsF32:      true,
		SupportsF64:      true,
		SupportsI8:       true,
		SupportsTensorOp: false,
		SupportsAsync:    true,
	}
	return New(CPU, caps, func() bool { return true }, &cpuExecutor{compiler: compiler})
}
