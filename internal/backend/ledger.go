package backend

import (
	"context"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
)

// ledgerExecutor exists only so the scheduler can score the LEDGER tag.
// Ledger jobs are dispatched by the orchestrator directly through
// LedgerClient (spec.md §4.5 "Special case"), never through this generic
// path; calling Execute here is always a routing bug.
type ledgerExecutor struct{}

func (ledgerExecutor) Execute(context.Context, dispruntime.ModuleHandle, []byte) ([]byte, error) {
	return nil, dispatcherr.New(dispatcherr.KindRouteMismatch, "generic execute invoked on LEDGER backend")
}

func (ledgerExecutor) Estimate(dispruntime.ModuleHandle) ResourceEstimate {
	return ResourceEstimate{ComputeUnits: 1, EstimatedWallMs: 5000}
}

func (ledgerExecutor) Shutdown() error { return nil }

// NewLedger builds the LEDGER backend placeholder. avail reports whether a
// LedgerClient is configured for the engine.
func NewLedger(avail AvailabilityFunc) *Backend {
	caps := Capabilities{SupportsAsync: true}
	return New(LEDGER, caps, avail, ledgerExecutor{})
}
