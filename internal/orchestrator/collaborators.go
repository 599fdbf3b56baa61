package orchestrator

import "context"

// PreFilter is the optional, pluggable deterministic byte transform applied
// to a job's input before compilation/scheduling. It must be pure over its
// inputs; failure is fatal to the job.
type PreFilter func(input []byte) ([]byte, error)

// LedgerHandle is an opaque reference to a submitted on-chain job.
type LedgerHandle string

// LedgerClient is the abstract on-chain collaborator. Ledger jobs bypass
// the generic backend.Execute path entirely and are dispatched through
// this interface instead.
type LedgerClient interface {
	Submit(ctx context.Context, job *Job) (LedgerHandle, error)
	WaitForResult(ctx context.Context, handle LedgerHandle) ([]byte, error)
	SubmitProof(ctx context.Context, commitment []byte) (receipt string, err error)
	QueryResult(ctx context.Context, handle LedgerHandle) ([]byte, bool, error)
}
