// Package errs holds the sentinel errors shared across the relayer core.
//
// Components return these directly or wrap them with fmt.Errorf("...: %w", ...)
// so callers can still use errors.Is/errors.As against the sentinel.
package errs

import "errors"

var (
	// ErrConfig marks a fatal configuration problem: an unknown chain referenced
	// by a mapping, a resolver id with no registered function, a malformed
	// event/method signature. Callers treat this as fatal at startup.
	ErrConfig = errors.New("configuration error")

	// ErrRPC marks a chain RPC call that failed or was rejected. The sweep tick
	// that produced it aborts without advancing the cursor and is retried.
	ErrRPC = errors.New("chain rpc error")

	// ErrResolver wraps a destination-resolver failure.
	ErrResolver = errors.New("resolver error")

	// ErrResolverParameterMissing is returned by the event_parameter resolver
	// when the configured parameter is absent from the decoded event.
	ErrResolverParameterMissing = errors.New("resolver: event parameter missing")

	// ErrProofRequestFailed is raised when polymer_requestProof exhausts its
	// retry budget without success.
	ErrProofRequestFailed = errors.New("proof request failed")

	// ErrProofPollingTimeout is raised when polymer_queryProof never reaches a
	// terminal status within the allotted polling attempts.
	ErrProofPollingTimeout = errors.New("proof polling timed out")

	// ErrProofGenerationFailed is raised when the proof service reports status "error".
	ErrProofGenerationFailed = errors.New("proof generation failed")

	// ErrEncoding marks a method-signature or argument incompatibility discovered
	// while ABI-encoding a destination call.
	ErrEncoding = errors.New("encoding error")

	// ErrExecutionReverted marks a destination transaction that was mined but
	// whose receipt status was not success.
	ErrExecutionReverted = errors.New("destination execution reverted")

	// ErrDuplicateJob is returned by the job store when a unique_id already
	// exists; callers treat this as a silent, idempotent skip.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrNotFound is returned by store queries that address a single row.
	ErrNotFound = errors.New("not found")
)

// ExecutionRevertedError carries the destination transaction hash alongside
// ErrExecutionReverted so handlers can record it in the job's error_message
// and callers can still match on errors.Is(err, ErrExecutionReverted).
type ExecutionRevertedError struct {
	TxHash string
}

func (e *ExecutionRevertedError) Error() string {
	return "destination execution reverted: tx " + e.TxHash
}

func (e *ExecutionRevertedError) Unwrap() error {
	return ErrExecutionReverted
}
