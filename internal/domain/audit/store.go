package audit

import "context"

// Log is the outbound port for the tamper-evident audit trail. The file
// implementation lives in an adapter; tests substitute an in-memory one.
type Log interface {
	// Record chains and enqueues one entry. Seq, ID, PrevHash, and Hash
	// are assigned by the log; the caller populates everything else.
	Record(ctx context.Context, rec *Record) error

	// Flush drains the in-memory buffer to storage.
	Flush(ctx context.Context) error

	// Verify recomputes every retained record's hash and linkage.
	Verify(ctx context.Context) (VerifyResult, error)

	// Query scans retained segments with the given filter.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Head returns the current chain head.
	Head() ChainHead

	// Close flushes and releases the log.
	Close(ctx context.Context) error
}
