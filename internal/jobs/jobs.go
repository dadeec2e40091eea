package jobs

import (
	"time"
)

// Status is a job's queue state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	// StatusStalled means the job exhausted its attempts. Stalled jobs are
	// kept for inspection and never retried automatically.
	StatusStalled Status = "stalled"
)

// Job is one unit of queued work. Payload is opaque to the queue.
type Job struct {
	ID          string
	Type        string
	Payload     []byte
	Status      Status
	Priority    int
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LedgerStatus is the delivery state of one ledger row.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerDelivered LedgerStatus = "delivered"
)

// LedgerKey is the composite natural key of one idempotency row. It is
// deliberately wider than the job id: one inbound event fans out to multiple
// (session, worker) targets and multiple handlers, each needing independent
// idempotency.
type LedgerKey struct {
	JobID     string
	SessionID string
	WorkerID  string
	HandlerID string
}

// Store is the durable seam for jobs and the ledger. InsertLedgerPending must
// be insert-or-ignore on the composite key; that is the sole race guard when
// a retried job and a fresh duplicate delivery dispatch concurrently.
type Store interface {
	EnqueueJob(j Job) error
	// ClaimDueJobs atomically selects up to limit pending jobs whose
	// NextRetryAt is not after now, marks them processing, and returns them
	// ordered by priority then creation time.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	UpdateJob(j Job) error

	GetLedger(key LedgerKey) (LedgerStatus, bool, error)
	InsertLedgerPending(key LedgerKey, now time.Time) error
	MarkLedgerDelivered(key LedgerKey, now time.Time) error
}
