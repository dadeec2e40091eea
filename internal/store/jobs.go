package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/agentdock/agentdock/internal/jobs"
)

// EnqueueJob inserts a new job row.
func (s *DB) EnqueueJob(j jobs.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (
			id, type, payload, status, priority,
			attempts, max_attempts, next_retry_at, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Type, j.Payload, string(j.Status), j.Priority,
		j.Attempts, j.MaxAttempts, j.NextRetryAt.UnixMilli(), j.LastError,
		j.CreatedAt.Unix(), j.UpdatedAt.Unix(),
	)
	return err
}

// ClaimDueJobs marks due pending jobs as processing and returns them, highest
// priority first. The select and update run in one transaction so two pollers
// cannot claim the same job.
func (s *DB) ClaimDueJobs(now time.Time, limit int) ([]jobs.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, type, payload, status, priority,
			attempts, max_attempts, next_retry_at, last_error,
			created_at, updated_at
		FROM jobs
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY priority DESC, created_at
		LIMIT ?
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	claimed, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].Status = jobs.StatusProcessing
		if _, err := tx.Exec(`UPDATE jobs SET status = 'processing' WHERE id = ?`, claimed[i].ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateJob rewrites a job's mutable fields.
func (s *DB) UpdateJob(j jobs.Job) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET
			status = ?, attempts = ?, next_retry_at = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?
	`,
		string(j.Status), j.Attempts, j.NextRetryAt.UnixMilli(),
		j.LastError, j.UpdatedAt.Unix(), j.ID,
	)
	return err
}

// GetLedger looks up one idempotency row.
func (s *DB) GetLedger(key jobs.LedgerKey) (jobs.LedgerStatus, bool, error) {
	var status string
	err := s.db.QueryRow(`
		SELECT status FROM inbound_notifications
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?
	`, key.JobID, key.SessionID, key.WorkerID, key.HandlerID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return jobs.LedgerStatus(status), true, nil
}

// InsertLedgerPending creates a pending row. INSERT OR IGNORE on the
// composite key is the race guard for concurrent dispatches of the same
// retry.
func (s *DB) InsertLedgerPending(key jobs.LedgerKey, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO inbound_notifications
			(job_id, session_id, worker_id, handler_id, status, notified_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, key.JobID, key.SessionID, key.WorkerID, key.HandlerID, now.UnixMilli())
	return err
}

// MarkLedgerDelivered flips a row to delivered.
func (s *DB) MarkLedgerDelivered(key jobs.LedgerKey, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE inbound_notifications SET status = 'delivered', notified_at = ?
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?
	`, now.UnixMilli(), key.JobID, key.SessionID, key.WorkerID, key.HandlerID)
	return err
}

func scanJobs(rows *sql.Rows) ([]jobs.Job, error) {
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		var (
			j           jobs.Job
			status      string
			nextRetryAt int64
			createdAt   int64
			updatedAt   int64
		)
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &status, &j.Priority,
			&j.Attempts, &j.MaxAttempts, &nextRetryAt, &j.LastError,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.Status = jobs.Status(status)
		j.NextRetryAt = time.UnixMilli(nextRetryAt)
		j.CreatedAt = time.Unix(createdAt, 0)
		j.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, j)
	}
	return out, rows.Err()
}
