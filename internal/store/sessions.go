package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/worker"
)

// FindAll returns every persisted session with its workers.
func (s *DB) FindAll() ([]session.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, type, location_path, repository_id, worktree_id,
			title, initial_prompt, server_pid, created_at
		FROM sessions ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		workers, err := s.loadWorkers(recs[i].ID)
		if err != nil {
			return nil, err
		}
		recs[i].Workers = workers
	}
	return recs, nil
}

// FindByID returns one session or session.ErrNotFound.
func (s *DB) FindByID(id string) (session.Record, error) {
	row := s.db.QueryRow(`
		SELECT id, type, location_path, repository_id, worktree_id,
			title, initial_prompt, server_pid, created_at
		FROM sessions WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, err
	}
	rec.Workers, err = s.loadWorkers(id)
	if err != nil {
		return session.Record{}, err
	}
	return rec, nil
}

// Save upserts the session and replaces its worker list in one transaction,
// so deleted workers never reappear on reload.
func (s *DB) Save(rec session.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// A true upsert, not INSERT OR REPLACE: REPLACE deletes the existing row
	// first, and with foreign_keys=ON that cascade would wipe the session's
	// ledger rows on every re-save.
	if _, err := tx.Exec(`
		INSERT INTO sessions (
			id, type, location_path, repository_id, worktree_id,
			title, initial_prompt, server_pid, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			location_path = excluded.location_path,
			repository_id = excluded.repository_id,
			worktree_id = excluded.worktree_id,
			title = excluded.title,
			initial_prompt = excluded.initial_prompt,
			server_pid = excluded.server_pid,
			created_at = excluded.created_at
	`,
		rec.ID, string(rec.Type), rec.LocationPath, rec.RepositoryID, rec.WorktreeID,
		rec.Title, rec.InitialPrompt, rec.ServerPid, rec.CreatedAt.Unix(),
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM workers WHERE session_id = ?`, rec.ID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO workers (id, session_id, kind, agent_id, base_commit, pid, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, w := range rec.Workers {
		if _, err := stmt.Exec(w.ID, rec.ID, string(w.Kind), w.AgentID, w.BaseCommit, w.Pid, i); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes a session; workers and ledger rows cascade.
func (s *DB) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *DB) loadWorkers(sessionID string) ([]worker.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, agent_id, base_commit, pid
		FROM workers WHERE session_id = ? ORDER BY sort_order
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []worker.Record
	for rows.Next() {
		var (
			w    worker.Record
			kind string
		)
		if err := rows.Scan(&w.ID, &kind, &w.AgentID, &w.BaseCommit, &w.Pid); err != nil {
			return nil, err
		}
		w.SessionID = sessionID
		w.Kind = worker.Kind(kind)
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Record, error) {
	var (
		rec       session.Record
		typ       string
		createdAt int64
	)
	err := row.Scan(&rec.ID, &typ, &rec.LocationPath, &rec.RepositoryID, &rec.WorktreeID,
		&rec.Title, &rec.InitialPrompt, &rec.ServerPid, &createdAt)
	if err != nil {
		return session.Record{}, err
	}
	rec.Type = session.Type(typ)
	rec.CreatedAt = time.Unix(createdAt, 0)
	return rec, nil
}
