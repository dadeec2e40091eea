package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentdock/agentdock/internal/worker"
)

// ErrNotFound is returned by operations targeting a session id that is not
// loaded in memory. Callers render it as a 404-equivalent; it never panics.
var ErrNotFound = errors.New("session not found")

// Type discriminates session variants. Switches over Type should list every
// constant and panic in the default arm.
type Type string

const (
	// TypeQuick is an ephemeral session in an arbitrary directory. It cannot
	// be paused; deleting it is the only way out.
	TypeQuick Type = "quick"
	// TypeWorktree is bound to a repository worktree and survives server
	// restarts via pause/resume.
	TypeWorktree Type = "worktree"
)

// Record is the persisted form of a session. ServerPid is zero when no server
// process owns the session (paused).
type Record struct {
	ID            string
	Type          Type
	LocationPath  string
	RepositoryID  string
	WorktreeID    string
	Title         string
	InitialPrompt string
	ServerPid     int
	CreatedAt     time.Time
	Workers       []worker.Record
}

// Store is the durable storage seam for sessions. Implementations must treat
// Save as an upsert of the record and its full worker list.
type Store interface {
	FindAll() ([]Record, error)
	FindByID(id string) (Record, error)
	Save(rec Record) error
	Delete(id string) error
}

// Session is an in-memory working-directory-scoped container for workers.
// Only sessions present in the manager's map are visible to reads; a
// persisted-but-unloaded session is paused.
type Session struct {
	ID            string
	Type          Type
	LocationPath  string
	RepositoryID  string // worktree only
	WorktreeID    string // worktree only
	InitialPrompt string
	CreatedAt     time.Time

	mu        sync.Mutex
	title     string
	serverPid int
	workers   []*worker.Worker
}

// Title returns the session's display title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// SetTitle updates the display title in memory only.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// ServerPid returns the pid of the owning server process, zero when paused.
func (s *Session) ServerPid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverPid
}

// Workers returns a snapshot of the session's worker list.
func (s *Session) Workers() []*worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Worker, len(s.workers))
	copy(out, s.workers)
	return out
}

// Worker returns the worker with the given id, or nil.
func (s *Session) Worker(id string) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (s *Session) addWorker(w *worker.Worker) {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
}

func (s *Session) removeWorker(id string) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.workers {
		if w.ID == id {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return w
		}
	}
	return nil
}

// record captures the persistable form of the session, including the current
// pid of every worker.
func (s *Session) record(serverPid int) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := Record{
		ID:            s.ID,
		Type:          s.Type,
		LocationPath:  s.LocationPath,
		RepositoryID:  s.RepositoryID,
		WorktreeID:    s.WorktreeID,
		Title:         s.title,
		InitialPrompt: s.InitialPrompt,
		ServerPid:     serverPid,
		CreatedAt:     s.CreatedAt,
	}
	for _, w := range s.workers {
		rec.Workers = append(rec.Workers, w.Record())
	}
	return rec
}

func validateRequest(typ Type, repositoryID, worktreeID string) error {
	switch typ {
	case TypeQuick:
		if repositoryID != "" || worktreeID != "" {
			return worker.ValidationError{Reason: "quick session must not carry repository or worktree"}
		}
	case TypeWorktree:
		if repositoryID == "" || worktreeID == "" {
			return worker.ValidationError{Reason: "worktree session requires repository and worktree"}
		}
	default:
		return worker.ValidationError{Reason: fmt.Sprintf("unknown session type %q", typ)}
	}
	return nil
}
