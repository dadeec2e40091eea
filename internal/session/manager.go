package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdock/agentdock/internal/activity"
	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/procutil"
	"github.com/agentdock/agentdock/internal/ptyproc"
	"github.com/agentdock/agentdock/internal/worker"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Notifier receives worker lifecycle events and cleanup requests. The session
// layer forwards; the notification policy lives behind this seam.
type Notifier interface {
	WorkerActivity(sessionID, workerID string, state activity.State)
	WorkerExited(sessionID, workerID string, status ptyproc.ExitStatus)
	CleanupSession(sessionID string)
	CleanupWorker(sessionID, workerID string)
}

// nopNotifier lets the manager run without a notification layer.
type nopNotifier struct{}

func (nopNotifier) WorkerActivity(string, string, activity.State)   {}
func (nopNotifier) WorkerExited(string, string, ptyproc.ExitStatus) {}
func (nopNotifier) CleanupSession(string)                           {}
func (nopNotifier) CleanupWorker(string, string)                    {}

// RepoEnvLookup resolves repository-scoped environment variables injected
// into worker processes.
type RepoEnvLookup func(repositoryID string) map[string]string

// Options configures a Manager.
type Options struct {
	Store    Store
	Workers  *worker.Manager
	Notifier Notifier
	Procs    procutil.ProcessUtils
	RepoEnv  RepoEnvLookup
	// ServerPid overrides os.Getpid for tests.
	ServerPid int
}

// Manager owns the in-memory session map and its durable mirror. Reads see
// only loaded sessions; paused sessions exist in storage alone.
type Manager struct {
	store     Store
	workers   *worker.Manager
	notifier  Notifier
	procs     procutil.ProcessUtils
	repoEnv   RepoEnvLookup
	serverPid int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds the manager and runs startup reconciliation before
// returning, so no request ever observes un-reconciled state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Procs == nil {
		opts.Procs = procutil.OS()
	}
	if opts.RepoEnv == nil {
		opts.RepoEnv = func(string) map[string]string { return nil }
	}
	if opts.ServerPid == 0 {
		opts.ServerPid = os.Getpid()
	}
	m := &Manager{
		store:     opts.Store,
		workers:   opts.Workers,
		notifier:  opts.Notifier,
		procs:     opts.Procs,
		repoEnv:   opts.RepoEnv,
		serverPid: opts.ServerPid,
		sessions:  make(map[string]*Session),
	}
	m.workers.SetGlobalHandlers(m.handleWorkerActivity, m.handleWorkerExit)
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetNotifier swaps the notification sink. Startup wiring needs this: the
// notifier's session-existence lookup points back at this manager.
func (m *Manager) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

func (m *Manager) getNotifier() Notifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifier
}

// Workers exposes the worker manager for transport-layer attach/detach and
// input plumbing.
func (m *Manager) Workers() *worker.Manager {
	return m.workers
}

// CreateSessionRequest describes a new session. AgentID selects the initial
// worker's agent; empty means a plain terminal worker.
type CreateSessionRequest struct {
	Type          Type
	LocationPath  string
	RepositoryID  string
	WorktreeID    string
	Title         string
	InitialPrompt string
	AgentID       string
}

// CreateSession constructs a session with its initial worker, activates the
// worker's process immediately, and persists. New sessions start active.
func (m *Manager) CreateSession(req CreateSessionRequest) (*Session, error) {
	if err := validateRequest(req.Type, req.RepositoryID, req.WorktreeID); err != nil {
		return nil, err
	}
	if req.LocationPath == "" {
		return nil, worker.ValidationError{Reason: "location path is required"}
	}

	s := &Session{
		ID:            uuid.NewString(),
		Type:          req.Type,
		LocationPath:  req.LocationPath,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		InitialPrompt: req.InitialPrompt,
		CreatedAt:     time.Now(),
		title:         req.Title,
		serverPid:     m.serverPid,
	}

	var (
		w   *worker.Worker
		err error
	)
	if req.AgentID != "" {
		w, err = m.workers.InitializeAgentWorker(s.ID, req.AgentID)
		if err != nil {
			return nil, err
		}
	} else {
		w = m.workers.InitializeTerminalWorker(s.ID)
	}
	s.addWorker(w)

	if err := m.workers.ActivateWorkerPty(w, m.workerContext(s)); err != nil {
		m.workers.DisposeWorker(w)
		return nil, err
	}

	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		m.workers.DisposeWorker(w)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	sessionLog.Info("session_created",
		slog.String("session", s.ID),
		slog.String("type", string(s.Type)),
		slog.String("path", s.LocationPath))
	return s, nil
}

// GetSession returns the loaded session or ErrNotFound. Paused sessions are
// not found by design.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetAllSessions returns every loaded session.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RenameSession updates the title in memory and storage.
func (m *Manager) RenameSession(id, title string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	s.SetTitle(title)
	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// PauseSession kills every worker process and unloads the session, leaving
// the persisted record with a cleared server pid. Worktree sessions only.
func (m *Manager) PauseSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if s.Type != TypeWorktree {
		return worker.ValidationError{Reason: "only worktree sessions can be paused"}
	}

	for _, w := range s.Workers() {
		m.workers.KillWorker(w)
	}
	if err := m.store.Save(s.record(0)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	sessionLog.Info("session_paused", slog.String("session", id))
	return nil
}

// ResumeSession loads a paused session back into memory. Idempotent: an
// already-loaded session is returned unchanged. Worker processes are not
// respawned here; they reactivate lazily on first attach.
func (m *Manager) ResumeSession(id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	rec, err := m.store.FindByID(id)
	if err != nil {
		return nil, err
	}

	s := m.restoreSession(rec)
	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	sessionLog.Info("session_resumed", slog.String("session", id))
	return s, nil
}

// DeleteSession tears down workers best-effort, removes the session from
// memory and storage, and drops any pending notification state.
func (m *Manager) DeleteSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}

	for _, w := range s.Workers() {
		m.workers.DisposeWorker(w)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.store.Delete(id); err != nil {
		sessionLog.Warn("session_delete_storage_failed",
			slog.String("session", id),
			slog.String("error", err.Error()))
	}
	m.getNotifier().CleanupSession(id)

	sessionLog.Info("session_deleted", slog.String("session", id))
	return nil
}

// CreateWorkerRequest adds a worker to a loaded session. Kind selects the
// variant; AgentID is required for agents, BaseRef is optional for git-diff.
type CreateWorkerRequest struct {
	Kind    worker.Kind
	AgentID string
	BaseRef string
}

// CreateWorker initializes and (for process-backed kinds) activates a new
// worker, then re-persists the session's worker list.
func (m *Manager) CreateWorker(sessionID string, req CreateWorkerRequest) (*worker.Worker, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	var w *worker.Worker
	switch req.Kind {
	case worker.KindAgent:
		w, err = m.workers.InitializeAgentWorker(s.ID, req.AgentID)
	case worker.KindTerminal:
		w = m.workers.InitializeTerminalWorker(s.ID)
	case worker.KindGitDiff:
		w, err = m.workers.InitializeGitDiffWorker(s.ID, s.LocationPath, req.BaseRef)
	default:
		panic(fmt.Sprintf("unhandled worker kind %q", req.Kind))
	}
	if err != nil {
		return nil, err
	}

	if req.Kind.HasProcess() {
		if err := m.workers.ActivateWorkerPty(w, m.workerContext(s)); err != nil {
			m.workers.DisposeWorker(w)
			return nil, err
		}
	}

	s.addWorker(w)
	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return w, nil
}

// DeleteWorker removes a worker from a loaded session, killing its process
// and dropping its pending notification state.
func (m *Manager) DeleteWorker(sessionID, workerID string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	w := s.removeWorker(workerID)
	if w == nil {
		return ErrNotFound
	}

	m.workers.DisposeWorker(w)
	m.getNotifier().CleanupWorker(sessionID, workerID)

	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// RestartAgentWorker kills and respawns an agent worker's process. The worker
// identity and output history survive; the OS process does not.
func (m *Manager) RestartAgentWorker(sessionID, workerID string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	w := s.Worker(workerID)
	if w == nil {
		return ErrNotFound
	}
	if w.Kind != worker.KindAgent {
		return worker.ValidationError{Reason: "only agent workers can be restarted"}
	}

	m.workers.KillWorker(w)
	if err := m.workers.ActivateWorkerPty(w, m.workerContext(s)); err != nil {
		return err
	}
	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// ActivateWorker spawns a deactivated worker's process if needed and persists
// the fresh pid. Used by the transport layer on first attach.
func (m *Manager) ActivateWorker(sessionID, workerID string) (*worker.Worker, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	w := s.Worker(workerID)
	if w == nil {
		return nil, ErrNotFound
	}
	if !w.Kind.HasProcess() {
		return w, nil
	}
	if w.Active() {
		return w, nil
	}
	if err := m.workers.ActivateWorkerPty(w, m.workerContext(s)); err != nil {
		return nil, err
	}
	if err := m.store.Save(s.record(m.serverPid)); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return w, nil
}

func (m *Manager) workerContext(s *Session) worker.Context {
	return worker.Context{
		SessionID:     s.ID,
		LocationPath:  s.LocationPath,
		RepositoryID:  s.RepositoryID,
		RepositoryEnv: m.repoEnv(s.RepositoryID),
		InitialPrompt: s.InitialPrompt,
	}
}

func (m *Manager) restoreSession(rec Record) *Session {
	s := &Session{
		ID:            rec.ID,
		Type:          rec.Type,
		LocationPath:  rec.LocationPath,
		RepositoryID:  rec.RepositoryID,
		WorktreeID:    rec.WorktreeID,
		InitialPrompt: rec.InitialPrompt,
		CreatedAt:     rec.CreatedAt,
		title:         rec.Title,
		serverPid:     m.serverPid,
	}
	for _, wr := range rec.Workers {
		s.addWorker(m.workers.RestoreWorker(wr))
	}
	return s
}

// reconcile walks persisted sessions once at startup. A record with no server
// pid is left untouched. A record whose owning server is still alive is
// adopted: restored into memory with workers deactivated. A record whose
// owning server is dead is an unrecoverable orphan: its recorded worker pids
// are killed best-effort and the record is deleted, because nothing else will
// ever clean those processes up.
func (m *Manager) reconcile() error {
	recs, err := m.store.FindAll()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, rec := range recs {
		switch {
		case rec.ServerPid == 0:
			continue
		case m.procs.IsAlive(rec.ServerPid):
			s := m.restoreSession(rec)
			m.mu.Lock()
			m.sessions[s.ID] = s
			m.mu.Unlock()
			sessionLog.Info("session_adopted",
				slog.String("session", rec.ID),
				slog.Int("server_pid", rec.ServerPid))
		default:
			for _, wr := range rec.Workers {
				if wr.Pid <= 0 {
					continue
				}
				if !m.procs.Kill(wr.Pid) {
					sessionLog.Warn("orphan_kill_failed",
						slog.String("session", rec.ID),
						slog.String("worker", wr.ID),
						slog.Int("pid", wr.Pid))
				}
			}
			if err := m.store.Delete(rec.ID); err != nil {
				sessionLog.Warn("orphan_delete_failed",
					slog.String("session", rec.ID),
					slog.String("error", err.Error()))
				continue
			}
			sessionLog.Info("orphan_session_removed",
				slog.String("session", rec.ID),
				slog.Int("dead_server_pid", rec.ServerPid))
		}
	}
	return nil
}

func (m *Manager) handleWorkerActivity(sessionID, workerID string, state activity.State) {
	m.getNotifier().WorkerActivity(sessionID, workerID, state)
}

// handleWorkerExit re-persists the session so the stored pid never points at
// a dead process, then forwards the exit to the notification layer.
func (m *Manager) handleWorkerExit(sessionID, workerID string, status ptyproc.ExitStatus) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s != nil {
		if err := m.store.Save(s.record(m.serverPid)); err != nil && !errors.Is(err, ErrNotFound) {
			sessionLog.Warn("session_persist_failed",
				slog.String("session", sessionID),
				slog.String("error", err.Error()))
		}
	}
	m.getNotifier().WorkerExited(sessionID, workerID, status)
}
