package worker

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/agentdock/agentdock/internal/activity"
	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/gitutil"
	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/ptyproc"
)

var workerLog = logging.ForComponent(logging.CompWorker)

// AgentLookup resolves an agent id to its definition.
type AgentLookup func(agentID string) (config.AgentDef, bool)

// Options configures a Manager.
type Options struct {
	Spawner     ptyproc.Spawner
	Agents      AgentLookup
	Tuning      activity.Tuning
	BufferLimit int
	// MirrorDir, if set, mirrors each worker's output to an append-only
	// file named after the worker id.
	MirrorDir string
}

// Manager owns everything about a worker's process and I/O fan-out. It has
// no notion of sessions beyond the opaque Context passed per call; the
// session layer holds the worker collections.
type Manager struct {
	spawner     ptyproc.Spawner
	agents      AgentLookup
	tuning      activity.Tuning
	bufferLimit int
	mirrorDir   string

	mu         sync.Mutex
	onActivity func(sessionID, workerID string, state activity.State)
	onExit     func(sessionID, workerID string, status ptyproc.ExitStatus)
}

// NewManager creates a worker manager.
func NewManager(opts Options) *Manager {
	if opts.Agents == nil {
		opts.Agents = func(string) (config.AgentDef, bool) { return config.AgentDef{}, false }
	}
	return &Manager{
		spawner:     opts.Spawner,
		agents:      opts.Agents,
		tuning:      opts.Tuning,
		bufferLimit: opts.BufferLimit,
		mirrorDir:   opts.MirrorDir,
	}
}

// SetGlobalHandlers registers the manager-wide activity and exit callbacks.
// The session layer uses these for bookkeeping and notification forwarding.
func (m *Manager) SetGlobalHandlers(
	onActivity func(sessionID, workerID string, state activity.State),
	onExit func(sessionID, workerID string, status ptyproc.ExitStatus),
) {
	m.mu.Lock()
	m.onActivity = onActivity
	m.onExit = onExit
	m.mu.Unlock()
}

// SetAgents swaps the agent lookup (config hot reload).
func (m *Manager) SetAgents(agents AgentLookup) {
	m.mu.Lock()
	m.agents = agents
	m.mu.Unlock()
}

// InitializeAgentWorker builds an agent worker record with no process.
func (m *Manager) InitializeAgentWorker(sessionID, agentID string) (*Worker, error) {
	if _, ok := m.lookupAgent(agentID); !ok {
		return nil, ValidationError{Reason: fmt.Sprintf("unknown agent %q", agentID)}
	}
	return &Worker{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Kind:         KindAgent,
		AgentID:      agentID,
		subs:         make(map[string]Callbacks),
		lastActivity: activity.StateUnknown,
	}, nil
}

// InitializeTerminalWorker builds a plain shell worker record with no process.
func (m *Manager) InitializeTerminalWorker(sessionID string) *Worker {
	return &Worker{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Kind:         KindTerminal,
		subs:         make(map[string]Callbacks),
		lastActivity: activity.StateUnknown,
	}
}

// InitializeGitDiffWorker builds a git-diff worker. This is the only worker
// kind fully materialized at initialization: the base commit is resolved
// here (explicit ref, else merge-base with the default branch, else root
// commit) and no process ever attaches.
func (m *Manager) InitializeGitDiffWorker(sessionID, dir, baseRef string) (*Worker, error) {
	base, err := gitutil.ResolveDiffBase(dir, baseRef)
	if err != nil {
		return nil, fmt.Errorf("resolve diff base: %w", err)
	}
	return &Worker{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Kind:         KindGitDiff,
		BaseCommit:   base,
		subs:         make(map[string]Callbacks),
		lastActivity: activity.StateUnknown,
	}, nil
}

// RestoreWorker rehydrates a persisted worker with no live process. Agent
// and terminal workers reactivate lazily on first attach; git-diff workers
// are complete as restored.
func (m *Manager) RestoreWorker(rec Record) *Worker {
	return &Worker{
		ID:           rec.ID,
		SessionID:    rec.SessionID,
		Kind:         rec.Kind,
		AgentID:      rec.AgentID,
		BaseCommit:   rec.BaseCommit,
		subs:         make(map[string]Callbacks),
		lastActivity: activity.StateUnknown,
	}
}

// ActivateWorkerPty spawns the worker's process. Idempotent: a worker with a
// live pty returns immediately with no side effects, so concurrent attach
// requests cannot double-spawn.
func (m *Manager) ActivateWorkerPty(w *Worker, ctx Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pty != nil {
		return nil
	}

	var (
		command string
		args    []string
		env     []string
		def     config.AgentDef
	)
	switch w.Kind {
	case KindAgent:
		var ok bool
		def, ok = m.lookupAgent(w.AgentID)
		if !ok {
			return ValidationError{Reason: fmt.Sprintf("unknown agent %q", w.AgentID)}
		}
		expanded, err := ExpandCommand(def.Command, ctx.LocationPath)
		if err != nil {
			return err
		}
		command = "/bin/sh"
		args = []string{"-c", expanded}
		env = BuildEnv(ctx.RepositoryEnv, def.Env, ctx.InitialPrompt)
	case KindTerminal:
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		command = shell
		env = BuildEnv(ctx.RepositoryEnv, nil, "")
	case KindGitDiff:
		return ValidationError{Reason: "git-diff worker has no process"}
	default:
		panic(fmt.Sprintf("unhandled worker kind %q", w.Kind))
	}

	handle, err := m.spawner.Spawn(command, args, ptyproc.SpawnOpts{
		Dir:  ctx.LocationPath,
		Env:  env,
		Cols: 80,
		Rows: 24,
	})
	if err != nil {
		workerLog.Error("worker_spawn_failed",
			slog.String("worker", w.ID),
			slog.String("error", err.Error()))
		return err
	}

	w.pty = handle
	w.pid = handle.Pid()
	if w.buf == nil {
		w.buf = NewOutputBuffer(m.bufferLimit, m.mirrorPath(w.ID))
	}

	if w.Kind == KindAgent {
		matcher := activity.CompileAskingPatterns(def.Patterns(w.AgentID))
		w.detector = activity.NewDetector(matcher, m.tuning, func(st activity.State) {
			m.handleActivityChange(w, st)
		})
	}
	w.lastActivity = activity.StateUnknown

	handle.OnData(func(chunk []byte) { m.handleData(w, chunk) })
	handle.OnExit(func(status ptyproc.ExitStatus) { m.handleExit(w, status) })

	workerLog.Info("worker_activated",
		slog.String("session", w.SessionID),
		slog.String("worker", w.ID),
		slog.String("kind", string(w.Kind)),
		slog.Int("pid", w.pid))
	return nil
}

// AttachCallbacks registers a new independent subscriber and returns its
// connection id. Multiple subscribers receive every chunk; there is no
// per-subscriber offset tracking beyond the offset value handed to OnData.
func (m *Manager) AttachCallbacks(w *Worker, cbs Callbacks) string {
	connID := uuid.NewString()
	w.mu.Lock()
	w.subs[connID] = cbs
	w.mu.Unlock()
	return connID
}

// DetachCallbacks removes one subscriber. Removing the last subscriber does
// not kill the process; workers outlive their viewers.
func (m *Manager) DetachCallbacks(w *Worker, connID string) {
	w.mu.Lock()
	delete(w.subs, connID)
	w.mu.Unlock()
}

// WriteInput feeds user input to the process and the typing signals to the
// activity detector. Returns false when no process is attached.
func (m *Manager) WriteInput(w *Worker, data []byte) bool {
	w.mu.Lock()
	handle := w.pty
	det := w.detector
	w.mu.Unlock()

	if handle == nil {
		return false
	}

	if det != nil {
		switch {
		case bytes.ContainsAny(data, "\r\n"):
			det.ClearUserTyping(false)
		case bytes.IndexByte(data, 0x1b) >= 0:
			det.ClearUserTyping(true)
		default:
			det.SetUserTyping()
		}
	}

	if err := handle.Write(data); err != nil {
		workerLog.Warn("worker_write_failed",
			slog.String("worker", w.ID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// Resize changes the pty dimensions. Returns false when no process is
// attached.
func (m *Manager) Resize(w *Worker, cols, rows uint16) bool {
	w.mu.Lock()
	handle := w.pty
	w.mu.Unlock()

	if handle == nil {
		return false
	}
	if err := handle.Resize(cols, rows); err != nil {
		workerLog.Warn("worker_resize_failed",
			slog.String("worker", w.ID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// KillWorker tears a worker's process down. Event handlers are detached
// before the kill so a final in-flight exit cannot race the teardown and
// double-fire callbacks; the detector is disposed last.
func (m *Manager) KillWorker(w *Worker) {
	w.mu.Lock()
	handle := w.pty
	det := w.detector
	w.pty = nil
	w.pid = 0
	w.detector = nil
	w.lastActivity = activity.StateUnknown
	w.mu.Unlock()

	if handle != nil {
		handle.OnData(nil)
		handle.OnExit(nil)
		handle.Kill()
	}
	if det != nil {
		det.Dispose()
	}
}

// DisposeWorker kills the worker and releases its buffer side-channel. Used
// on worker/session deletion.
func (m *Manager) DisposeWorker(w *Worker) {
	m.KillWorker(w)
	w.mu.Lock()
	buf := w.buf
	w.mu.Unlock()
	if buf != nil {
		buf.Close()
	}
}

func (m *Manager) handleData(w *Worker, chunk []byte) {
	w.mu.Lock()
	buf := w.buf
	det := w.detector
	subs := w.snapshotSubsLocked()
	w.mu.Unlock()

	var offset int64
	if buf != nil {
		offset = buf.Append(chunk)
	}
	if det != nil {
		det.ProcessOutput(chunk)
	}
	for _, cb := range subs {
		if cb.OnData != nil {
			cb.OnData(chunk, offset)
		}
	}
	logging.Aggregate(logging.CompWorker, "worker_output", slog.String("worker", w.ID))
}

func (m *Manager) handleExit(w *Worker, status ptyproc.ExitStatus) {
	w.mu.Lock()
	det := w.detector
	w.pty = nil
	w.pid = 0
	w.detector = nil
	w.lastActivity = activity.StateUnknown
	subs := w.snapshotSubsLocked()
	w.mu.Unlock()

	if det != nil {
		det.Dispose()
	}
	for _, cb := range subs {
		if cb.OnExit != nil {
			cb.OnExit(status)
		}
	}

	workerLog.Info("worker_exited",
		slog.String("session", w.SessionID),
		slog.String("worker", w.ID),
		slog.Int("code", status.Code))

	m.mu.Lock()
	onExit := m.onExit
	m.mu.Unlock()
	if onExit != nil {
		onExit(w.SessionID, w.ID, status)
	}
}

func (m *Manager) handleActivityChange(w *Worker, st activity.State) {
	w.mu.Lock()
	w.lastActivity = st
	subs := w.snapshotSubsLocked()
	w.mu.Unlock()

	for _, cb := range subs {
		if cb.OnActivityChange != nil {
			cb.OnActivityChange(st)
		}
	}

	m.mu.Lock()
	onActivity := m.onActivity
	m.mu.Unlock()
	if onActivity != nil {
		onActivity(w.SessionID, w.ID, st)
	}
}

func (m *Manager) lookupAgent(agentID string) (config.AgentDef, bool) {
	m.mu.Lock()
	agents := m.agents
	m.mu.Unlock()
	return agents(agentID)
}

func (m *Manager) mirrorPath(workerID string) string {
	if m.mirrorDir == "" {
		return ""
	}
	return filepath.Join(m.mirrorDir, workerID+".out")
}
