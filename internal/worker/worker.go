package worker

import (
	"fmt"
	"sync"

	"github.com/agentdock/agentdock/internal/activity"
	"github.com/agentdock/agentdock/internal/ptyproc"
)

// Kind discriminates the worker variants. Switches over Kind should list
// every constant and panic in the default arm so a new variant cannot be
// added without visiting each site.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindTerminal Kind = "terminal"
	KindGitDiff  Kind = "git-diff"
)

// HasProcess reports whether the kind is backed by a pty process.
func (k Kind) HasProcess() bool {
	switch k {
	case KindAgent, KindTerminal:
		return true
	case KindGitDiff:
		return false
	default:
		panic(fmt.Sprintf("unhandled worker kind %q", k))
	}
}

// Record is the persisted form of a worker. Pid is non-zero iff the worker
// was backed by a live process when saved.
type Record struct {
	ID         string
	SessionID  string
	Kind       Kind
	AgentID    string
	BaseCommit string
	Pid        int
}

// Callbacks is one live subscriber's view of a worker. Any field may be nil.
// Callback errors/panics propagate to the caller of the fan-out; isolating
// subscriber failures is the transport layer's job.
type Callbacks struct {
	OnData           func(chunk []byte, offset int64)
	OnExit           func(status ptyproc.ExitStatus)
	OnActivityChange func(state activity.State)
}

// Context carries the session-scoped inputs a worker activation needs. The
// worker layer treats it as opaque session data.
type Context struct {
	SessionID     string
	LocationPath  string
	RepositoryID  string
	RepositoryEnv map[string]string
	InitialPrompt string
}

// Worker is one logical unit of work in a session: an agent process, a plain
// shell, or a processless git-diff view. Identity and output history survive
// process restarts; the pty handle does not.
type Worker struct {
	ID         string
	SessionID  string
	Kind       Kind
	AgentID    string // agent only
	BaseCommit string // git-diff only

	mu           sync.Mutex
	pty          ptyproc.Handle
	pid          int
	buf          *OutputBuffer
	subs         map[string]Callbacks
	detector     *activity.Detector
	lastActivity activity.State
}

// Pid returns the live process pid, or 0 when deactivated.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// Active reports whether a pty process is currently attached.
func (w *Worker) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pty != nil
}

// Activity returns the last known agent activity state. Terminal and
// git-diff workers always report unknown.
func (w *Worker) Activity() activity.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastActivity == "" {
		return activity.StateUnknown
	}
	return w.lastActivity
}

// Snapshot returns the buffered output history and the stream's end offset.
// A reconnecting subscriber replays this, then follows live chunks whose
// offsets continue from it.
func (w *Worker) Snapshot() ([]byte, int64) {
	w.mu.Lock()
	buf := w.buf
	w.mu.Unlock()
	if buf == nil {
		return nil, 0
	}
	return buf.Snapshot()
}

// Offset returns the total bytes produced by the worker's processes so far.
func (w *Worker) Offset() int64 {
	w.mu.Lock()
	buf := w.buf
	w.mu.Unlock()
	if buf == nil {
		return 0
	}
	_, off := buf.Snapshot()
	return off
}

// SubscriberCount returns the number of attached live subscribers.
func (w *Worker) SubscriberCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Record returns the persistable form of the worker.
func (w *Worker) Record() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Record{
		ID:         w.ID,
		SessionID:  w.SessionID,
		Kind:       w.Kind,
		AgentID:    w.AgentID,
		BaseCommit: w.BaseCommit,
		Pid:        w.pid,
	}
}

// snapshotSubsLocked copies the subscriber set so fan-out never iterates a
// collection a callback might mutate.
func (w *Worker) snapshotSubsLocked() []Callbacks {
	if len(w.subs) == 0 {
		return nil
	}
	out := make([]Callbacks, 0, len(w.subs))
	for _, cb := range w.subs {
		out = append(out, cb)
	}
	return out
}
