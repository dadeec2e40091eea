package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/agentdock/agentdock/internal/activity"
	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/ptyproc"
)

var notifyLog = logging.ForComponent(logging.CompNotify)

// Trigger is an outbound notification type.
type Trigger string

const (
	TriggerWaiting Trigger = "agent:waiting"
	TriggerIdle    Trigger = "agent:idle"
	TriggerActive  Trigger = "agent:active"
	TriggerError   Trigger = "agent:error"
	TriggerExited  Trigger = "agent:exited"
)

// Event is one outbound notification.
type Event struct {
	SessionID string
	WorkerID  string
	Trigger   Trigger
	// Detail is free-form context: an error message, an exit code.
	Detail string
}

// Sender delivers events to one outbound channel. The manager does not know
// or care what the channel is.
type Sender interface {
	CanHandle(repositoryID string) bool
	Send(ctx context.Context, ev Event, repositoryID string) error
}

// SessionInfoLookup reports whether a session still exists and which
// repository it belongs to. Re-checked at debounce fire time because the
// session may have been deleted during the window.
type SessionInfoLookup func(sessionID string) (repositoryID string, ok bool)

// Policy controls which triggers fire and the activity debounce window.
type Policy struct {
	Debounce time.Duration
	Triggers map[Trigger]bool
}

// DefaultPolicy enables waiting, idle, and error; active and exited stay off.
func DefaultPolicy() Policy {
	return Policy{
		Debounce: 2 * time.Second,
		Triggers: map[Trigger]bool{
			TriggerWaiting: true,
			TriggerIdle:    true,
			TriggerError:   true,
			TriggerActive:  false,
			TriggerExited:  false,
		},
	}
}

// configTriggerNames maps config file keys to triggers.
var configTriggerNames = map[string]Trigger{
	"waiting": TriggerWaiting,
	"idle":    TriggerIdle,
	"active":  TriggerActive,
	"error":   TriggerError,
	"exited":  TriggerExited,
}

// PolicyFromConfig overlays config toggles onto the defaults. Unknown keys
// are logged and ignored.
func PolicyFromConfig(cfg config.NotificationsConfig) Policy {
	p := DefaultPolicy()
	if cfg.DebounceMS > 0 {
		p.Debounce = time.Duration(cfg.DebounceMS) * time.Millisecond
	}
	for name, enabled := range cfg.Triggers {
		trig, ok := configTriggerNames[name]
		if !ok {
			notifyLog.Warn("unknown_notification_trigger", slog.String("trigger", name))
			continue
		}
		p.Triggers[trig] = enabled
	}
	return p
}

type targetKey struct {
	sessionID string
	workerID  string
}

type targetState struct {
	last  Trigger
	timer *time.Timer
}

// Manager converts raw worker events into at-most-one-per-change outbound
// notifications per (session, worker). All state is in memory; a restart
// mid-debounce drops that one pending notification, which is acceptable.
type Manager struct {
	lookup SessionInfoLookup

	mu      sync.Mutex
	policy  Policy
	senders []Sender
	targets map[targetKey]*targetState
}

// NewManager builds a manager. Senders may be added later.
func NewManager(policy Policy, lookup SessionInfoLookup) *Manager {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return &Manager{
		lookup:  lookup,
		policy:  policy,
		targets: make(map[targetKey]*targetState),
	}
}

// AddSender registers an outbound delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// SetPolicy swaps the policy (config hot reload). In-flight debounce timers
// keep the window they started with.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// WorkerActivity maps an activity state to its trigger and schedules a
// debounced delivery. Unknown is dropped.
func (m *Manager) WorkerActivity(sessionID, workerID string, state activity.State) {
	var trig Trigger
	switch state {
	case activity.StateAsking:
		trig = TriggerWaiting
	case activity.StateIdle:
		trig = TriggerIdle
	case activity.StateActive:
		trig = TriggerActive
	case activity.StateUnknown:
		return
	default:
		return
	}
	m.process(Event{SessionID: sessionID, WorkerID: workerID, Trigger: trig}, true)
}

// WorkerExited fires an exit notification immediately, no debounce.
func (m *Manager) WorkerExited(sessionID, workerID string, status ptyproc.ExitStatus) {
	m.process(Event{
		SessionID: sessionID,
		WorkerID:  workerID,
		Trigger:   TriggerExited,
		Detail:    "exit code " + strconv.Itoa(status.Code),
	}, false)
}

// WorkerError fires an error notification immediately, no debounce.
func (m *Manager) WorkerError(sessionID, workerID, detail string) {
	m.process(Event{
		SessionID: sessionID,
		WorkerID:  workerID,
		Trigger:   TriggerError,
		Detail:    detail,
	}, false)
}

// CleanupSession drops debounce timers and last-type memory for every worker
// of the session. Must be called on session deletion or the entries leak for
// the process lifetime.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, st := range m.targets {
		if key.sessionID != sessionID {
			continue
		}
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.targets, key)
	}
}

// CleanupWorker drops the state for one (session, worker).
func (m *Manager) CleanupWorker(sessionID, workerID string) {
	key := targetKey{sessionID: sessionID, workerID: workerID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.targets[key]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.targets, key)
	}
}

func (m *Manager) process(ev Event, debounced bool) {
	m.mu.Lock()
	enabled := m.policy.Triggers[ev.Trigger]
	window := m.policy.Debounce
	m.mu.Unlock()

	if !enabled {
		return
	}
	if !debounced {
		m.deliver(ev)
		return
	}

	key := targetKey{sessionID: ev.SessionID, workerID: ev.WorkerID}
	m.mu.Lock()
	st, ok := m.targets[key]
	if !ok {
		st = &targetState{}
		m.targets[key] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(window, func() { m.fire(ev) })
	m.mu.Unlock()
}

// fire runs when a debounce window closes. The session is re-validated here:
// it may have been deleted during the window.
func (m *Manager) fire(ev Event) {
	if _, ok := m.lookup(ev.SessionID); !ok {
		return
	}
	m.deliver(ev)
}

func (m *Manager) deliver(ev Event) {
	key := targetKey{sessionID: ev.SessionID, workerID: ev.WorkerID}

	m.mu.Lock()
	st, ok := m.targets[key]
	if !ok {
		st = &targetState{}
		m.targets[key] = st
	}
	prev := st.last
	if prev == ev.Trigger {
		m.mu.Unlock()
		return
	}
	st.last = ev.Trigger
	// The user answering a prompt is their own action, not news. Recorded as
	// the new previous type so a following idle is still suppressed.
	if prev == TriggerWaiting && ev.Trigger == TriggerIdle {
		m.mu.Unlock()
		return
	}
	senders := make([]Sender, len(m.senders))
	copy(senders, m.senders)
	m.mu.Unlock()

	repoID, _ := m.lookup(ev.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range senders {
		if !s.CanHandle(repoID) {
			continue
		}
		if err := s.Send(ctx, ev, repoID); err != nil {
			notifyLog.Warn("notification_send_failed",
				slog.String("session", ev.SessionID),
				slog.String("worker", ev.WorkerID),
				slog.String("trigger", string(ev.Trigger)),
				slog.String("error", err.Error()))
			continue
		}
		notifyLog.Info("notification_sent",
			slog.String("session", ev.SessionID),
			slog.String("worker", ev.WorkerID),
			slog.String("trigger", string(ev.Trigger)))
	}
}
