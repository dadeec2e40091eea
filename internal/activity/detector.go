package activity

import (
	"sync"
	"time"
)

// State classifies what an agent is doing, derived from its output stream
// and user keystrokes.
type State string

const (
	// StateUnknown is the worker-level placeholder before the detector has
	// reported anything. The detector itself never transitions to it.
	StateUnknown State = "unknown"
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateAsking  State = "asking"
)

// Tuning holds the detector's timing knobs. Zero values take defaults.
type Tuning struct {
	// RateWindow is the sliding window for the output-rate rule.
	RateWindow time.Duration
	// RateThreshold is the number of output events within RateWindow that
	// must be exceeded to enter StateActive.
	RateThreshold int
	// IdleTimeout is how long output must be silent while active before
	// falling back to StateIdle.
	IdleTimeout time.Duration
	// AskingDebounce delays the asking transition so the full prompt can
	// render before the match is acted on.
	AskingDebounce time.Duration
	// TypingTimeout lapses typing-suppression if the user never submits.
	TypingTimeout time.Duration
	// TailLimit bounds the recent-output buffer used for asking matches.
	TailLimit int
}

func (t Tuning) withDefaults() Tuning {
	if t.RateWindow <= 0 {
		t.RateWindow = 2 * time.Second
	}
	if t.RateThreshold <= 0 {
		t.RateThreshold = 10
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = 5 * time.Second
	}
	if t.AskingDebounce <= 0 {
		t.AskingDebounce = 250 * time.Millisecond
	}
	if t.TypingTimeout <= 0 {
		t.TypingTimeout = 8 * time.Second
	}
	if t.TailLimit <= 0 {
		t.TailLimit = 4096
	}
	return t
}

// Detector is a per-worker state machine classifying a live output stream as
// idle, active, or asking. All timers it starts are owned by the detector
// and cancelled by Dispose; skipping Dispose leaks timers.
type Detector struct {
	tune     Tuning
	matcher  *Matcher
	onChange func(State)

	mu          sync.Mutex
	state       State
	tail        []byte
	outputTimes []time.Time
	typing      bool
	disposed    bool

	idleTimer   *time.Timer
	askingTimer *time.Timer
	typingTimer *time.Timer
}

// NewDetector creates a detector in StateIdle. onChange is invoked once per
// state change, never batched, and must not block.
func NewDetector(matcher *Matcher, tune Tuning, onChange func(State)) *Detector {
	return &Detector{
		tune:     tune.withDefaults(),
		matcher:  matcher,
		onChange: onChange,
		state:    StateIdle,
	}
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ProcessOutput feeds one output chunk through the rate and asking rules.
func (d *Detector) ProcessOutput(chunk []byte) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}

	now := time.Now()

	d.tail = append(d.tail, chunk...)
	if len(d.tail) > d.tune.TailLimit {
		d.tail = d.tail[len(d.tail)-d.tune.TailLimit:]
	}

	// Asking rule: match the ANSI-stripped tail, then debounce so a
	// partially rendered prompt settles before we flip state.
	if !d.matcher.Empty() && d.askingTimer == nil && d.state != StateAsking {
		if d.matcher.Match(StripANSI(string(d.tail))) {
			d.askingTimer = time.AfterFunc(d.tune.AskingDebounce, d.askingDebounceFired)
		}
	}

	var notify func()

	// Rate rule: suppressed entirely while asking; typing also suppresses it
	// and clears the counter so paste echoes don't read as agent activity.
	switch {
	case d.typing:
		d.outputTimes = d.outputTimes[:0]
	case d.state == StateAsking:
		// asking wins until resolved
	default:
		d.outputTimes = append(d.outputTimes, now)
		cutoff := now.Add(-d.tune.RateWindow)
		trimmed := d.outputTimes[:0]
		for _, ts := range d.outputTimes {
			if ts.After(cutoff) {
				trimmed = append(trimmed, ts)
			}
		}
		d.outputTimes = trimmed
		if d.state != StateActive && len(d.outputTimes) > d.tune.RateThreshold {
			notify = d.setStateLocked(StateActive)
		}
	}

	if d.state == StateActive {
		d.resetIdleTimerLocked()
	}

	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetUserTyping marks the user as composing input, suppressing the rate rule
// until ClearUserTyping or the typing timeout.
func (d *Detector) SetUserTyping() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.typing = true
	d.outputTimes = d.outputTimes[:0]
	if d.typingTimer != nil {
		d.typingTimer.Stop()
	}
	d.typingTimer = time.AfterFunc(d.tune.TypingTimeout, d.typingTimedOut)
}

// ClearUserTyping ends typing-suppression. If the detector is asking, both a
// submitted answer (isCancel=false) and an escape (isCancel=true) resolve the
// question to idle. Outside asking this only clears the typing flag.
func (d *Detector) ClearUserTyping(isCancel bool) {
	_ = isCancel

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.typing = false
	if d.typingTimer != nil {
		d.typingTimer.Stop()
		d.typingTimer = nil
	}
	if d.askingTimer != nil {
		d.askingTimer.Stop()
		d.askingTimer = nil
	}

	var notify func()
	if d.state == StateAsking {
		d.tail = d.tail[:0]
		notify = d.setStateLocked(StateIdle)
	}
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Reset returns the detector to its initial idle state without firing the
// change callback. Used on process (re)activation.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.stopTimersLocked()
	d.state = StateIdle
	d.tail = nil
	d.outputTimes = nil
	d.typing = false
}

// Dispose cancels all pending timers. The detector is unusable afterwards.
func (d *Detector) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimersLocked()
	d.disposed = true
}

func (d *Detector) stopTimersLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	if d.askingTimer != nil {
		d.askingTimer.Stop()
		d.askingTimer = nil
	}
	if d.typingTimer != nil {
		d.typingTimer.Stop()
		d.typingTimer = nil
	}
}

func (d *Detector) resetIdleTimerLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.tune.IdleTimeout, d.idleTimedOut)
}

func (d *Detector) idleTimedOut() {
	d.mu.Lock()
	if d.disposed || d.state != StateActive {
		d.mu.Unlock()
		return
	}
	d.outputTimes = nil
	notify := d.setStateLocked(StateIdle)
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (d *Detector) askingDebounceFired() {
	d.mu.Lock()
	d.askingTimer = nil
	if d.disposed {
		d.mu.Unlock()
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	notify := d.setStateLocked(StateAsking)
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (d *Detector) typingTimedOut() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.typing = false
	d.typingTimer = nil
}

// setStateLocked records a transition and returns the callback to invoke
// after the lock is released, or nil if nothing changed.
func (d *Detector) setStateLocked(next State) func() {
	if d.state == next {
		return nil
	}
	d.state = next
	cb := d.onChange
	if cb == nil {
		return nil
	}
	return func() { cb(next) }
}
