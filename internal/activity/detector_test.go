package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func testTuning() Tuning {
	return Tuning{
		RateWindow:     500 * time.Millisecond,
		RateThreshold:  10,
		IdleTimeout:    80 * time.Millisecond,
		AskingDebounce: 20 * time.Millisecond,
		TypingTimeout:  100 * time.Millisecond,
		TailLimit:      1024,
	}
}

func TestDetector_RateRuleTransitionsToActive(t *testing.T) {
	rec := &stateRecorder{}
	d := NewDetector(CompileAskingPatterns(nil), testTuning(), rec.record)
	defer d.Dispose()

	require.Equal(t, StateIdle, d.State())

	for i := 0; i < 25; i++ {
		d.ProcessOutput([]byte("chunk\n"))
	}
	require.Equal(t, StateActive, d.State())
	require.Equal(t, []State{StateActive}, rec.all())
}

func TestDetector_IdleTimeoutAfterActive(t *testing.T) {
	rec := &stateRecorder{}
	d := NewDetector(CompileAskingPatterns(nil), testTuning(), rec.record)
	defer d.Dispose()

	for i := 0; i < 25; i++ {
		d.ProcessOutput([]byte("x"))
	}
	require.Equal(t, StateActive, d.State())

	require.Eventually(t, func() bool {
		return d.State() == StateIdle
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []State{StateActive, StateIdle}, rec.all())
}

func TestDetector_AskingSuppressesRate(t *testing.T) {
	rec := &stateRecorder{}
	patterns := CompileAskingPatterns([]string{"Do you want to proceed?"})
	d := NewDetector(patterns, testTuning(), rec.record)
	defer d.Dispose()

	d.ProcessOutput([]byte("Do you want to proceed?"))
	require.Eventually(t, func() bool {
		return d.State() == StateAsking
	}, time.Second, 5*time.Millisecond)

	// High-rate output while asking must not flip to active.
	for i := 0; i < 50; i++ {
		d.ProcessOutput([]byte("streaming output"))
	}
	require.Equal(t, StateAsking, d.State())

	d.ClearUserTyping(false)
	require.Equal(t, StateIdle, d.State())
}

func TestDetector_CancelResolvesAsking(t *testing.T) {
	patterns := CompileAskingPatterns([]string{"re:\\[y/N\\]"})
	d := NewDetector(patterns, testTuning(), nil)
	defer d.Dispose()

	d.ProcessOutput([]byte("Apply change? [y/N]"))
	require.Eventually(t, func() bool {
		return d.State() == StateAsking
	}, time.Second, 5*time.Millisecond)

	d.ClearUserTyping(true)
	require.Equal(t, StateIdle, d.State())
}

func TestDetector_ClearUserTypingOutsideAskingIsNoOp(t *testing.T) {
	rec := &stateRecorder{}
	d := NewDetector(CompileAskingPatterns(nil), testTuning(), rec.record)
	defer d.Dispose()

	d.ClearUserTyping(false)
	require.Equal(t, StateIdle, d.State())
	require.Empty(t, rec.all())
}

func TestDetector_TypingSuppressesRate(t *testing.T) {
	d := NewDetector(CompileAskingPatterns(nil), testTuning(), nil)
	defer d.Dispose()

	d.SetUserTyping()
	for i := 0; i < 50; i++ {
		d.ProcessOutput([]byte("pasted text echo"))
	}
	require.Equal(t, StateIdle, d.State())
}

func TestDetector_TypingTimeoutLapses(t *testing.T) {
	d := NewDetector(CompileAskingPatterns(nil), testTuning(), nil)
	defer d.Dispose()

	d.SetUserTyping()
	time.Sleep(150 * time.Millisecond)

	for i := 0; i < 25; i++ {
		d.ProcessOutput([]byte("x"))
	}
	require.Equal(t, StateActive, d.State())
}

func TestDetector_AskingMatchesThroughANSI(t *testing.T) {
	patterns := CompileAskingPatterns([]string{"Yes, allow once"})
	d := NewDetector(patterns, testTuning(), nil)
	defer d.Dispose()

	d.ProcessOutput([]byte("\x1b[1m\x1b[33mYes, \x1b[0mallow once\x1b[K"))
	require.Eventually(t, func() bool {
		return d.State() == StateAsking
	}, time.Second, 5*time.Millisecond)
}

func TestDetector_DisposeCancelsPendingTimers(t *testing.T) {
	rec := &stateRecorder{}
	patterns := CompileAskingPatterns([]string{"proceed?"})
	d := NewDetector(patterns, testTuning(), rec.record)

	d.ProcessOutput([]byte("proceed?"))
	d.Dispose()

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, rec.all())
}

func TestDetector_ResetReturnsToIdleSilently(t *testing.T) {
	rec := &stateRecorder{}
	d := NewDetector(CompileAskingPatterns(nil), testTuning(), rec.record)
	defer d.Dispose()

	for i := 0; i < 25; i++ {
		d.ProcessOutput([]byte("x"))
	}
	require.Equal(t, StateActive, d.State())

	n := len(rec.all())
	d.Reset()
	require.Equal(t, StateIdle, d.State())
	require.Len(t, rec.all(), n)
}
