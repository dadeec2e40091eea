package worker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/activity"
	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/ptyproc"
)

func testAgents() AgentLookup {
	return func(id string) (config.AgentDef, bool) {
		switch id {
		case "claude":
			return config.AgentDef{Command: "claude"}, true
		case "quoted":
			return config.AgentDef{Command: "claude --cwd {{cwd}}"}, true
		case "broken":
			return config.AgentDef{Command: "claude {{nope}}"}, true
		default:
			return config.AgentDef{}, false
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *ptyproc.FakeSpawner) {
	t.Helper()
	spawner := ptyproc.NewFakeSpawner()
	m := NewManager(Options{
		Spawner:     spawner,
		Agents:      testAgents(),
		BufferLimit: 1024,
		Tuning: activity.Tuning{
			RateWindow:     500 * time.Millisecond,
			RateThreshold:  10,
			IdleTimeout:    time.Hour,
			AskingDebounce: 10 * time.Millisecond,
		},
	})
	return m, spawner
}

func activateAgent(t *testing.T, m *Manager) (*Worker, *ptyproc.FakeHandle) {
	t.Helper()
	w, err := m.InitializeAgentWorker("sess-1", "claude")
	require.NoError(t, err)
	require.NoError(t, m.ActivateWorkerPty(w, Context{SessionID: "sess-1", LocationPath: "/tmp"}))
	return w, nil
}

type chunkRecorder struct {
	mu     sync.Mutex
	data   []byte
	exits  []ptyproc.ExitStatus
	states []activity.State
}

func (r *chunkRecorder) callbacks() Callbacks {
	return Callbacks{
		OnData: func(chunk []byte, _ int64) {
			r.mu.Lock()
			r.data = append(r.data, chunk...)
			r.mu.Unlock()
		},
		OnExit: func(st ptyproc.ExitStatus) {
			r.mu.Lock()
			r.exits = append(r.exits, st)
			r.mu.Unlock()
		},
		OnActivityChange: func(st activity.State) {
			r.mu.Lock()
			r.states = append(r.states, st)
			r.mu.Unlock()
		},
	}
}

func (r *chunkRecorder) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

func TestActivateWorkerPty_Idempotent(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)

	require.NoError(t, m.ActivateWorkerPty(w, Context{LocationPath: "/tmp"}))
	require.Equal(t, 1, spawner.SpawnCount())
	require.True(t, w.Active())
}

func TestFanOut_DeliversAllBytesInOrderToEverySubscriber(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)
	h := spawner.Last()

	a := &chunkRecorder{}
	b := &chunkRecorder{}
	m.AttachCallbacks(w, a.callbacks())
	m.AttachCallbacks(w, b.callbacks())

	var want []byte
	chunks := [][]byte{[]byte("alpha "), []byte("beta "), []byte("gamma\n"), {0x1b, '[', 'K'}}
	for _, c := range chunks {
		want = append(want, c...)
		h.EmitData(c)
	}

	require.Equal(t, want, a.bytes())
	require.Equal(t, want, b.bytes())
	require.Equal(t, int64(len(want)), w.Offset())

	history, off := w.Snapshot()
	require.Equal(t, want, history)
	require.Equal(t, int64(len(want)), off)
}

func TestDetachLastSubscriberDoesNotKillProcess(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)
	h := spawner.Last()

	connID := m.AttachCallbacks(w, (&chunkRecorder{}).callbacks())
	m.DetachCallbacks(w, connID)

	require.Equal(t, 0, w.SubscriberCount())
	require.Equal(t, 0, h.Kills)
	require.True(t, w.Active())
}

func TestExit_DeactivatesWorkerAndNotifiesSubscribers(t *testing.T) {
	m, spawner := newTestManager(t)

	var exitMu sync.Mutex
	var globalExits []string
	m.SetGlobalHandlers(nil, func(sessionID, workerID string, _ ptyproc.ExitStatus) {
		exitMu.Lock()
		globalExits = append(globalExits, sessionID+"/"+workerID)
		exitMu.Unlock()
	})

	w, _ := activateAgent(t, m)
	h := spawner.Last()

	rec := &chunkRecorder{}
	m.AttachCallbacks(w, rec.callbacks())

	h.EmitData([]byte("output"))
	h.EmitExit(ptyproc.ExitStatus{Code: 0})

	require.False(t, w.Active())
	require.Equal(t, 0, w.Pid())
	require.Equal(t, activity.StateUnknown, w.Activity())
	require.Len(t, rec.exits, 1)

	exitMu.Lock()
	require.Equal(t, []string{"sess-1/" + w.ID}, globalExits)
	exitMu.Unlock()

	// History survives deactivation; reactivation spawns a fresh process.
	require.NoError(t, m.ActivateWorkerPty(w, Context{LocationPath: "/tmp"}))
	require.Equal(t, 2, spawner.SpawnCount())
	history, _ := w.Snapshot()
	require.Equal(t, []byte("output"), history)
}

func TestWriteInputAndResize_FailWithoutProcess(t *testing.T) {
	m, _ := newTestManager(t)
	w, err := m.InitializeAgentWorker("sess-1", "claude")
	require.NoError(t, err)

	require.False(t, m.WriteInput(w, []byte("hi")))
	require.False(t, m.Resize(w, 120, 40))
}

func TestWriteInput_ForwardsBytesAndFeedsDetector(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)
	h := spawner.Last()

	require.True(t, m.WriteInput(w, []byte("y")))
	require.True(t, m.WriteInput(w, []byte("\r")))
	require.Equal(t, []byte("y\r"), h.Input())
}

func TestWriteInput_EscapeResolvesAsking(t *testing.T) {
	spawner := ptyproc.NewFakeSpawner()
	m := NewManager(Options{
		Spawner: spawner,
		Agents: func(string) (config.AgentDef, bool) {
			return config.AgentDef{
				Command:        "claude",
				AskingPatterns: []string{"proceed?"},
			}, true
		},
		BufferLimit: 1024,
		Tuning: activity.Tuning{
			AskingDebounce: 5 * time.Millisecond,
			IdleTimeout:    time.Hour,
		},
	})

	w, err := m.InitializeAgentWorker("sess-1", "claude")
	require.NoError(t, err)
	require.NoError(t, m.ActivateWorkerPty(w, Context{LocationPath: "/tmp"}))
	h := spawner.Last()

	h.EmitData([]byte("Do you want to proceed?"))
	require.Eventually(t, func() bool {
		return w.Activity() == activity.StateAsking
	}, time.Second, 5*time.Millisecond)

	m.WriteInput(w, []byte{0x1b})
	require.Equal(t, activity.StateIdle, w.Activity())
}

func TestKillWorker_DetachesHandlersBeforeKill(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)
	h := spawner.Last()

	rec := &chunkRecorder{}
	m.AttachCallbacks(w, rec.callbacks())

	m.KillWorker(w)
	require.Equal(t, 1, h.Kills)
	require.False(t, w.Active())

	// A straggler exit event after teardown must not reach subscribers.
	h.EmitExit(ptyproc.ExitStatus{Code: 137})
	require.Empty(t, rec.exits)
}

func TestInitializeAgentWorker_UnknownAgent(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.InitializeAgentWorker("sess-1", "nope")
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestActivateWorkerPty_GitDiffHasNoProcess(t *testing.T) {
	m, _ := newTestManager(t)
	w := m.RestoreWorker(Record{ID: "w1", SessionID: "s1", Kind: KindGitDiff, BaseCommit: "abc123"})

	err := m.ActivateWorkerPty(w, Context{LocationPath: "/tmp"})
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "abc123", w.BaseCommit)
}

func TestActivateWorkerPty_TemplateValidation(t *testing.T) {
	m, spawner := newTestManager(t)

	w, err := m.InitializeAgentWorker("sess-1", "broken")
	require.NoError(t, err)
	err = m.ActivateWorkerPty(w, Context{LocationPath: "/tmp"})
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 0, spawner.SpawnCount())
}

func TestActivateWorkerPty_QuotesCwdIntoCommand(t *testing.T) {
	m, spawner := newTestManager(t)

	w, err := m.InitializeAgentWorker("sess-1", "quoted")
	require.NoError(t, err)
	require.NoError(t, m.ActivateWorkerPty(w, Context{LocationPath: "/tmp/it's here"}))

	h := spawner.Last()
	require.Equal(t, "/bin/sh", h.Command)
	require.Equal(t, []string{"-c", `claude --cwd '/tmp/it'\''s here'`}, h.Args)
}

func TestBufferTrimKeepsOffsetMonotonic(t *testing.T) {
	buf := NewOutputBuffer(8, "")
	buf.Append([]byte("12345"))
	buf.Append([]byte("67890"))

	history, off := buf.Snapshot()
	require.Equal(t, int64(10), off)
	require.Equal(t, []byte("34567890"), history)
}

func TestRecordRoundTrip(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)

	rec := w.Record()
	require.Equal(t, KindAgent, rec.Kind)
	require.Equal(t, "claude", rec.AgentID)
	require.Equal(t, spawner.Last().Pid(), rec.Pid)

	restored := m.RestoreWorker(rec)
	require.False(t, restored.Active())
	require.Equal(t, w.ID, restored.ID)
}

func TestSubscriberDetachingDuringFanOutIsSafe(t *testing.T) {
	m, spawner := newTestManager(t)
	w, _ := activateAgent(t, m)
	h := spawner.Last()

	var connID string
	var got bytes.Buffer
	connID = m.AttachCallbacks(w, Callbacks{
		OnData: func(chunk []byte, _ int64) {
			got.Write(chunk)
			m.DetachCallbacks(w, connID)
		},
	})

	h.EmitData([]byte("first"))
	h.EmitData([]byte("second"))
	require.Equal(t, "first", got.String())
}
