package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	jobs   map[string]Job
	ledger map[LedgerKey]LedgerStatus
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[string]Job),
		ledger: make(map[LedgerKey]LedgerStatus),
	}
}

func (s *memStore) EnqueueJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == StatusPending && !j.NextRetryAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i, j := range due {
		j.Status = StatusProcessing
		s.jobs[j.ID] = j
		due[i] = j
	}
	return due, nil
}

func (s *memStore) UpdateJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) GetLedger(key LedgerKey) (LedgerStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.ledger[key]
	return st, ok, nil
}

func (s *memStore) InsertLedgerPending(key LedgerKey, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[key]; ok {
		return nil // insert-or-ignore
	}
	s.ledger[key] = LedgerPending
	return nil
}

func (s *memStore) MarkLedgerDelivered(key LedgerKey, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[key] = LedgerDelivered
	return nil
}

func (s *memStore) job(t *testing.T, id string) Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	require.True(t, ok)
	return j
}

func TestQueue_CompletesJob(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store, QueueOptions{})

	var got []string
	q.Register("webhook", func(_ context.Context, j Job) error {
		got = append(got, string(j.Payload))
		return nil
	})

	j, err := q.Enqueue("webhook", []byte("hello"), 0)
	require.NoError(t, err)

	q.Tick(context.Background())
	require.Equal(t, []string{"hello"}, got)
	require.Equal(t, StatusCompleted, store.job(t, j.ID).Status)
}

func TestQueue_RetriesWithBackoffThenStalls(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store, QueueOptions{BackoffBase: time.Minute, MaxAttempts: 3})

	attempts := 0
	q.Register("flaky", func(context.Context, Job) error {
		attempts++
		return errors.New("downstream down")
	})

	j, err := q.Enqueue("flaky", nil, 0)
	require.NoError(t, err)

	q.Tick(context.Background())
	after1 := store.job(t, j.ID)
	require.Equal(t, StatusPending, after1.Status)
	require.Equal(t, 1, after1.Attempts)
	require.Equal(t, "downstream down", after1.LastError)
	require.True(t, after1.NextRetryAt.After(time.Now()))

	// Not due yet: a tick now must not claim it.
	q.Tick(context.Background())
	require.Equal(t, 1, attempts)

	// Force due and run the remaining attempts.
	for i := 0; i < 2; i++ {
		cur := store.job(t, j.ID)
		cur.NextRetryAt = time.Now().Add(-time.Second)
		require.NoError(t, store.UpdateJob(cur))
		q.Tick(context.Background())
	}

	final := store.job(t, j.ID)
	require.Equal(t, StatusStalled, final.Status)
	require.Equal(t, 3, final.Attempts)
	require.Equal(t, 3, attempts)
}

func TestQueue_BackoffDoubles(t *testing.T) {
	q := NewQueue(newMemStore(), QueueOptions{BackoffBase: time.Second})
	require.Equal(t, time.Second, q.backoff(1))
	require.Equal(t, 2*time.Second, q.backoff(2))
	require.Equal(t, 8*time.Second, q.backoff(4))
}

func TestQueue_UnhandledTypeStalls(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store, QueueOptions{})

	j, err := q.Enqueue("mystery", nil, 0)
	require.NoError(t, err)

	q.Tick(context.Background())
	got := store.job(t, j.ID)
	require.Equal(t, StatusStalled, got.Status)
	require.Contains(t, got.LastError, "mystery")
}

func TestQueue_PriorityOrder(t *testing.T) {
	store := newMemStore()
	q := NewQueue(store, QueueOptions{})

	var order []string
	q.Register("job", func(_ context.Context, j Job) error {
		order = append(order, string(j.Payload))
		return nil
	})

	_, err := q.Enqueue("job", []byte("low"), 0)
	require.NoError(t, err)
	_, err = q.Enqueue("job", []byte("high"), 10)
	require.NoError(t, err)

	q.Tick(context.Background())
	require.Equal(t, []string{"high", "low"}, order)
}

func TestDispatch_RunsOncePerKeyAndMarksDelivered(t *testing.T) {
	store := newMemStore()
	runs := 0
	d := NewDispatcher(store, Handler{
		ID: "h1",
		Handle: func(context.Context, Job, Target) (bool, error) {
			runs++
			return true, nil
		},
	})

	job := Job{ID: "j1"}
	tgt := Target{SessionID: "s1", WorkerID: "w1"}
	key := LedgerKey{JobID: "j1", SessionID: "s1", WorkerID: "w1", HandlerID: "h1"}

	require.NoError(t, d.Dispatch(context.Background(), job, []Target{tgt}))
	require.Equal(t, 1, runs)
	st, ok, _ := store.GetLedger(key)
	require.True(t, ok)
	require.Equal(t, LedgerDelivered, st)

	// Redelivery of the same job is a no-op.
	require.NoError(t, d.Dispatch(context.Background(), job, []Target{tgt}))
	require.Equal(t, 1, runs)
}

func TestDispatch_PendingRowResolvedWithoutRerun(t *testing.T) {
	store := newMemStore()
	// Simulate a crash after row creation, before execution completed.
	key := LedgerKey{JobID: "j1", SessionID: "s1", WorkerID: "w1", HandlerID: "h1"}
	require.NoError(t, store.InsertLedgerPending(key, time.Now()))

	runs := 0
	d := NewDispatcher(store, Handler{
		ID: "h1",
		Handle: func(context.Context, Job, Target) (bool, error) {
			runs++
			return true, nil
		},
	})

	err := d.Dispatch(context.Background(), Job{ID: "j1"}, []Target{{SessionID: "s1", WorkerID: "w1"}})
	require.NoError(t, err)
	require.Equal(t, 0, runs)

	st, ok, _ := store.GetLedger(key)
	require.True(t, ok)
	require.Equal(t, LedgerDelivered, st)
}

func TestDispatch_FalseReturnStillCountsAsHandled(t *testing.T) {
	store := newMemStore()
	runs := 0
	d := NewDispatcher(store, Handler{
		ID: "h1",
		Handle: func(context.Context, Job, Target) (bool, error) {
			runs++
			return false, nil
		},
	})

	job := Job{ID: "j1"}
	tgt := Target{SessionID: "s1", WorkerID: "w1"}
	require.NoError(t, d.Dispatch(context.Background(), job, []Target{tgt}))
	require.NoError(t, d.Dispatch(context.Background(), job, []Target{tgt}))
	require.Equal(t, 1, runs)
}

func TestDispatch_HandlerErrorLeavesPending(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(store, Handler{
		ID: "h1",
		Handle: func(context.Context, Job, Target) (bool, error) {
			return false, errors.New("boom")
		},
	})

	err := d.Dispatch(context.Background(), Job{ID: "j1"}, []Target{{SessionID: "s1", WorkerID: "w1"}})
	require.Error(t, err)

	key := LedgerKey{JobID: "j1", SessionID: "s1", WorkerID: "w1", HandlerID: "h1"}
	st, ok, _ := store.GetLedger(key)
	require.True(t, ok)
	require.Equal(t, LedgerPending, st)
}

func TestDispatch_IndependentKeysPerTargetAndHandler(t *testing.T) {
	store := newMemStore()
	var ran []string
	mk := func(id string) Handler {
		return Handler{
			ID: id,
			Handle: func(_ context.Context, _ Job, tgt Target) (bool, error) {
				ran = append(ran, id+":"+tgt.WorkerID)
				return true, nil
			},
		}
	}
	d := NewDispatcher(store, mk("h1"), mk("h2"))

	targets := []Target{
		{SessionID: "s1", WorkerID: "w1"},
		{SessionID: "s1", WorkerID: "w2"},
	}
	require.NoError(t, d.Dispatch(context.Background(), Job{ID: "j1"}, targets))
	require.ElementsMatch(t, []string{"h1:w1", "h2:w1", "h1:w2", "h2:w2"}, ran)
}

func TestDispatch_MatchesFilter(t *testing.T) {
	store := newMemStore()
	runs := 0
	d := NewDispatcher(store, Handler{
		ID:      "h1",
		Matches: func(j Job, _ Target) bool { return j.Type == "github" },
		Handle: func(context.Context, Job, Target) (bool, error) {
			runs++
			return true, nil
		},
	})

	tgt := []Target{{SessionID: "s1", WorkerID: "w1"}}
	require.NoError(t, d.Dispatch(context.Background(), Job{ID: "j1", Type: "slack"}, tgt))
	require.Equal(t, 0, runs)
	require.NoError(t, d.Dispatch(context.Background(), Job{ID: "j2", Type: "github"}, tgt))
	require.Equal(t, 1, runs)
}
