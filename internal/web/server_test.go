package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdock/agentdock/internal/jobs"
	"github.com/agentdock/agentdock/internal/procutil"
	"github.com/agentdock/agentdock/internal/ptyproc"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/worker"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (s *memJobStore) EnqueueJob(j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *memJobStore) ClaimDueJobs(time.Time, int) ([]jobs.Job, error) { return nil, nil }
func (s *memJobStore) UpdateJob(jobs.Job) error                        { return nil }
func (s *memJobStore) GetLedger(jobs.LedgerKey) (jobs.LedgerStatus, bool, error) {
	return "", false, nil
}
func (s *memJobStore) InsertLedgerPending(jobs.LedgerKey, time.Time) error { return nil }
func (s *memJobStore) MarkLedgerDelivered(jobs.LedgerKey, time.Time) error { return nil }

type memSessionStore struct{}

func (memSessionStore) FindAll() ([]session.Record, error) { return nil, nil }
func (memSessionStore) FindByID(string) (session.Record, error) {
	return session.Record{}, session.ErrNotFound
}
func (memSessionStore) Save(session.Record) error { return nil }
func (memSessionStore) Delete(string) error       { return nil }

func newTestServer(t *testing.T) (*Server, *memJobStore) {
	t.Helper()
	jobStore := &memJobStore{}
	workers := worker.NewManager(worker.Options{
		Spawner:     ptyproc.NewFakeSpawner(),
		BufferLimit: 1024,
	})
	sessions, err := session.NewManager(session.Options{
		Store:     memSessionStore{},
		Workers:   workers,
		Procs:     procutil.NewFake(),
		ServerPid: 1,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	srv := NewServer(Config{
		Sessions: sessions,
		Queue:    jobs.NewQueue(jobStore, jobs.QueueOptions{}),
	})
	return srv, jobStore
}

func TestWebhook_EnqueuesAndAcknowledges(t *testing.T) {
	srv, store := newTestServer(t)

	body := []byte(`{"event":"push"}`)
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Github-Event", "push")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusAccepted)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.jobs) != 1 {
		t.Fatalf("jobs enqueued: got %d, want 1", len(store.jobs))
	}
	j := store.jobs[0]
	if j.Type != JobTypeInboundWebhook {
		t.Fatalf("job type: %q", j.Type)
	}

	var payload InboundWebhook
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Service != "github" {
		t.Fatalf("service: %q", payload.Service)
	}
	if !bytes.Equal(payload.RawPayload, body) {
		t.Fatalf("raw payload: %q", payload.RawPayload)
	}
	if payload.Headers["X-Github-Event"] != "push" {
		t.Fatalf("headers: %v", payload.Headers)
	}
}

func TestWebhook_RejectsMissingService(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/hooks/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_GetNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/hooks/github", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("ok: %v", resp["ok"])
	}
}

func TestAuthorizeRequest(t *testing.T) {
	srv := &Server{cfg: Config{Token: "secret"}}

	mk := func(header string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		return req
	}

	if srv.authorizeRequest(mk("")) {
		t.Fatal("missing header accepted")
	}
	if srv.authorizeRequest(mk("Bearer wrong")) {
		t.Fatal("wrong token accepted")
	}
	if !srv.authorizeRequest(mk("Bearer secret")) {
		t.Fatal("correct token rejected")
	}

	open := &Server{cfg: Config{}}
	if !open.authorizeRequest(mk("")) {
		t.Fatal("no-token server must accept")
	}
}

func newLiveWSServer(t *testing.T) (*httptest.Server, *session.Session, *ptyproc.FakeSpawner) {
	t.Helper()
	spawner := ptyproc.NewFakeSpawner()
	workers := worker.NewManager(worker.Options{
		Spawner:     spawner,
		BufferLimit: 1024,
	})
	sessions, err := session.NewManager(session.Options{
		Store:     memSessionStore{},
		Workers:   workers,
		Procs:     procutil.NewFake(),
		ServerPid: 1,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	sess, err := sessions.CreateSession(session.CreateSessionRequest{
		Type:         session.TypeQuick,
		LocationPath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	srv := NewServer(Config{
		Sessions: sessions,
		Queue:    jobs.NewQueue(&memJobStore{}, jobs.QueueOptions{}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sess, spawner
}

func dialWorkerWS(t *testing.T, ts *httptest.Server, sessionID, workerID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session/" + sessionID + "/worker/" + workerID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSMessage(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return mt, data
}

func readWSJSON(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	mt, data := readWSMessage(t, conn)
	if mt != websocket.TextMessage {
		t.Fatalf("want text message, got type %d: %q", mt, data)
	}
	var msg wsServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func TestWorkerWS_ReplayThenLiveExactlyOnce(t *testing.T) {
	ts, sess, spawner := newLiveWSServer(t)
	wk := sess.Workers()[0]
	h := spawner.Last()
	h.EmitData([]byte("hello "))

	conn := dialWorkerWS(t, ts, sess.ID, wk.ID)

	if msg := readWSJSON(t, conn); msg.Event != "connected" {
		t.Fatalf("first message: %+v", msg)
	}
	mt, history := readWSMessage(t, conn)
	if mt != websocket.BinaryMessage || string(history) != "hello " {
		t.Fatalf("history replay: type %d %q", mt, history)
	}
	ready := readWSJSON(t, conn)
	if ready.Event != "ready" || ready.Offset != 6 {
		t.Fatalf("ready: %+v", ready)
	}

	h.EmitData([]byte("world"))
	mt, live := readWSMessage(t, conn)
	if mt != websocket.BinaryMessage || string(live) != "world" {
		t.Fatalf("live chunk: type %d %q", mt, live)
	}
}

func TestWorkerWS_ResizeRejectsOutOfRange(t *testing.T) {
	ts, sess, _ := newLiveWSServer(t)
	wk := sess.Workers()[0]
	conn := dialWorkerWS(t, ts, sess.ID, wk.ID)

	if msg := readWSJSON(t, conn); msg.Event != "connected" {
		t.Fatalf("first message: %+v", msg)
	}
	if msg := readWSJSON(t, conn); msg.Event != "ready" {
		t.Fatalf("want ready, got %+v", msg)
	}

	// Above the pty's uint16 range: must be rejected, not truncated.
	if err := conn.WriteJSON(wsClientMessage{Type: "resize", Cols: 70000, Rows: 24}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWSJSON(t, conn); msg.Code != "INVALID_MESSAGE" {
		t.Fatalf("oversized resize accepted: %+v", msg)
	}

	// The range maximum passes; the following ping must answer pong with no
	// error queued in between.
	if err := conn.WriteJSON(wsClientMessage{Type: "resize", Cols: 65535, Rows: 100}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(wsClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWSJSON(t, conn); msg.Event != "pong" {
		t.Fatalf("want pong after max-size resize, got %+v", msg)
	}
}

func TestWorkerWS_UnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/session/nope/worker/w1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestParseWSPath(t *testing.T) {
	tests := []struct {
		path string
		sid  string
		wid  string
		ok   bool
	}{
		{"/ws/session/s1/worker/w1", "s1", "w1", true},
		{"/ws/session/s1/worker/", "", "", false},
		{"/ws/session//worker/w1", "", "", false},
		{"/ws/session/s1", "", "", false},
		{"/ws/session/s1/terminal/w1", "", "", false},
	}
	for _, tt := range tests {
		sid, wid, ok := parseWSPath(tt.path)
		if ok != tt.ok || sid != tt.sid || wid != tt.wid {
			t.Errorf("parseWSPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, sid, wid, ok, tt.sid, tt.wid, tt.ok)
		}
	}
}

func TestPushSubscriptionStore_RoundTrip(t *testing.T) {
	store := newPushSubscriptionStore(t.TempDir())

	sub := pushSubscription{
		Endpoint: "https://push.example/abc",
		Keys:     pushSubscriptionKeys{P256DH: "pk", Auth: "auth"},
	}
	if err := store.Upsert(sub); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Same endpoint replaces, not duplicates.
	if err := store.Upsert(sub); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	subs, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != sub.Endpoint {
		t.Fatalf("subs: %+v", subs)
	}

	if err := store.RemoveByEndpoint(sub.Endpoint); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	subs, err = store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("subs after remove: %+v", subs)
	}
}

func TestPushSubscriptionValidate(t *testing.T) {
	valid := pushSubscription{
		Endpoint: " https://push.example/abc ",
		Keys:     pushSubscriptionKeys{P256DH: "pk", Auth: "auth"},
	}
	if err := valid.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	missing := pushSubscription{Endpoint: "https://push.example/abc"}
	if err := missing.validate(); err == nil {
		t.Fatal("missing keys accepted")
	}
}
