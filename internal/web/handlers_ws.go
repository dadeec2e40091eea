package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdock/agentdock/internal/activity"
	"github.com/agentdock/agentdock/internal/ptyproc"
	"github.com/agentdock/agentdock/internal/worker"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type     string `json:"type"` // status, activity, exit, error
	Event    string `json:"event,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	State    string `json:"state,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Offset   int64  `json:"offset,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes: the pty fan-out goroutine and the read loop
// both write to the same connection.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// handleWorkerWS serves /ws/session/{sessionID}/worker/{workerID}. It
// activates the worker's process lazily, replays the buffered history, then
// streams live output as binary frames.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	sessionID, workerID, ok := parseWSPath(r.URL.Path)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "path must be /ws/session/{sid}/worker/{wid}")
		return
	}

	sess, err := s.cfg.Sessions.GetSession(sessionID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	wk := sess.Worker(workerID)
	if wk == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "worker not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "connected"})

	if wk.Kind.HasProcess() {
		if _, err := s.cfg.Sessions.ActivateWorker(sessionID, workerID); err != nil {
			webLog.Error("worker_activation_failed",
				slog.String("session", sessionID),
				slog.String("worker", workerID),
				slog.String("error", err.Error()))
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "ACTIVATION_FAILED",
				Message: "failed to start worker process",
			})
			return
		}
	}

	// Subscribe before snapshotting history so no chunk falls between the
	// two. A chunk is appended to the worker's buffer before fan-out, so a
	// live chunk arriving during replay is either already inside the snapshot
	// or extends past its end offset; holding such chunks and trimming them
	// against that offset delivers every byte exactly once, in order.
	type heldChunk struct {
		data []byte
		end  int64
	}
	var (
		gateMu    sync.Mutex
		replaying = true
		replayEnd int64
		held      []heldChunk
		heldExit  *ptyproc.ExitStatus
	)

	done := make(chan struct{})
	var closeOnce sync.Once

	deliver := func(chunk []byte, end int64) bool {
		start := end - int64(len(chunk))
		if end <= replayEnd {
			return true
		}
		if start < replayEnd {
			chunk = chunk[replayEnd-start:]
		}
		return writer.WriteBinary(chunk) == nil
	}
	sendExit := func(status ptyproc.ExitStatus) {
		code := status.Code
		_ = writer.WriteJSON(wsServerMessage{Type: "exit", ExitCode: &code})
		closeOnce.Do(func() { close(done) })
	}

	connID := s.cfg.Sessions.Workers().AttachCallbacks(wk, worker.Callbacks{
		OnData: func(chunk []byte, end int64) {
			gateMu.Lock()
			if replaying {
				cp := make([]byte, len(chunk))
				copy(cp, chunk)
				held = append(held, heldChunk{data: cp, end: end})
				gateMu.Unlock()
				return
			}
			gateMu.Unlock()
			if !deliver(chunk, end) {
				closeOnce.Do(func() { close(done) })
			}
		},
		OnExit: func(status ptyproc.ExitStatus) {
			gateMu.Lock()
			if replaying {
				heldExit = &status
				gateMu.Unlock()
				return
			}
			gateMu.Unlock()
			sendExit(status)
		},
		OnActivityChange: func(state activity.State) {
			_ = writer.WriteJSON(wsServerMessage{Type: "activity", State: string(state)})
		},
	})
	defer s.cfg.Sessions.Workers().DetachCallbacks(wk, connID)

	history, offset := wk.Snapshot()
	if len(history) > 0 {
		if err := writer.WriteBinary(history); err != nil {
			return
		}
	}
	_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "ready", Offset: offset})

	gateMu.Lock()
	replayEnd = offset
	for _, c := range held {
		if !deliver(c.data, c.end) {
			closeOnce.Do(func() { close(done) })
			break
		}
	}
	held = nil
	replaying = false
	exit := heldExit
	gateMu.Unlock()
	if exit != nil {
		sendExit(*exit)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(conn, writer, wk)
	}()

	select {
	case <-done:
	case <-readDone:
	case <-s.baseCtx.Done():
	}
}

func (s *Server) readLoop(conn *websocket.Conn, writer *wsConnWriter, wk *worker.Worker) {
	workers := s.cfg.Sessions.Workers()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("worker", wk.ID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_MESSAGE",
				Message: "invalid json payload",
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong"})
		case "input":
			if !workers.WriteInput(wk, []byte(msg.Data)) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:    "error",
					Code:    "INPUT_WRITE_FAILED",
					Message: "no process attached",
				})
			}
		case "resize":
			// Pty dimensions are uint16 on the wire; anything outside that
			// range would silently truncate.
			if msg.Cols <= 0 || msg.Rows <= 0 || msg.Cols > 65535 || msg.Rows > 65535 {
				_ = writer.WriteJSON(wsServerMessage{
					Type:    "error",
					Code:    "INVALID_MESSAGE",
					Message: "cols and rows must be between 1 and 65535",
				})
				continue
			}
			if !workers.Resize(wk, uint16(msg.Cols), uint16(msg.Rows)) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:    "error",
					Code:    "RESIZE_FAILED",
					Message: "no process attached",
				})
			}
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "UNSUPPORTED_MESSAGE",
				Message: "supported message types: ping,input,resize",
			})
		}
	}
}

func parseWSPath(path string) (sessionID, workerID string, ok bool) {
	rest := strings.TrimPrefix(path, "/ws/session/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "worker" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}
