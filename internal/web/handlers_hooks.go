package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// JobTypeInboundWebhook is the queue type for webhook-derived jobs.
const JobTypeInboundWebhook = "inbound-webhook"

// maxWebhookBody caps inbound payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// InboundWebhook is the payload persisted for each received webhook.
type InboundWebhook struct {
	Service    string            `json:"service"`
	RawPayload []byte            `json:"rawPayload"`
	Headers    map[string]string `json:"headers"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// forwardedHeaders are the only request headers persisted with a webhook.
// Signature headers let handlers verify authenticity after the fact.
var forwardedHeaders = []string{
	"Content-Type",
	"X-Hub-Signature-256",
	"X-Slack-Signature",
	"X-Slack-Request-Timestamp",
	"X-Github-Event",
	"X-Github-Delivery",
}

// handleWebhook serves POST /hooks/{service}. The request is always
// acknowledged once the job is persisted; processing failures must never
// cause the sender to disable the webhook.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	service := strings.Trim(strings.TrimPrefix(r.URL.Path, "/hooks/"), "/")
	if service == "" || strings.Contains(service, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "service name is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read body")
		return
	}

	headers := make(map[string]string, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	payload, err := json.Marshal(InboundWebhook{
		Service:    service,
		RawPayload: body,
		Headers:    headers,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode payload")
		return
	}

	job, err := s.cfg.Queue.Enqueue(JobTypeInboundWebhook, payload, 0)
	if err != nil {
		// Still acknowledge: a dropped event is recoverable, a disabled
		// webhook is not.
		webLog.Error("webhook_enqueue_failed",
			slog.String("service", service),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"jobId": job.ID})
}
