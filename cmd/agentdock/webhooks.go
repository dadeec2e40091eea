package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentdock/agentdock/internal/jobs"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/store"
	"github.com/agentdock/agentdock/internal/web"
	"github.com/agentdock/agentdock/internal/worker"
)

// webhookBody is what agentdock understands inside a webhook's raw payload.
// Senders that want to reach a specific session address it explicitly;
// otherwise the text fans out to every running agent worker.
type webhookBody struct {
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
	Text      string `json:"text"`
}

// registerWebhookHandler wires inbound-webhook jobs to agent workers. Each
// (job, session, worker) delivery goes through the ledger so a retried job
// never types the same text into a terminal twice.
func registerWebhookHandler(queue *jobs.Queue, db *store.DB, sessions *session.Manager) {
	dispatcher := jobs.NewDispatcher(db, jobs.Handler{
		ID: "agent-input",
		Handle: func(_ context.Context, job jobs.Job, tgt jobs.Target) (bool, error) {
			var hook web.InboundWebhook
			if err := json.Unmarshal(job.Payload, &hook); err != nil {
				return false, fmt.Errorf("decode webhook payload: %w", err)
			}
			var body webhookBody
			if err := json.Unmarshal(hook.RawPayload, &body); err != nil || body.Text == "" {
				return false, nil
			}
			s, err := sessions.GetSession(tgt.SessionID)
			if err != nil {
				// Session went away between resolve and delivery.
				return false, nil
			}
			wk := s.Worker(tgt.WorkerID)
			if wk == nil {
				return false, nil
			}
			return sessions.Workers().WriteInput(wk, []byte(body.Text+"\n")), nil
		},
	})

	queue.Register(web.JobTypeInboundWebhook, func(ctx context.Context, job jobs.Job) error {
		var hook web.InboundWebhook
		if err := json.Unmarshal(job.Payload, &hook); err != nil {
			return fmt.Errorf("decode webhook payload: %w", err)
		}
		targets, err := resolveWebhookTargets(sessions, hook)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}
		return dispatcher.Dispatch(ctx, job, targets)
	})
}

// resolveWebhookTargets picks the (session, worker) pairs a webhook addresses.
// An explicit sessionId narrows to that session; an explicit workerId narrows
// further. Without addressing, every agent worker of every loaded session is
// a target.
func resolveWebhookTargets(sessions *session.Manager, hook web.InboundWebhook) ([]jobs.Target, error) {
	var body webhookBody
	if err := json.Unmarshal(hook.RawPayload, &body); err != nil {
		// Not our payload shape; nothing to deliver.
		return nil, nil
	}

	if body.SessionID != "" {
		s, err := sessions.GetSession(body.SessionID)
		if err != nil {
			// Addressed session no longer exists; drop rather than retry.
			return nil, nil
		}
		if body.WorkerID != "" {
			if s.Worker(body.WorkerID) == nil {
				return nil, nil
			}
			return []jobs.Target{{SessionID: s.ID, WorkerID: body.WorkerID}}, nil
		}
		return agentTargets(s), nil
	}

	var targets []jobs.Target
	for _, s := range sessions.GetAllSessions() {
		targets = append(targets, agentTargets(s)...)
	}
	return targets, nil
}

func agentTargets(s *session.Session) []jobs.Target {
	var targets []jobs.Target
	for _, wk := range s.Workers() {
		if wk.Kind == worker.KindAgent {
			targets = append(targets, jobs.Target{SessionID: s.ID, WorkerID: wk.ID})
		}
	}
	return targets
}
