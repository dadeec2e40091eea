package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Target is one (session, worker) pair an inbound event resolves to.
type Target struct {
	SessionID string
	WorkerID  string
}

// Handler is one side-effecting consumer of inbound events. Handle returns
// (acted, error): false means "no action was needed", which still counts as
// handled and is never retried.
type Handler struct {
	ID      string
	Matches func(job Job, tgt Target) bool
	Handle  func(ctx context.Context, job Job, tgt Target) (bool, error)
}

// Dispatcher fans one job out to its targets and handlers with at-most-once
// semantics per (job, session, worker, handler), enforced by the ledger.
type Dispatcher struct {
	store    Store
	handlers []Handler
}

// NewDispatcher builds a dispatcher over the given handlers.
func NewDispatcher(store Store, handlers ...Handler) *Dispatcher {
	return &Dispatcher{store: store, handlers: handlers}
}

// Dispatch runs every matching handler against every target. The first
// handler error aborts and propagates so the job-level retry re-delivers;
// rows already marked delivered are skipped on that retry.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job, targets []Target) error {
	for _, tgt := range targets {
		for _, h := range d.handlers {
			if h.Matches != nil && !h.Matches(job, tgt) {
				continue
			}
			if err := d.dispatchOne(ctx, job, tgt, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job Job, tgt Target, h Handler) error {
	key := LedgerKey{
		JobID:     job.ID,
		SessionID: tgt.SessionID,
		WorkerID:  tgt.WorkerID,
		HandlerID: h.ID,
	}

	status, found, err := d.store.GetLedger(key)
	if err != nil {
		return fmt.Errorf("ledger lookup: %w", err)
	}
	switch {
	case found && status == LedgerDelivered:
		return nil
	case found && status == LedgerPending:
		// A previous attempt created the row and crashed before marking
		// delivered. Whether the handler's side effect happened is unknowable,
		// so it is not re-run: never-double-act wins over never-miss.
		if err := d.store.MarkLedgerDelivered(key, time.Now()); err != nil {
			return fmt.Errorf("ledger mark delivered: %w", err)
		}
		jobsLog.Warn("ledger_pending_resolved_without_rerun",
			slog.String("job", job.ID),
			slog.String("session", tgt.SessionID),
			slog.String("worker", tgt.WorkerID),
			slog.String("handler", h.ID))
		return nil
	}

	if err := d.store.InsertLedgerPending(key, time.Now()); err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}

	acted, err := h.Handle(ctx, job, tgt)
	if err != nil {
		// Row stays pending; the job retry path re-delivers.
		return fmt.Errorf("handler %s: %w", h.ID, err)
	}

	if err := d.store.MarkLedgerDelivered(key, time.Now()); err != nil {
		return fmt.Errorf("ledger mark delivered: %w", err)
	}
	if acted {
		jobsLog.Info("inbound_event_delivered",
			slog.String("job", job.ID),
			slog.String("session", tgt.SessionID),
			slog.String("worker", tgt.WorkerID),
			slog.String("handler", h.ID))
	}
	return nil
}
