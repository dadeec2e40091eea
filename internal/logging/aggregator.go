package logging

import (
	"log/slog"
	"sync"
	"time"
)

type aggKey struct {
	Component string
	Event     string
}

type aggEntry struct {
	Count  int64
	Fields []slog.Attr
}

// Aggregator batches high-frequency events (pty output chunks, websocket
// frames) and emits count summaries periodically instead of one line per
// event.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggKey]*aggEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator flushing every intervalSecs seconds.
// A nil logger drops recorded events.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		entries:  make(map[aggKey]*aggEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining entries and stops the background goroutine.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of (component, event). The last-seen fields
// win; per-event fields are not merged.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	if a.logger == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggKey{Component: component, Event: event}
	e := a.entries[key]
	if e == nil {
		e = &aggEntry{}
		a.entries[key] = e
	}
	e.Count++
	if len(fields) > 0 {
		e.Fields = fields
	}
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *Aggregator) flush() {
	if a.logger == nil {
		return
	}
	a.mu.Lock()
	batch := a.entries
	a.entries = make(map[aggKey]*aggEntry)
	a.mu.Unlock()

	for key, e := range batch {
		attrs := []slog.Attr{
			slog.String("component", key.Component),
			slog.Int64("count", e.Count),
		}
		attrs = append(attrs, e.Fields...)
		args := make([]any, 0, len(attrs))
		for _, at := range attrs {
			args = append(args, at)
		}
		a.logger.Info(key.Event, args...)
	}
}
