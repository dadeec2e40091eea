package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/notify"
)

const pushSubscriptionsFileName = "web_push_subscriptions.json"

type pushSubscription struct {
	Endpoint string               `json:"endpoint"`
	Keys     pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type pushSubscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []pushSubscription `json:"subscriptions"`
}

// pushSubscriptionStore persists browser subscriptions in a JSON file under
// the data dir. Small fleet, file rewrites are fine.
type pushSubscriptionStore struct {
	path string
	mu   sync.Mutex
}

func newPushSubscriptionStore(dataDir string) *pushSubscriptionStore {
	return &pushSubscriptionStore{path: filepath.Join(dataDir, pushSubscriptionsFileName)}
}

func (s *pushSubscriptionStore) load() (pushSubscriptionFile, error) {
	var f pushSubscriptionFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return pushSubscriptionFile{}, err
	}
	return f, nil
}

func (s *pushSubscriptionStore) save(f pushSubscriptionFile) error {
	f.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *pushSubscriptionStore) List() ([]pushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Subscriptions, nil
}

func (s *pushSubscriptionStore) Upsert(sub pushSubscription) error {
	sub = sub.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range f.Subscriptions {
		if existing.Endpoint == sub.Endpoint {
			f.Subscriptions[i] = sub
			return s.save(f)
		}
	}
	f.Subscriptions = append(f.Subscriptions, sub)
	return s.save(f)
}

func (s *pushSubscriptionStore) RemoveByEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	kept := f.Subscriptions[:0]
	for _, sub := range f.Subscriptions {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	f.Subscriptions = kept
	return s.save(f)
}

// PushService delivers notifications to browser push subscriptions. It
// implements the notification layer's Sender and handles all repositories.
type PushService struct {
	cfg     config.PushConfig
	store   *pushSubscriptionStore
	limiter *rate.Limiter
	client  *http.Client
}

// NewPushService builds the service. Fails if the VAPID key pair is missing.
func NewPushService(cfg config.PushConfig, dataDir string) (*PushService, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("push: VAPID keys not configured")
	}
	return &PushService{
		cfg:   cfg,
		store: newPushSubscriptionStore(dataDir),
		// Push relays throttle aggressively; 10/s with small bursts is
		// plenty for a single-user server.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// CanHandle implements notify.Sender. Push goes to the user's own browsers,
// regardless of repository.
func (p *PushService) CanHandle(string) bool { return true }

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
	Trigger   string `json:"trigger"`
}

// Send implements notify.Sender. Gone subscriptions (404/410) are pruned.
func (p *PushService) Send(ctx context.Context, ev notify.Event, _ string) error {
	subs, err := p.store.List()
	if err != nil {
		return fmt.Errorf("push: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(pushPayload{
		Title:     pushTitle(ev.Trigger),
		Body:      ev.Detail,
		SessionID: ev.SessionID,
		WorkerID:  ev.WorkerID,
		Trigger:   string(ev.Trigger),
	})
	if err != nil {
		return fmt.Errorf("push: encode payload: %w", err)
	}

	var firstErr error
	for _, sub := range subs {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.Keys.P256DH,
				Auth:   sub.Keys.Auth,
			},
		}, &webpush.Options{
			HTTPClient:      p.client,
			Subscriber:      p.cfg.Subject,
			VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			webLog.Info("push_subscription_gone", slog.String("endpoint", sub.Endpoint))
			_ = p.store.RemoveByEndpoint(sub.Endpoint)
		}
		resp.Body.Close()
	}
	return firstErr
}

func pushTitle(trigger notify.Trigger) string {
	switch trigger {
	case notify.TriggerWaiting:
		return "Agent is waiting for input"
	case notify.TriggerIdle:
		return "Agent finished"
	case notify.TriggerActive:
		return "Agent is working"
	case notify.TriggerError:
		return "Worker error"
	case notify.TriggerExited:
		return "Worker exited"
	default:
		return string(trigger)
	}
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"vapidPublicKey": s.cfg.Push.cfg.VAPIDPublicKey,
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var sub pushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.cfg.Push.store.Upsert(sub); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Endpoint) == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.cfg.Push.store.RemoveByEndpoint(body.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
