package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tandem/internal/config"
	"tandem/internal/domain"
	"tandem/internal/mirror"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	// webhookOverlap is how far behind its newest delivered event a hook
	// rescans. Another process can commit an event stamped before that one
	// after it was delivered; such an event still arrives once.
	webhookOverlap = 30 * time.Second
)

// EventSource is the slice of the engine the dispatcher polls.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor mirror.EventCursor, limit int) ([]domain.Event, error)
	LatestEventCursor(ctx context.Context) (mirror.EventCursor, error)
}

// WebhookDispatcher forwards new events to the configured webhooks. Each
// hook keeps its own position, starting at the newest event seen when the
// hook is first polled; a failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	source   EventSource
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	hooks    map[int]*hookState

	// Metrics, when set, counts deliveries per hook.
	Metrics *Metrics
}

// hookState is one hook's high-water mark plus the events inside the
// overlap window it has already handled.
type hookState struct {
	high mirror.EventCursor
	seen map[string]time.Time
}

func (h *hookState) done(evt domain.Event) {
	h.seen[evt.ID] = evt.Timestamp
	if after(evt, h.high) {
		h.high = mirror.EventCursor{Timestamp: evt.Timestamp, ID: evt.ID}
	}
}

func (h *hookState) prune() {
	floor := h.high.Timestamp.Add(-webhookOverlap)
	for id, ts := range h.seen {
		if ts.Before(floor) {
			delete(h.seen, id)
		}
	}
}

// rescanFrom is the position the next poll starts after.
func (h *hookState) rescanFrom() mirror.EventCursor {
	if h.high.IsZero() {
		return mirror.EventCursor{}
	}
	return mirror.EventCursor{Timestamp: h.high.Timestamp.Add(-webhookOverlap)}
}

func after(evt domain.Event, c mirror.EventCursor) bool {
	if !evt.Timestamp.Equal(c.Timestamp) {
		return evt.Timestamp.After(c.Timestamp)
	}
	return evt.ID > c.ID
}

func NewWebhookDispatcher(source EventSource, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		source:   source,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		hooks:    make(map[int]*hookState),
	}
}

// Run polls until ctx is cancelled. It returns immediately when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if !d.anyEnabled() {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) anyEnabled() bool {
	for _, hook := range d.webhooks {
		if enabled(hook) {
			return true
		}
	}
	return false
}

func enabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchAll runs one polling pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !enabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	state, ok := d.stateFor(ctx, idx)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	defer state.prune()

	filter := newEventFilter(hook.Events)
	page := state.rescanFrom()
	for {
		events, err := d.source.EventsAfter(ctx, page, defaultWebhookBatch)
		if err != nil {
			d.logger.Warn("webhook: fetch events failed", "err", err)
			return
		}
		for _, evt := range events {
			page = mirror.EventCursor{Timestamp: evt.Timestamp, ID: evt.ID}
			if _, handled := state.seen[evt.ID]; handled {
				continue
			}
			if !filter.match(string(evt.EventType)) {
				state.done(evt)
				continue
			}
			err := d.postEvent(ctx, hook, evt)
			d.Metrics.delivered(hook.URL, err)
			if err != nil {
				d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
				return
			}
			d.logger.Debug("webhook: delivered", "url", hook.URL, "event", evt.ID)
			state.done(evt)
		}
		if len(events) < defaultWebhookBatch {
			return
		}
	}
}

// stateFor returns the hook's state. A new hook starts at the newest event
// and treats everything inside the overlap window behind it as handled.
func (d *WebhookDispatcher) stateFor(ctx context.Context, idx int) (*hookState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.hooks[idx]; ok {
		return st, true
	}
	latest, err := d.source.LatestEventCursor(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "err", err)
		return nil, false
	}
	st := &hookState{high: latest, seen: map[string]time.Time{}}
	page := st.rescanFrom()
scan:
	for !latest.IsZero() {
		events, err := d.source.EventsAfter(ctx, page, defaultWebhookBatch)
		if err != nil {
			d.logger.Warn("webhook: init cursor failed", "err", err)
			return nil, false
		}
		for _, evt := range events {
			if after(evt, latest) {
				break scan
			}
			page = mirror.EventCursor{Timestamp: evt.Timestamp, ID: evt.ID}
			st.done(evt)
		}
		if len(events) < defaultWebhookBatch {
			break
		}
	}
	d.hooks[idx] = st
	return st, true
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tandem-Event", string(evt.EventType))
	req.Header.Set("X-Tandem-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tandem-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
