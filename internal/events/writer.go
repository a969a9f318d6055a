// Package events builds audit Events and hands them to a sink, normally the
// engine's write-through append.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tandem/internal/domain"
)

// Sink persists one event.
type Sink func(ctx context.Context, e domain.Event) error

type Writer struct {
	Sink Sink
	Now  func() time.Time
}

// EventPayload is the data the engine attaches to the events it emits itself.
type EventPayload map[string]any

// Append records an event of evtType scoped to planID and taskID when they are non-empty.
// A nil payload leaves the event without data.
func (w Writer) Append(ctx context.Context, evtType domain.EventType, planID, taskID string, payload EventPayload) (domain.Event, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return domain.Event{}, fmt.Errorf("marshal event data: %w", err)
		}
		data = b
	}
	return w.AppendRaw(ctx, evtType, planID, taskID, data)
}

// AppendRaw is Append for data that is already JSON. Any JSON value is
// accepted and stored as written, compacted onto one line; empty data and
// a literal null leave the event without data.
func (w Writer) AppendRaw(ctx context.Context, evtType domain.EventType, planID, taskID string, data json.RawMessage) (domain.Event, error) {
	if !evtType.Valid() {
		return domain.Event{}, fmt.Errorf("unknown event type %q", evtType)
	}
	if w.Sink == nil {
		return domain.Event{}, fmt.Errorf("event writer has no sink")
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && !json.Valid(data) {
		return domain.Event{}, fmt.Errorf("event data is not valid JSON")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	evt := domain.NewEvent(evtType, now())
	if planID != "" {
		evt = evt.WithPlan(planID)
	}
	if taskID != "" {
		evt = evt.WithTask(taskID)
	}
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return domain.Event{}, fmt.Errorf("compact event data: %w", err)
		}
		evt.Data = json.RawMessage(buf.Bytes())
	}
	if err := w.Sink(ctx, evt); err != nil {
		return evt, err
	}
	return evt, nil
}
