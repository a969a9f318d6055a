package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tandem/internal/domain"
	"tandem/internal/events"
)

func TestAppendBuildsScopedEvent(t *testing.T) {
	var got []domain.Event
	w := events.Writer{
		Sink: func(_ context.Context, e domain.Event) error {
			got = append(got, e)
			return nil
		},
		Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	evt, err := w.Append(context.Background(), domain.EventWorkerSpawned, "plan-1", "task-1.1", events.EventPayload{"session": "tandem-worker-1-1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(got) != 1 || got[0].ID != evt.ID {
		t.Fatalf("sink did not receive the event")
	}
	if evt.PlanID == nil || *evt.PlanID != "plan-1" || evt.TaskID == nil || *evt.TaskID != "task-1.1" {
		t.Fatalf("scope not set: %+v", evt)
	}
	if string(evt.Data) != `{"session":"tandem-worker-1-1"}` {
		t.Fatalf("data = %s", evt.Data)
	}
}

func TestAppendWithoutScopeOrPayload(t *testing.T) {
	w := events.Writer{Sink: func(context.Context, domain.Event) error { return nil }}
	evt, err := w.Append(context.Background(), domain.EventInitialized, "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if evt.PlanID != nil || evt.TaskID != nil || evt.Data != nil {
		t.Fatalf("expected bare event, got %+v", evt)
	}
}

func TestAppendRejectsUnknownTypeAndSurfacesSinkErrors(t *testing.T) {
	boom := errors.New("boom")
	w := events.Writer{Sink: func(context.Context, domain.Event) error { return boom }}
	if _, err := w.Append(context.Background(), domain.EventType("paused"), "", "", nil); err == nil {
		t.Fatalf("expected unknown type error")
	}
	if _, err := w.Append(context.Background(), domain.EventPlanCreated, "plan-1", "", nil); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestAppendRawKeepsAnyJSONValue(t *testing.T) {
	var got domain.Event
	w := events.Writer{Sink: func(_ context.Context, e domain.Event) error {
		got = e
		return nil
	}}
	cases := map[string]struct {
		in   string
		want string
	}{
		"large integer": {`{"build": 12345678901234567891}`, `{"build":12345678901234567891}`},
		"array":         {`["step 1", "step 2"]`, `["step 1","step 2"]`},
		"scalar":        {`42`, `42`},
		"string":        {` "done" `, `"done"`},
		"decimal":       {`{"pct":0.10000000000000000001}`, `{"pct":0.10000000000000000001}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			evt, err := w.AppendRaw(context.Background(), domain.EventWorkerProgress, "plan-1", "", json.RawMessage(tc.in))
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if string(evt.Data) != tc.want || string(got.Data) != tc.want {
				t.Fatalf("data = %s, want %s", evt.Data, tc.want)
			}
		})
	}
}

func TestAppendRawRejectsInvalidJSONAndDropsNull(t *testing.T) {
	w := events.Writer{Sink: func(context.Context, domain.Event) error { return nil }}
	if _, err := w.AppendRaw(context.Background(), domain.EventWorkerProgress, "", "", json.RawMessage(`{"pct":`)); err == nil {
		t.Fatal("expected invalid JSON to be rejected")
	}
	evt, err := w.AppendRaw(context.Background(), domain.EventWorkerProgress, "", "", json.RawMessage(`null`))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Data != nil {
		t.Fatalf("expected no data, got %s", evt.Data)
	}
}
