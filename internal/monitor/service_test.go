package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"splash-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestEmitAndQuery(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	svc.Emit(ctx, EventAnnouncement, map[string]string{"symbol": "la"})
	svc.Emit(ctx, EventReminder, map[string]string{"symbol": "ZK"})
	svc.RecordError(ctx, "下单失败", errors.New("boom"), map[string]interface{}{"symbol": "LA"})
	svc.RecordError(ctx, "忽略", nil, nil)

	all, err := svc.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != EventError {
		t.Errorf("latest event type = %s, want %s", all[0].Type, EventError)
	}

	bySymbol, err := svc.Query(ctx, Filter{Symbol: "la"})
	if err != nil || len(bySymbol) != 2 {
		t.Fatalf("events for LA = %d, err = %v", len(bySymbol), err)
	}

	errs, err := svc.Query(ctx, Filter{Type: EventError})
	if err != nil || len(errs) != 1 {
		t.Fatalf("error events = %d, err = %v", len(errs), err)
	}
	raw, err := json.Marshal(errs[0].Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Error != "boom" || payload.Message != "下单失败" {
		t.Errorf("unexpected payload: %+v", payload)
	}

	counts, err := svc.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts[EventAnnouncement] != 1 || counts[EventError] != 1 || counts[EventReminder] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	old := time.Now().Add(-48 * time.Hour)
	if err := svc.Record(ctx, Event{Type: EventJobFired, Timestamp: old, Payload: map[string]string{"symbol": "LA"}}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	svc.Emit(ctx, EventJobArmed, map[string]string{"symbol": "LA"})

	removed, err := svc.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune returned error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	left, _ := svc.Query(ctx, Filter{})
	if len(left) != 1 || left[0].Type != EventJobArmed {
		t.Errorf("unexpected remaining events: %+v", left)
	}
}

func TestParseEventType(t *testing.T) {
	if typ, ok := ParseEventType(" Execution "); !ok || typ != EventExecution {
		t.Errorf("ParseEventType(Execution) = %q, %v", typ, ok)
	}
	if typ, ok := ParseEventType(""); !ok || typ != "" {
		t.Errorf("empty type should mean no filter, got %q, %v", typ, ok)
	}
	if _, ok := ParseEventType("candles"); ok {
		t.Error("unknown type accepted")
	}
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service
	svc.Emit(context.Background(), EventReminder, nil)
	if events, err := svc.Query(context.Background(), Filter{}); err != nil || events != nil {
		t.Errorf("nil service returned events=%v err=%v", events, err)
	}
}
