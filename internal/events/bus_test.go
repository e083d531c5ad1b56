package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memEventStore struct {
	events []Event
	err    error
}

func (m *memEventStore) InsertEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (Event, error) {
	if m.err != nil {
		return Event{}, m.err
	}
	ev := Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memEventStore) ListEvents(context.Context, uuid.UUID, int) ([]Event, error) {
	return m.events, nil
}

type recordingNotifier struct {
	got []Event
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) error {
	n.got = append(n.got, ev)
	return n.err
}

func TestEmitPersistsAndNotifies(t *testing.T) {
	store := &memEventStore{}
	notifier := &recordingNotifier{}
	bus := &Bus{Store: store, Notifiers: []Notifier{notifier}}

	id := uuid.New()
	ev, err := bus.Emit(context.Background(), TopicSettlementComputed, id, map[string]any{"net_amount": 192_395})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev.Topic != TopicSettlementComputed {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if len(store.events) != 1 {
		t.Fatalf("persisted = %d, want 1", len(store.events))
	}
	if len(notifier.got) != 1 {
		t.Fatalf("notified = %d, want 1", len(notifier.got))
	}
	var payload map[string]int64
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["net_amount"] != 192_395 {
		t.Fatalf("net_amount = %d", payload["net_amount"])
	}
}

func TestEmitNotifierErrorDoesNotDropEvent(t *testing.T) {
	store := &memEventStore{}
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	bus := &Bus{Store: store, Notifiers: []Notifier{notifier}}

	_, err := bus.Emit(context.Background(), TopicStatementSent, uuid.New(), nil)
	if err == nil {
		t.Fatal("expected joined notifier error")
	}
	if len(store.events) != 1 {
		t.Fatalf("persisted = %d, want 1 despite notifier failure", len(store.events))
	}
}

func TestEmitValidation(t *testing.T) {
	bus := &Bus{Store: &memEventStore{}}
	if _, err := bus.Emit(context.Background(), "", uuid.New(), nil); err == nil {
		t.Fatal("expected error for empty topic")
	}
	if _, err := bus.Emit(context.Background(), TopicDeductionApplied, uuid.Nil, nil); err == nil {
		t.Fatal("expected error for nil aggregate id")
	}
	if _, err := bus.Emit(context.Background(), TopicDeductionApplied, uuid.New(), []byte("{not json")); err == nil {
		t.Fatal("expected error for invalid json payload")
	}
}

func TestEmitRawPayloadVariants(t *testing.T) {
	store := &memEventStore{}
	bus := &Bus{Store: store}

	ev, err := bus.Emit(context.Background(), TopicDeductionCancelled, uuid.New(), json.RawMessage(`{"reason":"resolved"}`))
	if err != nil {
		t.Fatalf("Emit raw: %v", err)
	}
	if string(ev.Payload) != `{"reason":"resolved"}` {
		t.Fatalf("payload = %s", ev.Payload)
	}

	ev, err = bus.Emit(context.Background(), TopicDeductionCancelled, uuid.New(), "  ")
	if err != nil {
		t.Fatalf("Emit blank string: %v", err)
	}
	if string(ev.Payload) != "{}" {
		t.Fatalf("payload = %s", ev.Payload)
	}
}
