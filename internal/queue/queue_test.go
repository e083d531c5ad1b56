package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	client := newTestClient(t)
	e := Enqueuer{R: client, Prefix: "payout"}
	ctx := context.Background()

	task := Task{Kind: "statement:deliver", Payload: []byte(`{"statement_id":"a"}`), IdempotencyKey: "stmt-a"}
	if err := e.Enqueue(ctx, task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := e.Enqueue(ctx, task); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	size, err := client.ZCard(ctx, "payout:queue:statement:deliver").Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if size != 1 {
		t.Fatalf("queue size = %d, want 1 (deduplicated)", size)
	}
}

func TestEnqueueRejectsBadKind(t *testing.T) {
	e := Enqueuer{R: newTestClient(t)}
	if err := e.Enqueue(context.Background(), Task{Kind: "Bad Kind!"}); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestWorkerProcessesTask(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	var gotPayload atomic.Value
	w := Worker{
		R:    client,
		Kind: "statement:deliver",
		Handler: func(_ context.Context, task Task) error {
			gotPayload.Store(string(task.Payload))
			handled.Add(1)
			cancel()
			return nil
		},
	}

	e := Enqueuer{R: client}
	if err := e.Enqueue(ctx, Task{Kind: "statement:deliver", Payload: []byte(`{"id":1}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
	if handled.Load() != 1 {
		t.Fatalf("handled = %d, want 1", handled.Load())
	}
	if gotPayload.Load() != `{"id":1}` {
		t.Fatalf("payload = %v", gotPayload.Load())
	}
}

type memStore struct {
	entries []DeadLetter
}

func (m *memStore) InsertDeadLetter(_ context.Context, entry DeadLetter) (uuid.UUID, error) {
	entry.ID = uuid.New()
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}
func (m *memStore) GetDeadLetter(context.Context, uuid.UUID) (DeadLetter, error) {
	return DeadLetter{}, errors.New("not implemented")
}
func (m *memStore) DeleteDeadLetter(context.Context, uuid.UUID) error { return nil }
func (m *memStore) ListDeadLetters(context.Context, string, int, int) ([]DeadLetter, error) {
	return m.entries, nil
}
func (m *memStore) CountDeadLetters(context.Context, string) (int64, error) {
	return int64(len(m.entries)), nil
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &memStore{}
	var attempts atomic.Int32
	w := Worker{
		R:         client,
		Store:     store,
		Kind:      "statement:deliver",
		RetryBase: time.Millisecond,
		Handler: func(context.Context, Task) error {
			if attempts.Add(1) >= 2 {
				defer cancel()
			}
			return errors.New("renderer unavailable")
		},
	}

	e := Enqueuer{R: client}
	if err := e.Enqueue(ctx, Task{Kind: "statement:deliver", Payload: []byte(`{"id":2}`), MaxAttempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}

	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
	// the failure handler may still be flushing when Run returns
	deadline := time.Now().Add(time.Second)
	for len(store.entries) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(store.entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Attempts != 2 {
		t.Fatalf("entry attempts = %d, want 2", entry.Attempts)
	}
	if entry.LastError == nil || *entry.LastError != "renderer unavailable" {
		t.Fatalf("entry last error = %v", entry.LastError)
	}
	var payload map[string]int
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["id"] != 2 {
		t.Fatalf("payload id = %d, want 2", payload["id"])
	}
}

func TestWorkerHonorsDelay(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	e := Enqueuer{R: client}
	if err := e.Enqueue(ctx, Task{Kind: "statement:deliver", Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	members, err := client.ZRangeWithScores(ctx, "queue:statement:deliver", 0, -1).Result()
	if err != nil {
		t.Fatalf("zrange: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	availableAt := time.Unix(0, int64(members[0].Score))
	if time.Until(availableAt) < 50*time.Minute {
		t.Fatalf("availableAt too soon: %v", availableAt)
	}
}
