package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/resilience"
)

// Task is a unit of asynchronous work, such as delivering a monthly
// statement to a helper.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

// Enqueuer publishes tasks to Redis sorted-set queues. Tasks carrying an
// idempotency key are deduplicated within the configured window.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
}

// Enqueue schedules the task. A duplicate idempotency key within the
// dedup window is silently dropped.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, dedupKey(e.Prefix, kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, queueKey(e.Prefix, kind), redis.Z{
		Score:  float64(msg.AvailableAt),
		Member: raw,
	}).Err()
}

// Worker consumes tasks of a single kind. Claimed tasks are tracked in a
// processing set so a crashed worker's tasks are redelivered after the
// visibility timeout. Exhausted tasks are persisted to the database DLQ.
type Worker struct {
	R                 *redis.Client
	Store             Store
	Logger            zerolog.Logger
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
}

// Run processes tasks until the context is cancelled.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	qKey := queueKey(w.Prefix, kind)
	pKey := processingKey(w.Prefix, kind)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	reclaimTicker := time.NewTicker(time.Second)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reclaimTicker.C:
			if err := w.reclaimExpired(ctx, pKey, qKey); err != nil {
				return err
			}
		default:
		}

		res, err := w.R.ZPopMin(ctx, qKey, 1).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if err == redis.Nil {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		if len(res) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		member, ok := res[0].Member.(string)
		if !ok {
			continue
		}
		msg, err := decodeMessage(member)
		if err != nil {
			w.Logger.Warn().Err(err).Str("kind", kind).Msg("queue_drop_undecodable")
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			// not due yet, push back and nap
			w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
			sleep := time.Duration(msg.AvailableAt - now)
			if sleep > time.Second {
				sleep = time.Second
			}
			time.Sleep(sleep)
			continue
		}

		msg.Attempt++
		rawBytes, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		claimed := string(rawBytes)
		deadline := time.Now().Add(visibility).UnixNano()
		if err := w.R.ZAdd(ctx, pKey, redis.Z{Score: float64(deadline), Member: claimed}).Err(); err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(claimed string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			err := w.Handler(jobCtx, Task{Kind: kind, Payload: m.Payload, IdempotencyKey: m.Key})
			if err != nil {
				TasksProcessedTotal.WithLabelValues(kind, "error").Inc()
				w.handleFailure(jobCtx, qKey, pKey, claimed, m, retryBase, err)
				return
			}
			TasksProcessedTotal.WithLabelValues(kind, "ok").Inc()
			w.ack(jobCtx, pKey, claimed, m)
		}(claimed, msg)
	}
}

func (w Worker) handleFailure(ctx context.Context, qKey, pKey, claimed string, msg taskMessage, base time.Duration, cause error) {
	_ = w.R.ZRem(ctx, pKey, claimed)
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.deadLetter(ctx, msg, cause)
		if msg.Key != "" {
			_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
		}
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
}

// deadLetter persists the exhausted task to Postgres so operators can
// inspect and requeue it. Falls back to a Redis list when the store is
// unavailable.
func (w Worker) deadLetter(ctx context.Context, msg taskMessage, cause error) {
	TasksDeadLetteredTotal.WithLabelValues(msg.Kind).Inc()
	if w.Store != nil {
		errText := cause.Error()
		_, err := w.Store.InsertDeadLetter(ctx, DeadLetter{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        msg.Payload,
			Attempts:       msg.Attempt,
			LastError:      &errText,
		})
		if err == nil {
			return
		}
		w.Logger.Error().Err(err).Str("kind", msg.Kind).Msg("dlq_store_insert_failed")
	}
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.LPush(ctx, dlqKey(w.Prefix, msg.Kind), rawBytes).Err()
}

func (w Worker) ack(ctx context.Context, pKey, claimed string, msg taskMessage) {
	_ = w.R.ZRem(ctx, pKey, claimed)
	if msg.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
	}
}

func (w Worker) reclaimExpired(ctx context.Context, pKey, qKey string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, pKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			_ = w.R.ZRem(ctx, pKey, raw).Err()
			continue
		}
		_ = w.R.ZRem(ctx, pKey, raw).Err()
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':':
		default:
			return ""
		}
	}
	return kind
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return "queue:" + kind
	}
	return prefix + ":queue:" + kind
}

func processingKey(prefix, kind string) string {
	return queueKey(prefix, kind) + ":processing"
}

func dlqKey(prefix, kind string) string {
	return queueKey(prefix, kind) + ":dlq"
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}
