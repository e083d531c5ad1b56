package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/statement"
)

type buildRecorder struct {
	periods []statement.Period
	err     error
}

func (b *buildRecorder) BuildMonth(_ context.Context, period statement.Period) (int, error) {
	b.periods = append(b.periods, period)
	return 3, b.err
}

func TestHandleStatementGenerateExplicitPeriod(t *testing.T) {
	rec := &buildRecorder{}
	h := NewHandler(rec, zerolog.Nop())

	task, err := NewStatementGenerateTask(statement.Period{Year: 2026, Month: 3})
	if err != nil {
		t.Fatalf("NewStatementGenerateTask: %v", err)
	}
	if err := h.HandleStatementGenerate(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rec.periods) != 1 || rec.periods[0] != (statement.Period{Year: 2026, Month: 3}) {
		t.Fatalf("periods = %v", rec.periods)
	}
}

func TestHandleStatementGenerateDefaultsToClosedMonth(t *testing.T) {
	rec := &buildRecorder{}
	h := NewHandler(rec, zerolog.Nop())
	h.WithNow(func() time.Time { return time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC) })

	task, err := NewStatementGenerateTask(statement.Period{})
	if err != nil {
		t.Fatalf("NewStatementGenerateTask: %v", err)
	}
	if err := h.HandleStatementGenerate(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := statement.Period{Year: 2025, Month: 12}
	if len(rec.periods) != 1 || rec.periods[0] != want {
		t.Fatalf("periods = %v, want %v", rec.periods, want)
	}
}

func TestHandleStatementGenerateBadPayload(t *testing.T) {
	h := NewHandler(&buildRecorder{}, zerolog.Nop())
	task := asynq.NewTask(TypeStatementGenerate, []byte("{not json"))
	if err := h.HandleStatementGenerate(context.Background(), task); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestHandleStatementGenerateBuildFailure(t *testing.T) {
	rec := &buildRecorder{err: errors.New("db down")}
	h := NewHandler(rec, zerolog.Nop())

	payload, _ := json.Marshal(map[string]int{"year": 2026, "month": 2})
	task := asynq.NewTask(TypeStatementGenerate, payload)
	if err := h.HandleStatementGenerate(context.Background(), task); err == nil {
		t.Fatal("expected build error to propagate for asynq retry")
	}
}
