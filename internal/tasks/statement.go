package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/statement"
)

// TypeStatementGenerate is the asynq task type for the monthly statement
// build run.
const TypeStatementGenerate = "statement:generate"

type statementGeneratePayload struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// NewStatementGenerateTask creates the monthly build task. A zero period
// means "the month that just closed", resolved at execution time so the
// scheduled task definition never goes stale.
func NewStatementGenerateTask(period statement.Period) (*asynq.Task, error) {
	payload, err := json.Marshal(statementGeneratePayload{Year: period.Year, Month: period.Month})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeStatementGenerate, payload), nil
}

// StatementBuilder is the slice of the statement service the task needs.
type StatementBuilder interface {
	BuildMonth(ctx context.Context, period statement.Period) (int, error)
}

// Handler processes scheduled statement tasks.
type Handler struct {
	Statements StatementBuilder
	Logger     zerolog.Logger
	now        func() time.Time
}

// NewHandler constructs a task handler.
func NewHandler(statements StatementBuilder, logger zerolog.Logger) *Handler {
	return &Handler{Statements: statements, Logger: logger, now: time.Now}
}

// WithNow lets tests override the time provider.
func (h *Handler) WithNow(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

// HandleStatementGenerate builds draft statements for every helper with
// work in the target month.
func (h *Handler) HandleStatementGenerate(ctx context.Context, t *asynq.Task) error {
	var payload statementGeneratePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("tasks: decode %s payload: %w", TypeStatementGenerate, err)
		}
	}
	period := statement.Period{Year: payload.Year, Month: payload.Month}
	if period.Year == 0 || period.Month == 0 {
		period = previousMonth(h.now())
	}

	built, err := h.Statements.BuildMonth(ctx, period)
	if err != nil {
		return fmt.Errorf("tasks: build month %04d-%02d: %w", period.Year, period.Month, err)
	}
	h.Logger.Info().
		Int("year", period.Year).Int("month", period.Month).
		Int("built", built).
		Msg("statement_month_built")
	return nil
}

// NewMux registers all task handlers.
func NewMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStatementGenerate, h.HandleStatementGenerate)
	return mux
}

// RegisterSchedules attaches the recurring tasks to the scheduler. The
// monthly run fires shortly after the month closes.
func RegisterSchedules(scheduler *asynq.Scheduler, cronSpec string) error {
	task, err := NewStatementGenerateTask(statement.Period{})
	if err != nil {
		return err
	}
	if _, err := scheduler.Register(cronSpec, task); err != nil {
		return fmt.Errorf("tasks: register %s: %w", TypeStatementGenerate, err)
	}
	return nil
}

func previousMonth(now time.Time) statement.Period {
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return statement.Period{Year: prev.Year(), Month: int(prev.Month())}
}
