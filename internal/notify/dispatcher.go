package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/queue"
)

// TaskStatementDeliver is the queue kind carrying statement deliveries.
const TaskStatementDeliver = "statement:deliver"

// DeliveryPayload is the queue message for one statement delivery.
type DeliveryPayload struct {
	StatementID string `json:"statement_id"`
	HelperID    string `json:"helper_id"`
	Revised     bool   `json:"revised"`
}

// StatementDispatcher listens on the event bus and hands statement sends
// over to the delivery queue. Delivery is asynchronous so a slow mail or
// renderer hop never blocks the send request.
type StatementDispatcher struct {
	Enqueuer queue.Enqueuer
	Logger   zerolog.Logger
}

// Notify implements events.Notifier.
func (d StatementDispatcher) Notify(ctx context.Context, ev events.Event) error {
	var revised bool
	switch ev.Topic {
	case events.TopicStatementSent:
	case events.TopicStatementRevised:
		revised = true
	default:
		return nil
	}

	var emitted struct {
		HelperID string `json:"helper_id"`
	}
	if err := json.Unmarshal(ev.Payload, &emitted); err != nil {
		return fmt.Errorf("notify: decode %s payload: %w", ev.Topic, err)
	}

	payload, err := json.Marshal(DeliveryPayload{
		StatementID: ev.AggregateID.String(),
		HelperID:    emitted.HelperID,
		Revised:     revised,
	})
	if err != nil {
		return err
	}
	if err := d.Enqueuer.Enqueue(ctx, queue.Task{
		Kind:           TaskStatementDeliver,
		Payload:        payload,
		IdempotencyKey: ev.ID.String(),
		MaxAttempts:    8,
	}); err != nil {
		return fmt.Errorf("notify: enqueue delivery: %w", err)
	}
	d.Logger.Info().
		Str("statement_id", ev.AggregateID.String()).
		Bool("revised", revised).
		Msg("statement_delivery_enqueued")
	return nil
}
