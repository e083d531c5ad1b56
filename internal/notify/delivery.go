package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jimkkun/backend-helper/internal/auth"
	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/obs"
	"github.com/jimkkun/backend-helper/internal/queue"
	"github.com/jimkkun/backend-helper/internal/resilience"
	"github.com/jimkkun/backend-helper/internal/statement"
)

// StatementGetter loads the statement being delivered.
type StatementGetter interface {
	Get(ctx context.Context, id uuid.UUID) (statement.Statement, error)
}

// AccountGetter resolves the helper's delivery address.
type AccountGetter interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (auth.Account, error)
}

// Renderer produces the statement body sent to the helper.
type Renderer interface {
	Render(ctx context.Context, st statement.Statement) (string, error)
}

/// Deliverer consumes statement:deliver tasks: it renders the statement and
// emails it to the helper. Failures bubble up so the queue retries and
// eventually dead-letters the task.
type Deliverer struct {
	Statements StatementGetter
	Accounts   AccountGetter
	Renderer   Renderer
	Email      common.EmailSender
	Logger     zerolog.Logger
}

// HandleTask is the queue handler for TaskStatementDeliver.
func (d Deliverer) HandleTask(ctx context.Context, t queue.Task) error {
	var payload DeliveryPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("notify: decode delivery payload: %w", err)
	}
	statementID, err := uuid.Parse(payload.StatementID)
	if err != nil {
		return fmt.Errorf("notify: bad statement id: %w", err)
	}

	st, err := d.Statements.Get(ctx, statementID)
	if err != nil {
		return fmt.Errorf("notify: load statement: %w", err)
	}
	account, err := d.Accounts.GetAccountByID(ctx, st.HelperID)
	if err != nil {
		return fmt.Errorf("notify: load helper account: %w", err)
	}

	body, err := d.render(ctx, st)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("Payout statement %04d-%02d", st.Period.Year, st.Period.Month)
	if payload.Revised {
		subject = "[Revised] " + subject
	}
	start := time.Now()
	if err := d.Email.Send(account.Email, subject, body); err != nil {
		obs.DeliveryAttemptLatency.WithLabelValues("email", "error").Observe(obs.DurationMillis(time.Since(start)))
		return fmt.Errorf("notify: send email: %w", err)
	}
	obs.DeliveryAttemptLatency.WithLabelValues("email", "ok").Observe(obs.DurationMillis(time.Since(start)))
	d.Logger.Info().
		Str("statement_id", st.ID.String()).
		Str("helper_id", st.HelperID.String()).
		Msg("statement_delivered")
	return nil
}

func (d Deliverer) render(ctx context.Context, st statement.Statement) (string, error) {
	if d.Renderer == nil {
		return PlainTextBody(st), nil
	}
	start := time.Now()
	body, err := d.Renderer.Render(ctx, st)
	if err != nil {
		obs.DeliveryAttemptLatency.WithLabelValues("webhook", "error").Observe(obs.DurationMillis(time.Since(start)))
		return "", fmt.Errorf("notify: render statement: %w", err)
	}
	obs.DeliveryAttemptLatency.WithLabelValues("webhook", "ok").Observe(obs.DurationMillis(time.Since(start)))
	return body, nil
}

// PlainTextBody is the built-in fallback rendering used when no external
// renderer is configured.
func PlainTextBody(st statement.Statement) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Payout statement for %04d-%02d\n\n", st.Period.Year, st.Period.Month)
	for _, line := range st.Lines {
		fmt.Fprintf(&b, "%s  total %d  commission %d  insurance %d  deductions %d  net %d\n",
			line.WorkDate, line.TotalAmount, line.CommissionAmount,
			line.InsuranceDeduction, line.OtherDeductions, line.NetAmount)
	}
	fmt.Fprintf(&b, "\nTotal amount: %d\n", st.Totals.Amount)
	fmt.Fprintf(&b, "Commission:   %d\n", st.Totals.Commission)
	fmt.Fprintf(&b, "Insurance:    %d\n", st.Totals.Insurance)
	fmt.Fprintf(&b, "Deductions:   %d\n", st.Totals.Deductions)
	fmt.Fprintf(&b, "Net payout:   %d\n", st.Totals.NetPayout)
	if st.IsRevised {
		b.WriteString("\nThis statement revises an earlier version.\n")
	}
	return b.String()
}

// WebhookRenderer posts the statement to an external rendering service and
// returns the rendered body. The call goes through the resilient HTTP
// client so renderer outages trip the breaker instead of piling up.
type WebhookRenderer struct {
	URL    string
	Client resilience.HTTPClient
}

// Render implements Renderer.
func (r WebhookRenderer) Render(ctx context.Context, st statement.Statement) (string, error) {
	encoded, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("renderer returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
