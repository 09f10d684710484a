package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"

	"autoforge/internal/model"
	"autoforge/internal/store"
)

const errorBodyLimit = 200

// Notifier enqueues outcome messages durably. Delivery happens out of band
// in the deliverer, so a slow or dead endpoint never blocks a pipeline run.
type Notifier struct {
	Store     *store.SQLiteStore
	Recipient string
	Logger    *log.Logger
}

func NewNotifier(sqliteStore *store.SQLiteStore, recipient string, logger *log.Logger) *Notifier {
	return &Notifier{Store: sqliteStore, Recipient: recipient, Logger: logger}
}

// Notify is fire-and-forget: enqueue failures are logged and swallowed.
func (n *Notifier) Notify(outcome model.Outcome) {
	payload := struct {
		Recipient string `json:"recipient,omitempty"`
		model.Outcome
	}{Recipient: n.Recipient, Outcome: outcome}

	encoded, err := json.Marshal(payload)
	if err != nil {
		n.logf("notify: marshal outcome for run %s: %v", outcome.RunID, err)
		return
	}
	message := model.OutboxMessage{
		MessageID:   "notice-" + uuid.NewString(),
		RunID:       outcome.RunID,
		Kind:        outcome.Kind,
		PayloadJSON: string(encoded),
	}
	if err := n.Store.EnqueueOutbox(message); err != nil {
		n.logf("notify: enqueue outcome for run %s: %v", outcome.RunID, err)
	}
}

func (n *Notifier) logf(format string, args ...any) {
	if n.Logger == nil {
		return
	}
	n.Logger.Printf(format, args...)
}

// Sender posts one outbox message to the configured endpoint.
type Sender struct {
	EndpointURL string
	Timeout     time.Duration
	client      *http.Client
}

func NewSender(endpointURL string, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sender{
		EndpointURL: strings.TrimSpace(endpointURL),
		Timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
	}
}

func (s *Sender) Send(ctx context.Context, message model.OutboxMessage) error {
	if s.EndpointURL == "" {
		return fmt.Errorf("notification endpoint is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.EndpointURL, strings.NewReader(message.PayloadJSON))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Deliverer drains the outbox. Each message gets a few quick retries per
// pass; a message that keeps failing is parked after MaxAttempts passes.
type Deliverer struct {
	Store       *store.SQLiteStore
	Sender      *Sender
	MaxAttempts int
	Logger      *log.Logger
}

func NewDeliverer(sqliteStore *store.SQLiteStore, sender *Sender, maxAttempts int, logger *log.Logger) *Deliverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Deliverer{Store: sqliteStore, Sender: sender, MaxAttempts: maxAttempts, Logger: logger}
}

func (d *Deliverer) ProcessOnce(ctx context.Context, limit int) (int, error) {
	batch, err := d.Store.ListOutboxByStatus(model.OutboxStatusPending, limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, message := range batch {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		sendErr := retry.Retry(func(attempt uint) error {
			return d.Sender.Send(ctx, message)
		}, strategy.Limit(3), strategy.Backoff(backoff.Linear(200*time.Millisecond)))
		if sendErr != nil {
			d.logf("notify delivery failed: message=%s run=%s err=%v", message.MessageID, message.RunID, sendErr)
			if err := d.Store.MarkOutboxFailed(message.MessageID, compactErrorText(sendErr), d.MaxAttempts); err != nil {
				return delivered, err
			}
			continue
		}
		if err := d.Store.MarkOutboxSent(message.MessageID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Deliverer) logf(format string, args ...any) {
	if d.Logger == nil {
		return
	}
	d.Logger.Printf(format, args...)
}

func compactErrorText(err error) string {
	if err == nil {
		return ""
	}
	text := strings.TrimSpace(err.Error())
	text = strings.ReplaceAll(text, "\n", " | ")
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}
