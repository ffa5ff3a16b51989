package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	// URL receives a JSON POST per event.
	URL string

	// RequestsPerSecond caps the delivery rate. Zero means unlimited.
	RequestsPerSecond float64

	Client *http.Client
}

// WebhookNotifier posts events to an HTTP endpoint, such as a push gateway.
type WebhookNotifier struct {
	cfg     WebhookConfig
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &WebhookNotifier{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// webhookPayload is the JSON body of a webhook call.
type webhookPayload struct {
	Type         string `json:"type"`
	AccountID    string `json:"account_id"`
	WalletID     string `json:"wallet_id"`
	Currency     string `json:"currency"`
	Amount       uint64 `json:"amount"`
	DisplayCents uint64 `json:"display_cents"`
	Method       string `json:"settlement_method"`
	JournalID    string `json:"journal_id"`
	Language     string `json:"language,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Notify posts the event.
//
// NOTE: Part of the Notifier interface.
func (w *WebhookNotifier) Notify(ctx context.Context, e *Event) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(&webhookPayload{
		Type:         e.Type.String(),
		AccountID:    string(e.AccountID),
		WalletID:     string(e.WalletID),
		Currency:     e.Amount.Currency.String(),
		Amount:       e.Amount.Units,
		DisplayCents: e.DisplayAmount.Units(),
		Method:       e.Method.String(),
		JournalID:    e.JournalID.String(),
		Language:     e.Language,
		Timestamp:    e.Timestamp.Unix(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}

	return nil
}

// A compile-time assertion to ensure WebhookNotifier implements Notifier.
var _ Notifier = (*WebhookNotifier)(nil)
