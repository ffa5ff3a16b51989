package notify

import (
	"context"

	"github.com/btcsuite/btclog/v2"
)

// LogNotifier writes events to a logger. It is the notifier of last resort
// when no push service is configured.
type LogNotifier struct {
	log btclog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses the package logger.
func NewLogNotifier(logger btclog.Logger) *LogNotifier {
	if logger == nil {
		logger = log
	}

	return &LogNotifier{log: logger}
}

// Notify logs the event.
//
// NOTE: Part of the Notifier interface.
func (l *LogNotifier) Notify(ctx context.Context, e *Event) error {
	l.log.InfoS(ctx, "Wallet notification",
		"event", e.Type.String(),
		"account_id", e.AccountID,
		"wallet_id", e.WalletID,
		"amount", e.Amount.String(),
		"display_cents", e.DisplayAmount.Units(),
		"journal_id", e.JournalID.String())

	return nil
}

// A compile-time assertion to ensure LogNotifier implements Notifier.
var _ Notifier = (*LogNotifier)(nil)
