package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/ledger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, e *Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func testEvent() *Event {
	return &Event{
		Type:          EventIntraLedgerReceived,
		AccountID:     "acct-bob",
		WalletID:      "btc-bob",
		Amount:        amount.NewSats(1_000).Any(),
		DisplayAmount: amount.NewCents(50),
		Method:        ledger.SettlementIntraLedger,
		JournalID:     uuid.New(),
		Timestamp:     time.Unix(1_700_000_000, 0),
	}
}

// TestDispatcherDelivers checks that every notifier sees every event and
// that one failing notifier does not stop the others.
func TestDispatcherDelivers(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	wg.Add(4)
	done := func(mock.Arguments) { wg.Done() }

	failing := &mockNotifier{}
	failing.On("Notify", mock.Anything, mock.Anything).
		Return(errors.New("push service down")).Run(done)

	working := &mockNotifier{}
	working.On("Notify", mock.Anything, mock.Anything).
		Return(nil).Run(done)

	d := NewDispatcher(DispatcherConfig{
		Notifiers: []Notifier{failing, working, NewLogNotifier(nil)},
	})
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		require.NoError(t, d.Stop())
	})

	first, second := testEvent(), testEvent()
	require.NoError(t, d.Dispatch(first))
	require.NoError(t, d.Dispatch(second))

	wg.Wait()
	working.AssertCalled(t, "Notify", mock.Anything, first)
	working.AssertCalled(t, "Notify", mock.Anything, second)
	failing.AssertNumberOfCalls(t, "Notify", 2)
}

// TestDispatchAfterStop reports shutdown instead of blocking.
func TestDispatchAfterStop(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())

	require.ErrorIs(t, d.Dispatch(testEvent()), ErrDispatcherShuttingDown)
}

// TestWebhookNotifier checks the posted payload and error statuses.
func TestWebhookNotifier(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got webhookPayload
	)
	status := http.StatusNoContent
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()

			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(status)
		},
	))
	t.Cleanup(server.Close)

	n := NewWebhookNotifier(WebhookConfig{URL: server.URL})
	e := testEvent()
	require.NoError(t, n.Notify(context.Background(), e))

	mu.Lock()
	require.Equal(t, "intraledger_received", got.Type)
	require.Equal(t, "btc-bob", got.WalletID)
	require.Equal(t, "BTC", got.Currency)
	require.EqualValues(t, 1_000, got.Amount)
	require.EqualValues(t, 50, got.DisplayCents)
	require.Equal(t, e.JournalID.String(), got.JournalID)
	status = http.StatusBadGateway
	mu.Unlock()

	require.ErrorContains(
		t, n.Notify(context.Background(), e), "502",
	)
}
