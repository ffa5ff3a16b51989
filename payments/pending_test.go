package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/settlement"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// payPending leaves alice with a 10,000 sat send in flight under a 20 sat
// fee limit.
func (h *testHarness) payPending() *Receipt {
	h.t.Helper()

	h.deposit(h.aliceBtc, 1_000_000)
	invoice := h.invoice(testHash, 10_000)

	h.ln.On("RouteFee", mock.Anything, mock.Anything, mock.Anything).Return(
		amount.NewSats(20), nil,
	)
	h.ln.On("SendPayment", mock.Anything, mock.Anything).Return(
		&settlement.PaymentResult{Status: settlement.PaymentInFlight},
		nil,
	)

	receipt, err := h.orch.PayLightningInvoice(
		h.ctx, h.invoiceRequest(invoice, 0),
	)
	require.NoError(h.t, err)
	require.Equal(h.t, StatusPending, receipt.Status)
	require.EqualValues(h.t, 1_000_000-10_020, h.balance(h.aliceBtc))

	return receipt
}

// TestResolvePending books the final outcome of sends recorded in flight.
func TestResolvePending(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		result   *settlement.PaymentResult
		trackErr error

		resolved int
		balance  uint64
		event    notify.EventType
		amount   uint64
	}{{
		name: "payment failed",
		result: &settlement.PaymentResult{
			Status:        settlement.PaymentFailed,
			FailureReason: "FAILURE_REASON_TIMEOUT",
		},
		resolved: 1,
		balance:  1_000_000,
		event:    notify.EventPaymentFailed,
		amount:   10_020,
	}, {
		name:     "never dispatched",
		trackErr: settlement.ErrPaymentNotFound,
		resolved: 1,
		balance:  1_000_000,
		event:    notify.EventPaymentFailed,
		amount:   10_020,
	}, {
		name: "settled under the fee limit",
		result: &settlement.PaymentResult{
			Status: settlement.PaymentSucceeded,
			Value:  amount.NewSats(10_000),
			Fee:    amount.NewSats(5),
		},
		resolved: 1,
		balance:  1_000_000 - 10_005,
		event:    notify.EventPaymentSent,
		amount:   10_005,
	}, {
		name: "settled at the fee limit",
		result: &settlement.PaymentResult{
			Status: settlement.PaymentSucceeded,
			Value:  amount.NewSats(10_000),
			Fee:    amount.NewSats(20),
		},
		resolved: 1,
		balance:  1_000_000 - 10_020,
		event:    notify.EventPaymentSent,
		amount:   10_020,
	}, {
		name: "still in flight",
		result: &settlement.PaymentResult{
			Status: settlement.PaymentInFlight,
		},
		balance: 1_000_000 - 10_020,
	}, {
		name:     "node unreachable",
		trackErr: errors.New("connection refused"),
		balance:  1_000_000 - 10_020,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			receipt := h.payPending()

			h.ln.On("TrackPayment", mock.Anything, testHash).Return(
				tc.result, tc.trackErr,
			)

			n, err := h.orch.ResolvePending(h.ctx)
			require.NoError(t, err)
			require.Equal(t, tc.resolved, n)
			require.EqualValues(t, tc.balance, h.balance(h.aliceBtc))

			pending, err := h.ledger.PendingSends(h.ctx)
			require.NoError(t, err)
			if tc.resolved == 0 {
				require.Len(t, pending, 1)
				require.Empty(t, h.eventsOfType(
					notify.EventPaymentFailed,
				))
				require.Empty(t, h.eventsOfType(
					notify.EventPaymentSent,
				))

				return
			}
			require.Empty(t, pending)

			events := h.eventsOfType(tc.event)
			require.Len(t, events, 1)
			require.Equal(t, h.aliceBtc.ID, events[0].WalletID)
			require.Equal(t, receipt.JournalID, events[0].JournalID)
			require.Equal(
				t, amount.NewSats(tc.amount).Any(),
				events[0].Amount,
			)

			// A second round finds nothing left to do.
			n, err = h.orch.ResolvePending(h.ctx)
			require.NoError(t, err)
			require.Zero(t, n)
			h.ln.AssertNumberOfCalls(t, "TrackPayment", 1)
		})
	}
}

// TestResolvePendingPayAgain checks that an invoice whose payment failed in
// flight can be paid again once the failure is booked.
func TestResolvePendingPayAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.payPending()

	h.ln.On("TrackPayment", mock.Anything, testHash).Return(
		&settlement.PaymentResult{Status: settlement.PaymentFailed}, nil,
	)
	n, err := h.orch.ResolvePending(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := h.orch.PayLightningInvoice(
		h.ctx, h.invoiceRequest(h.invoice(testHash, 10_000), 0),
	)
	require.NoError(t, err)
	require.Equal(t, StatusPending, second.Status)
	require.NotEqual(t, first.JournalID, second.JournalID)
	require.EqualValues(t, 1_000_000-10_020, h.balance(h.aliceBtc))
}

// TestPendingResolverLoop checks that every tick runs a resolve round.
func TestPendingResolverLoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.payPending()

	h.ln.On("TrackPayment", mock.Anything, testHash).Return(
		&settlement.PaymentResult{
			Status: settlement.PaymentSucceeded,
			Value:  amount.NewSats(10_000),
			Fee:    amount.NewSats(1),
		}, nil,
	)

	tick := ticker.NewForce(time.Hour)
	r := NewPendingResolver(h.orch, tick)
	require.NoError(t, r.Start())
	t.Cleanup(func() {
		require.NoError(t, r.Stop())
	})

	tick.Force <- testTime
	require.Eventually(t, func() bool {
		return len(h.eventsOfType(notify.EventPaymentSent)) == 1
	}, time.Second, 10*time.Millisecond)

	pending, err := h.ledger.PendingSends(h.ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.EqualValues(t, 1_000_000-10_001, h.balance(h.aliceBtc))
}
