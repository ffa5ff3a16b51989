package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/satledger/paycore/amount"
)

var (
	// ErrTxNotFound is returned by LookupSettledFee when the transaction
	// is not within the scanned depth.
	ErrTxNotFound = errors.New("transaction not found in wallet history")

	// ErrPaymentNotFound is returned by TrackPayment when the node has no
	// record of the payment, so it was never dispatched.
	ErrPaymentNotFound = errors.New("payment not found on node")
)

const (
	// InFlightMargin is how long SendPayment waits past the request
	// timeout for a final state before reporting the payment in flight.
	InFlightMargin = time.Second

	// TrackTimeout bounds the state lookup SendPayment makes when its
	// update stream ends without a final state.
	TrackTimeout = 10 * time.Second
)

// MaxPaymentWait is the longest SendPayment can take for a request timeout.
// A wallet lease must outlast it.
func MaxPaymentWait(timeout time.Duration) time.Duration {
	return timeout + InFlightMargin + TrackTimeout
}

// OnChainService broadcasts and inspects on-chain payments from the hot
// wallet.
type OnChainService interface {
	// EstimateFee returns the fee for paying amt to addr within
	// targetConfs blocks.
	EstimateFee(ctx context.Context, addr btcutil.Address, amt amount.Sats,
		targetConfs uint32) (amount.Sats, error)

	// PayToAddress broadcasts a payment and returns its transaction
	// hash. Once it returns without error the payment cannot be
	// recalled.
	PayToAddress(ctx context.Context, addr btcutil.Address,
		amt amount.Sats, targetConfs uint32,
		label string) (chainhash.Hash, error)

	// LookupSettledFee returns the fee actually paid by a transaction of
	// ours, searching at most scanDepth blocks back.
	LookupSettledFee(ctx context.Context, txHash chainhash.Hash,
		scanDepth uint32) (amount.Sats, error)

	// Balance returns the confirmed hot wallet balance.
	Balance(ctx context.Context) (amount.Sats, error)
}

// PaymentStatus is the state of an outgoing Lightning payment.
type PaymentStatus uint8

const (
	// PaymentSucceeded payments are settled and have a preimage.
	PaymentSucceeded PaymentStatus = iota + 1

	// PaymentInFlight payments have HTLCs outstanding that may still
	// settle or fail.
	PaymentInFlight

	// PaymentFailed payments have no HTLCs left and will not settle.
	PaymentFailed
)

// String returns a human readable payment status.
func (s PaymentStatus) String() string {
	switch s {
	case PaymentSucceeded:
		return "succeeded"
	case PaymentInFlight:
		return "in_flight"
	case PaymentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PaymentRequest is an outgoing Lightning payment.
type PaymentRequest struct {
	// Invoice is the BOLT-11 encoded payment request.
	Invoice string

	// PaymentHash is the invoice's hash. It identifies the payment if its
	// state has to be looked up again.
	PaymentHash lntypes.Hash

	// Amount is only set for invoices that carry no amount.
	Amount amount.Sats

	// FeeLimit caps the routing fee.
	FeeLimit amount.Sats

	// Timeout bounds the attempt. A payment with no final state
	// InFlightMargin after it elapses is reported as PaymentInFlight.
	Timeout time.Duration
}

// PaymentResult is the outcome of SendPayment.
type PaymentResult struct {
	Status   PaymentStatus
	Preimage fn.Option[lntypes.Preimage]

	// Value is the amount delivered to the payee, excluding fees.
	Value amount.Sats

	// Fee is the routing fee paid. It is only final for succeeded
	// payments.
	Fee amount.Sats

	FailureReason string
}

// LightningService pays Lightning invoices from the node's channels.
type LightningService interface {
	// RouteFee estimates the routing fee for paying invoice, with amt
	// for invoices that carry no amount.
	RouteFee(ctx context.Context, invoice string,
		amt amount.Sats) (amount.Sats, error)

	// SendPayment pays an invoice and waits for a final result or
	// the request timeout. Once the payment may have been dispatched it
	// never returns an error, only PaymentInFlight.
	SendPayment(ctx context.Context,
		req *PaymentRequest) (*PaymentResult, error)

	// TrackPayment returns the current state of an earlier payment
	// without waiting for it to finish. It returns ErrPaymentNotFound if
	// the node never dispatched it.
	TrackPayment(ctx context.Context,
		hash lntypes.Hash) (*PaymentResult, error)
}
