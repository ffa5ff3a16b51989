package payments

import (
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
)

var (
	// ErrRebalanceNeeded is returned when the hot wallet cannot cover an
	// on-chain payment.
	ErrRebalanceNeeded = payerr.New(
		payerr.KindDependency, "Hot wallet rebalance needed",
	)

	// ErrInvalidTargetConfs is returned for a confirmation target out of
	// range.
	ErrInvalidTargetConfs = payerr.New(
		payerr.KindValidation, "Target confirmations must be between "+
			"1 and 1008",
	)

	// ErrMemoTooLong is returned when a memo exceeds the configured
	// length.
	ErrMemoTooLong = payerr.New(
		payerr.KindValidation, "Memo is too long",
	)

	// ErrInvalidAddress is returned for an address that does not decode
	// on the configured network.
	ErrInvalidAddress = payerr.New(
		payerr.KindValidation, "Invalid on-chain address",
	)

	// ErrInvalidInvoice is returned for a payment request that does not
	// decode on the configured network.
	ErrInvalidInvoice = payerr.New(
		payerr.KindValidation, "Invalid Lightning invoice",
	)

	// ErrInvoiceExpired is returned for an expired invoice.
	ErrInvoiceExpired = payerr.New(
		payerr.KindValidation, "Invoice is expired",
	)

	// ErrInvoiceAmount is returned when an amount is given for an invoice
	// that carries one, or missing for one that does not.
	ErrInvoiceAmount = payerr.New(
		payerr.KindValidation, "Invoice amount is invalid",
	)

	// ErrMissingRecipient is returned for an intraledger payment with
	// neither a wallet id nor a username.
	ErrMissingRecipient = payerr.New(
		payerr.KindValidation, "Recipient wallet or username required",
	)

	// ErrLightningPaymentFailed is returned when the node gave up on a
	// payment. Nothing was debited.
	ErrLightningPaymentFailed = payerr.New(
		payerr.KindDependency, "Lightning payment failed",
	)

	// errInternal is what callers see for invariant violations and
	// unclassified failures.
	errInternal = payerr.New(payerr.KindInvariant, "Internal error")
)

// dustError is returned for on-chain payments below the dust threshold.
func dustError(threshold amount.Sats) error {
	return payerr.Validation("Use lightning to send amounts less than "+
		"%d sats", threshold.Units())
}

// insufficientBalance is returned when the balance cannot cover a debit.
func insufficientBalance(need, balance amount.Any) error {
	return payerr.InsufficientFunds("Payment amount '%v' exceeds "+
		"balance '%v'", need, balance)
}
