package paymentflow

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/payerr"
	"github.com/satledger/paycore/price"
)

// DestinationKind identifies where a flow sends value.
type DestinationKind uint8

const (
	// DestinationAddress is an on-chain address.
	DestinationAddress DestinationKind = iota + 1

	// DestinationInvoice is a BOLT-11 invoice.
	DestinationInvoice

	// DestinationWallet is a wallet held on this ledger.
	DestinationWallet
)

// String returns a human readable destination kind.
func (k DestinationKind) String() string {
	switch k {
	case DestinationAddress:
		return "address"
	case DestinationInvoice:
		return "invoice"
	case DestinationWallet:
		return "wallet"
	default:
		return "unknown"
	}
}

// Totals is an amount in both currencies.
type Totals struct {
	Btc amount.Sats
	Usd amount.Cents
}

// PaymentFlow is a fully priced payment, ready to be limit checked, executed
// and recorded. It is only produced by a Builder that passed every stage.
type PaymentFlow struct {
	Destination DestinationKind
	Address     btcutil.Address
	Invoice     *zpay32.Invoice

	Sender        *directory.WalletDescriptor
	SenderAccount *directory.Account

	// Recipient is set for intraledger flows only.
	Recipient fn.Option[*directory.WalletDescriptor]

	Method ledger.SettlementMethod

	BtcPaymentAmount amount.Sats
	UsdPaymentAmount amount.Cents

	// BtcProtocolFee includes BankFee.
	BtcProtocolFee amount.Sats
	UsdProtocolFee amount.Cents
	BankFee        amount.Sats

	SendAll bool

	ratio price.Ratio
}

// TotalAmountsForPayment returns principal plus protocol fee in both
// currencies. This is what the sender is debited.
func (f *PaymentFlow) TotalAmountsForPayment() Totals {
	return Totals{
		Btc: f.BtcPaymentAmount.Add(f.BtcProtocolFee),
		Usd: f.UsdPaymentAmount.Add(f.UsdProtocolFee),
	}
}

// TotalInSenderCurrency returns the debit in the sender wallet's currency.
func (f *PaymentFlow) TotalInSenderCurrency() amount.Any {
	t := f.TotalAmountsForPayment()
	if f.Sender.Currency == amount.CurrencyUSD {
		return t.Usd.Any()
	}

	return t.Btc.Any()
}

// PrincipalIn returns the principal in the given currency.
func (f *PaymentFlow) PrincipalIn(c amount.WalletCurrency) amount.Any {
	if c == amount.CurrencyUSD {
		return f.UsdPaymentAmount.Any()
	}

	return f.BtcPaymentAmount.Any()
}

// NetworkFee is the part of the protocol fee paid to the network.
func (f *PaymentFlow) NetworkFee() amount.Sats {
	fee, err := f.BtcProtocolFee.Sub(f.BankFee)
	if err != nil {
		return amount.NewSats(0)
	}

	return fee
}

// Ratio is the price implied by the flow's own two principal views.
func (f *PaymentFlow) Ratio() price.Ratio {
	return f.ratio
}

// Category returns the limits category the flow counts against.
func (f *PaymentFlow) Category() ledger.Category {
	if f.Method != ledger.SettlementIntraLedger {
		return ledger.CategoryWithdrawal
	}

	r, err := f.Recipient.UnwrapOrErr(errNoRecipient)
	if err == nil && r.AccountID == f.Sender.AccountID {
		return ledger.CategoryTradeIntraAccount
	}

	return ledger.CategoryIntraLedger
}

// PaymentHash returns the invoice payment hash of a Lightning flow.
func (f *PaymentFlow) PaymentHash() fn.Option[lntypes.Hash] {
	if f.Invoice == nil || f.Invoice.PaymentHash == nil {
		return fn.None[lntypes.Hash]()
	}

	return fn.Some(lntypes.Hash(*f.Invoice.PaymentHash))
}

var errNoRecipient = payerr.Invariant("flow has no recipient wallet")
