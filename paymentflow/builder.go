package paymentflow

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/payerr"
	"github.com/satledger/paycore/price"
)

var (
	// ErrSelfPayment is returned when a wallet pays itself.
	ErrSelfPayment = payerr.New(
		payerr.KindValidation, "User tried to pay themselves",
	)

	// ErrInactiveAccount is returned when a locked or closed account
	// tries to send.
	ErrInactiveAccount = payerr.New(
		payerr.KindPolicy, "Account is inactive",
	)

	// ErrZeroAmount is returned for an explicit principal of zero.
	ErrZeroAmount = payerr.New(
		payerr.KindValidation, "Amount must be greater than zero",
	)

	// ErrFeeExceedsBalance is returned when a send-all cannot cover its
	// own fee.
	ErrFeeExceedsBalance = payerr.New(
		payerr.KindInsufficientFunds, "Fee exceeds wallet balance",
	)
)

// Amount is the principal handed to WithAmount, either an explicit value or
// the whole balance of a send-all.
type Amount struct {
	value   amount.Any
	sendAll bool
}

// Explicit is a principal chosen by the payer.
func Explicit(a amount.Any) Amount {
	return Amount{value: a}
}

// SendAll marks a payment of the whole balance. The fee is deducted from it
// once known.
func SendAll(balance amount.Any) Amount {
	return Amount{value: balance, sendAll: true}
}

// IsSendAll reports whether a is a send-all marker.
func (a Amount) IsSendAll() bool {
	return a.sendAll
}

// ConversionFns price one currency in the other. Payers in BTC are quoted
// with UsdFromBtc and payers in USD with BtcFromUsd, so both must be the
// dealer direction that favours the house for that payer.
type ConversionFns struct {
	UsdFromBtc func(context.Context, amount.Sats) (amount.Cents, error)
	BtcFromUsd func(context.Context, amount.Cents) (amount.Sats, error)
}

// DealerConversion returns the dealer functions for an outgoing payment.
func DealerConversion(d *price.Dealer) ConversionFns {
	return ConversionFns{
		UsdFromBtc: d.CentsFromSatsForImmediateSell,
		BtcFromUsd: d.SatsFromCentsForImmediateBuy,
	}
}

// state is the flow under construction. Each stage copies it, so a stage
// value can be reused without seeing later mutations.
type state struct {
	flow   PaymentFlow
	amount Amount

	recipientID directory.WalletID
}

// step runs f on a copy of the state unless r already holds an error, in
// which case r is returned untouched.
func step(r fn.Result[*state], f func(*state) error) fn.Result[*state] {
	s, err := r.Unpack()
	if err != nil {
		return r
	}

	next := *s
	if err := f(&next); err != nil {
		log.Debugf("Payment flow rejected: %v", err)
		return fn.Err[*state](err)
	}

	return fn.Ok(&next)
}

// Builder is the entry stage of a payment flow.
type Builder struct {
	res fn.Result[*state]
}

// NewBuilder starts a new payment flow.
func NewBuilder() Builder {
	return Builder{res: fn.Ok(&state{})}
}

// WithAddress sends to an on-chain address.
func (b Builder) WithAddress(addr btcutil.Address) AddressOrInvoiceSet {
	return AddressOrInvoiceSet{res: step(b.res, func(s *state) error {
		if addr == nil {
			return payerr.Validation("missing destination address")
		}
		s.flow.Destination = DestinationAddress
		s.flow.Address = addr

		return nil
	})}
}

// WithInvoice pays a Lightning invoice.
func (b Builder) WithInvoice(inv *zpay32.Invoice) AddressOrInvoiceSet {
	return AddressOrInvoiceSet{res: step(b.res, func(s *state) error {
		if inv == nil || inv.PaymentHash == nil {
			return payerr.Validation("missing destination invoice")
		}
		s.flow.Destination = DestinationInvoice
		s.flow.Invoice = inv

		return nil
	})}
}

// WithRecipientWalletID sends to a wallet on this ledger.
func (b Builder) WithRecipientWalletID(
	id directory.WalletID) AddressOrInvoiceSet {

	return AddressOrInvoiceSet{res: step(b.res, func(s *state) error {
		if id == "" {
			return payerr.Validation("missing recipient wallet id")
		}
		s.flow.Destination = DestinationWallet
		s.recipientID = id

		return nil
	})}
}

// AddressOrInvoiceSet is a flow whose destination is known.
type AddressOrInvoiceSet struct {
	res fn.Result[*state]
}

// Err returns the error that poisoned the flow, if any.
func (b AddressOrInvoiceSet) Err() error {
	_, err := b.res.Unpack()
	return err
}

// WithSenderWalletAndAccount sets the paying wallet. The account must own the
// wallet and be active.
func (b AddressOrInvoiceSet) WithSenderWalletAndAccount(
	w *directory.WalletDescriptor, acct *directory.Account) SenderSet {

	return SenderSet{res: step(b.res, func(s *state) error {
		switch {
		case w == nil || acct == nil:
			return payerr.Validation("missing sender")

		case w.AccountID != acct.ID:
			return payerr.Validation("wallet %v does not belong "+
				"to account", w.ID)

		case !acct.IsActive():
			return ErrInactiveAccount
		}

		s.flow.Sender = w
		s.flow.SenderAccount = acct

		return nil
	})}
}

// SenderSet is a flow with a destination and a sender.
type SenderSet struct {
	res fn.Result[*state]
}

// Err returns the error that poisoned the flow, if any.
func (b SenderSet) Err() error {
	_, err := b.res.Unpack()
	return err
}

// WithoutRecipientWallet settles the flow outside the ledger, on chain for an
// address and over Lightning for an invoice.
func (b SenderSet) WithoutRecipientWallet() RecipientResolved {
	return RecipientResolved{res: step(b.res, func(s *state) error {
		switch s.flow.Destination {
		case DestinationAddress:
			s.flow.Method = ledger.SettlementOnChain

		case DestinationInvoice:
			s.flow.Method = ledger.SettlementLightning

		default:
			return payerr.Invariant("destination %v needs a "+
				"recipient wallet", s.flow.Destination)
		}

		if s.flow.Sender.Currency != amount.CurrencyBTC {
			return payerr.NotImplemented(
				s.flow.Sender.Currency.String() + " " +
					s.flow.Method.String() + " send",
			)
		}
		s.flow.Recipient = fn.None[*directory.WalletDescriptor]()

		return nil
	})}
}

// WithRecipientWallet settles the flow on the ledger. Any destination kind may
// resolve to an internal wallet.
func (b SenderSet) WithRecipientWallet(
	w *directory.WalletDescriptor) RecipientResolved {

	return RecipientResolved{res: step(b.res, func(s *state) error {
		switch {
		case w == nil:
			return payerr.Validation("missing recipient wallet")

		case w.ID == s.flow.Sender.ID:
			return ErrSelfPayment

		case s.flow.Destination == DestinationWallet &&
			w.ID != s.recipientID:

			return payerr.Invariant("recipient %v does not match "+
				"requested wallet %v", w.ID, s.recipientID)
		}

		s.flow.Method = ledger.SettlementIntraLedger
		s.flow.Recipient = fn.Some(w)

		return nil
	})}
}

// RecipientResolved is a flow whose settlement method is fixed.
type RecipientResolved struct {
	res fn.Result[*state]
}

// Err returns the error that poisoned the flow, if any.
func (b RecipientResolved) Err() error {
	_, err := b.res.Unpack()
	return err
}

// WithAmount sets the principal, in the sender wallet's currency.
func (b RecipientResolved) WithAmount(a Amount) AmountSet {
	return AmountSet{res: step(b.res, func(s *state) error {
		if a.value.Currency != s.flow.Sender.Currency {
			return payerr.Validation("amount in %v for a %v "+
				"wallet", a.value.Currency,
				s.flow.Sender.Currency)
		}
		if a.value.Units == 0 {
			if a.sendAll {
				return ErrFeeExceedsBalance
			}

			return ErrZeroAmount
		}
		if err := a.value.CheckMax(); err != nil {
			return err
		}
		s.amount = a
		s.flow.SendAll = a.sendAll

		return nil
	})}
}

// AmountSet is a flow with a principal in the sender's currency.
type AmountSet struct {
	res fn.Result[*state]
}

// Err returns the error that poisoned the flow, if any.
func (b AmountSet) Err() error {
	_, err := b.res.Unpack()
	return err
}

// WithConversion prices the principal in the other currency. The two views
// fix the flow's price ratio, used for all later fee conversions.
func (b AmountSet) WithConversion(ctx context.Context,
	fns ConversionFns) ConversionApplied {

	return ConversionApplied{res: step(b.res, func(s *state) error {
		switch s.flow.Sender.Currency {
		case amount.CurrencyBTC:
			btc, err := amount.As[amount.BTC](s.amount.value)
			if err != nil {
				return err
			}
			usd, err := fns.UsdFromBtc(ctx, btc)
			if err != nil {
				return priceErr(err)
			}
			s.flow.BtcPaymentAmount = btc
			s.flow.UsdPaymentAmount = usd

		case amount.CurrencyUSD:
			usd, err := amount.As[amount.USD](s.amount.value)
			if err != nil {
				return err
			}
			btc, err := fns.BtcFromUsd(ctx, usd)
			if err != nil {
				return priceErr(err)
			}
			s.flow.BtcPaymentAmount = btc
			s.flow.UsdPaymentAmount = usd

		default:
			return payerr.Invariant("unknown sender currency %v",
				s.flow.Sender.Currency)
		}

		ratio, err := price.NewRatio(
			s.flow.UsdPaymentAmount, s.flow.BtcPaymentAmount,
		)
		if err != nil {
			return err
		}
		s.flow.ratio = ratio

		return nil
	})}
}

// priceErr classifies a conversion failure. Errors that already carry a kind
// keep it.
func priceErr(err error) error {
	var perr *payerr.Error
	if errors.As(err, &perr) {
		return err
	}

	return payerr.Dependency("price", err)
}

// ConversionApplied is a flow priced in both currencies.
type ConversionApplied struct {
	res fn.Result[*state]
}

// Err returns the error that poisoned the flow, if any.
func (b ConversionApplied) Err() error {
	_, err := b.res.Unpack()
	return err
}

// ProposedAmounts returns the principal in both currencies before fees.
func (b ConversionApplied) ProposedAmounts() (Totals, error) {
	s, err := b.res.Unpack()
	if err != nil {
		return Totals{}, err
	}

	return Totals{
		Btc: s.flow.BtcPaymentAmount,
		Usd: s.flow.UsdPaymentAmount,
	}, nil
}

// WithBankFee adds the bank's own fee. It is charged on top of the network
// fee set by the fee stage.
func (b ConversionApplied) WithBankFee(fee amount.Sats) ConversionApplied {
	return ConversionApplied{res: step(b.res, func(s *state) error {
		if s.flow.Method == ledger.SettlementIntraLedger &&
			!fee.IsZero() {

			return payerr.Invariant("bank fee on an intraledger " +
				"flow")
		}
		s.flow.BankFee = fee

		return nil
	})}
}

// WithMinerFee sets the on-chain fee.
func (b ConversionApplied) WithMinerFee(fee amount.Sats) FeeApplied {
	return FeeApplied{res: step(b.res, func(s *state) error {
		return s.applyFee(ledger.SettlementOnChain, fee)
	})}
}

// WithRoutingFee sets the Lightning routing fee.
func (b ConversionApplied) WithRoutingFee(fee amount.Sats) FeeApplied {
	return FeeApplied{res: step(b.res, func(s *state) error {
		return s.applyFee(ledger.SettlementLightning, fee)
	})}
}

// WithoutProtocolFee completes an intraledger flow, which pays no fee.
func (b ConversionApplied) WithoutProtocolFee() FeeApplied {
	return FeeApplied{res: step(b.res, func(s *state) error {
		return s.applyFee(
			ledger.SettlementIntraLedger, amount.NewSats(0),
		)
	})}
}

// applyFee sets the protocol fee in both currencies. The USD view is rounded
// up so the fee is never understated.
func (s *state) applyFee(method ledger.SettlementMethod,
	fee amount.Sats) error {

	if s.flow.Method != method {
		return payerr.Invariant("%v fee on a %v flow", method,
			s.flow.Method)
	}

	total, err := fee.CheckedAdd(s.flow.BankFee)
	if err != nil {
		return err
	}
	usdFee := s.flow.ratio.ConvertFromBtcToCeil(total)

	// Both debits must stay representable, so TotalAmountsForPayment
	// never overflows on a completed flow.
	if _, err := s.flow.BtcPaymentAmount.CheckedAdd(total); err != nil {
		return err
	}
	if _, err := s.flow.UsdPaymentAmount.CheckedAdd(usdFee); err != nil {
		return err
	}

	s.flow.BtcProtocolFee = total
	s.flow.UsdProtocolFee = usdFee

	return nil
}

// FeeApplied is a flow with principal and fee in both currencies.
type FeeApplied struct {
	res fn.Result[*state]
}

// Err returns the error that poisoned the flow, if any.
func (b FeeApplied) Err() error {
	_, err := b.res.Unpack()
	return err
}

// WithSendAll deducts the fee from the balance given to WithAmount, so the
// total debit is exactly the balance.
func (b FeeApplied) WithSendAll() Ready {
	return Ready{res: step(b.res, func(s *state) error {
		if !s.amount.sendAll {
			return payerr.Invariant("send-all on an explicit " +
				"amount")
		}

		btc, err := s.flow.BtcPaymentAmount.Sub(s.flow.BtcProtocolFee)
		if err != nil || btc.IsZero() {
			return ErrFeeExceedsBalance
		}
		usd, err := s.flow.UsdPaymentAmount.Sub(s.flow.UsdProtocolFee)
		if err != nil {
			return ErrFeeExceedsBalance
		}

		s.flow.BtcPaymentAmount = btc
		s.flow.UsdPaymentAmount = usd

		return nil
	})}
}

// WithoutSendAll keeps the principal as given.
func (b FeeApplied) WithoutSendAll() Ready {
	return Ready{res: step(b.res, func(s *state) error {
		if s.amount.sendAll {
			return payerr.Invariant("explicit amount on a " +
				"send-all flow")
		}

		return nil
	})}
}

// Ready is a completed flow.
type Ready struct {
	res fn.Result[*state]
}

// Flow returns the completed payment flow, or the first error any stage
// produced.
func (b Ready) Flow() (*PaymentFlow, error) {
	s, err := b.res.Unpack()
	if err != nil {
		return nil, err
	}

	flow := s.flow

	return &flow, nil
}
