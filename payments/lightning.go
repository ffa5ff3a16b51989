package payments

import (
	"context"
	"errors"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/paymentflow"
	"github.com/satledger/paycore/payerr"
	"github.com/satledger/paycore/settlement"
	"github.com/satledger/paycore/walletlock"
	"github.com/shopspring/decimal"
)

// InvoiceRequest asks to pay a BOLT-11 invoice.
type InvoiceRequest struct {
	SenderAccountID directory.AccountID
	SenderWalletID  directory.WalletID

	Invoice string

	// Amount in sats is required for invoices without an amount and must
	// be zero otherwise.
	Amount uint64

	Memo string
}

// PayLightningInvoice pays an invoice. Invoices issued by a wallet on this
// ledger are settled intraledger instead.
func (o *Orchestrator) PayLightningInvoice(ctx context.Context,
	req *InvoiceRequest) (*Receipt, error) {

	a := o.begin(ledger.SettlementLightning, req.SenderWalletID)
	r, err := o.payInvoice(ctx, a, req)

	return o.finish(ctx, a, r, err)
}

func (o *Orchestrator) payInvoice(ctx context.Context, a *attempt,
	req *InvoiceRequest) (*Receipt, error) {

	if err := o.checkMemo(req.Memo); err != nil {
		return nil, err
	}

	invoice, err := zpay32.Decode(req.Invoice, o.cfg.ChainParams)
	if err != nil {
		return nil, ErrInvalidInvoice
	}
	expiry := invoice.Timestamp.Add(invoice.Expiry())
	if !o.cfg.Clock.Now().Before(expiry) {
		return nil, ErrInvoiceExpired
	}

	sats, err := invoiceAmount(invoice, req.Amount)
	if err != nil {
		return nil, err
	}

	account, sender, err := o.loadSender(
		ctx, req.SenderAccountID, req.SenderWalletID,
	)
	if err != nil {
		return nil, err
	}

	// Invoices are denominated in sats, which only BTC wallets hold.
	if sender.Currency != amount.CurrencyBTC {
		return nil, payerr.NotImplemented(
			sender.Currency.String() + " lightning send",
		)
	}
	principal := paymentflow.Explicit(sats.Any())

	hash := lntypes.Hash(*invoice.PaymentHash)
	recipient, err := o.cfg.Directory.FindWalletByPaymentHash(ctx, hash)
	switch {
	case err == nil:
		log.DebugS(ctx, "Invoice is internal, settling intraledger",
			"wallet_id", sender.ID, "recipient_id", recipient.ID,
			"payment_hash", hash.String())

		a.method = ledger.SettlementIntraLedger

		return o.payInternal(
			ctx, a, paymentflow.NewBuilder().WithInvoice(invoice),
			&internalPayment{
				account:        account,
				sender:         sender,
				recipient:      recipient,
				amount:         principal,
				memo:           req.Memo,
				idempotencyKey: hash.String(),
			},
		)

	case !errors.Is(err, directory.ErrWalletNotFound):
		return nil, err
	}

	converted := paymentflow.NewBuilder().
		WithInvoice(invoice).
		WithSenderWalletAndAccount(sender, account).
		WithoutRecipientWallet().
		WithAmount(principal).
		WithConversion(ctx, o.conversion())

	proposed, err := converted.ProposedAmounts()
	if err != nil {
		return nil, err
	}

	a.to(ctx, stateLimitChecking)
	err = o.checkLimits(
		ctx, account, ledger.CategoryWithdrawal, proposed,
	)
	if err != nil {
		return nil, err
	}

	if err := o.checkBalance(ctx, sender, sats.Any()); err != nil {
		return nil, err
	}

	// Only amountless invoices need the amount passed to the node.
	var explicit amount.Sats
	if invoice.MilliSat == nil {
		explicit = sats
	}

	feeLimit, err := o.cfg.Lightning.RouteFee(ctx, req.Invoice, explicit)
	if err != nil {
		feeLimit = o.maxRoutingFee(sats)
		log.WarnS(ctx, "Route fee estimate failed, using max fee", err,
			"wallet_id", sender.ID, "payment_hash", hash.String(),
			"fee_limit_sats", feeLimit.Units())
	}

	flow, err := converted.WithRoutingFee(feeLimit).WithoutSendAll().Flow()
	if err != nil {
		return nil, err
	}

	// The fee limit is reserved along with the principal, so a wallet that
	// cannot cover both never takes the lock.
	totals := flow.TotalAmountsForPayment()
	if err := o.checkBalance(ctx, sender, totals.Btc.Any()); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err = o.cfg.Locker.WithLock(ctx, sender.ID,
		func(ctx context.Context, sig walletlock.Signal) error {
			var err error
			receipt, err = o.executeLightning(
				ctx, a, sig, flow, hash, req, explicit,
			)

			return err
		},
	)
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

// invoiceAmount returns the amount to pay for an invoice.
func invoiceAmount(invoice *zpay32.Invoice,
	requested uint64) (amount.Sats, error) {

	if invoice.MilliSat == nil {
		if requested == 0 {
			return amount.Sats{}, ErrInvoiceAmount
		}

		return amount.NewSats(requested), nil
	}

	sats, err := amount.SatsFromBtcutil(invoice.MilliSat.ToSatoshis())
	if err != nil {
		return amount.Sats{}, err
	}
	if requested != 0 || sats.IsZero() {
		return amount.Sats{}, ErrInvoiceAmount
	}

	return sats, nil
}

// maxRoutingFee is the fee limit used when the route fee estimate fails. It
// is never below one sat.
func (o *Orchestrator) maxRoutingFee(sats amount.Sats) amount.Sats {
	fee := decimal.NewFromInt(int64(sats.Btcutil())).Mul(
		o.cfg.MaxFeeRatio,
	).Ceil()
	if !fee.IsPositive() {
		return amount.NewSats(1)
	}

	return amount.NewSats(uint64(fee.IntPart()))
}

// executeLightning runs inside the sender's lock.
func (o *Orchestrator) executeLightning(ctx context.Context, a *attempt,
	sig walletlock.Signal, flow *paymentflow.PaymentFlow, hash lntypes.Hash,
	req *InvoiceRequest, explicit amount.Sats) (*Receipt, error) {

	a.to(ctx, stateLockAcquired)

	// The full fee limit must be covered, since that is what an
	// in-flight payment reserves.
	totals := flow.TotalAmountsForPayment()
	if err := o.checkBalance(ctx, flow.Sender, totals.Btc.Any()); err != nil {
		return nil, err
	}
	a.to(ctx, stateBalanceRechecked)

	if err := sig.Check(); err != nil {
		return nil, err
	}

	a.to(ctx, stateExecuting)
	result, err := o.cfg.Lightning.SendPayment(ctx,
		&settlement.PaymentRequest{
			Invoice:     req.Invoice,
			PaymentHash: hash,
			Amount:      explicit,
			FeeLimit:    flow.BtcProtocolFee,
			Timeout:     o.cfg.PaymentTimeout,
		},
	)
	if err != nil {
		return nil, payerr.Dependency("lightning settlement", err)
	}

	var (
		fee     amount.Sats
		pending bool
		status  = StatusSuccess
		event   = notify.EventPaymentSent
	)
	switch result.Status {
	case settlement.PaymentSucceeded:
		fee = result.Fee
		if flow.BtcProtocolFee.LessThan(fee) {
			log.WarnS(ctx, "Routing fee above limit",
				payerr.Invariant("fee over limit"),
				"fee_sats", fee.Units(),
				"limit_sats", flow.BtcProtocolFee.Units())

			fee = flow.BtcProtocolFee
		}

	case settlement.PaymentInFlight:
		fee = flow.BtcProtocolFee
		pending = true
		status = StatusPending
		event = notify.EventPaymentPending

	default:
		log.InfoS(ctx, "Lightning payment failed",
			"wallet_id", flow.Sender.ID,
			"payment_hash", hash.String(),
			"reason", result.FailureReason)

		return nil, ErrLightningPaymentFailed
	}

	if sig.Aborted() {
		log.WarnS(ctx, "Lock lease lost after payment, recording "+
			"anyway", walletlock.ErrLockExpired,
			"payment_hash", hash.String())
	}

	a.to(ctx, stateRecording)
	entry := &ledger.SendEntry{
		Sender:        flow.Sender,
		Method:        ledger.SettlementLightning,
		Principal:     flow.BtcPaymentAmount,
		ProtocolFee:   fee,
		DisplayAmount: flow.UsdPaymentAmount,
		DisplayFee:    flow.Ratio().ConvertFromBtcToCeil(fee),
		ExternalRef:   hash.String(),
		Memo:          req.Memo,
		Pending:       pending,
	}
	id, err := o.cfg.Ledger.RecordSend(ctx, entry)
	if err != nil {
		log.CriticalS(ctx, "Sent payment not recorded", err,
			"wallet_id", flow.Sender.ID,
			"payment_hash", hash.String(),
			"total_sats", entry.Total().Units())

		return nil, err
	}

	o.notify(ctx, &notify.Event{
		Type:          event,
		AccountID:     flow.Sender.AccountID,
		WalletID:      flow.Sender.ID,
		Amount:        entry.Total().Any(),
		DisplayAmount: flow.UsdPaymentAmount,
		Method:        ledger.SettlementLightning,
		JournalID:     id,
	})

	return &Receipt{
		Status:      status,
		Method:      ledger.SettlementLightning,
		JournalID:   id,
		ExternalRef: hash.String(),
	}, nil
}
