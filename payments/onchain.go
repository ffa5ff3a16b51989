package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/paymentflow"
	"github.com/satledger/paycore/payerr"
	"github.com/satledger/paycore/walletlock"
)

// OnChainRequest asks to pay an on-chain address.
type OnChainRequest struct {
	SenderAccountID directory.AccountID
	SenderWalletID  directory.WalletID

	Address string

	// Amount is in the sender wallet's minor unit. Ignored for send-all.
	Amount  uint64
	SendAll bool

	TargetConfs uint32
	Memo        string
}

// PayOnChain pays an on-chain address. An address owned by a wallet on this
// ledger is settled intraledger instead.
func (o *Orchestrator) PayOnChain(ctx context.Context,
	req *OnChainRequest) (*Receipt, error) {

	a := o.begin(ledger.SettlementOnChain, req.SenderWalletID)
	r, err := o.payOnChain(ctx, a, req)

	return o.finish(ctx, a, r, err)
}

func (o *Orchestrator) payOnChain(ctx context.Context, a *attempt,
	req *OnChainRequest) (*Receipt, error) {

	if err := o.checkMemo(req.Memo); err != nil {
		return nil, err
	}
	if req.TargetConfs < MinTargetConfs || req.TargetConfs > MaxTargetConfs {
		return nil, ErrInvalidTargetConfs
	}

	addr, err := btcutil.DecodeAddress(req.Address, o.cfg.ChainParams)
	if err != nil || !addr.IsForNet(o.cfg.ChainParams) {
		return nil, ErrInvalidAddress
	}

	account, sender, err := o.loadSender(
		ctx, req.SenderAccountID, req.SenderWalletID,
	)
	if err != nil {
		return nil, err
	}

	principal, err := o.principal(ctx, sender, req.Amount, req.SendAll)
	if err != nil {
		return nil, err
	}

	recipient, err := o.cfg.Directory.FindWalletByAddress(
		ctx, addr.EncodeAddress(),
	)
	switch {
	case err == nil:
		log.DebugS(ctx, "Address is internal, settling intraledger",
			"wallet_id", sender.ID, "recipient_id", recipient.ID)

		a.method = ledger.SettlementIntraLedger
		builder := paymentflow.NewBuilder().WithAddress(addr)

		return o.payInternal(ctx, a, builder, &internalPayment{
			account:        account,
			sender:         sender,
			recipient:      recipient,
			amount:         principal,
			memo:           req.Memo,
			idempotencyKey: "",
		})

	case !errors.Is(err, directory.ErrWalletNotFound):
		return nil, err
	}

	converted := paymentflow.NewBuilder().
		WithAddress(addr).
		WithSenderWalletAndAccount(sender, account).
		WithoutRecipientWallet().
		WithAmount(principal).
		WithConversion(ctx, o.conversion())

	proposed, err := converted.ProposedAmounts()
	if err != nil {
		return nil, err
	}

	// An explicit principal is known now, so dust is refused before any
	// call to the node. A send-all principal depends on the fee.
	if !req.SendAll && proposed.Btc.LessThan(o.cfg.DustThreshold) {
		return nil, dustError(o.cfg.DustThreshold)
	}

	a.to(ctx, stateLimitChecking)
	err = o.checkLimits(
		ctx, account, ledger.CategoryWithdrawal, proposed,
	)
	if err != nil {
		return nil, err
	}

	estimate, err := o.cfg.OnChain.EstimateFee(
		ctx, addr, proposed.Btc, req.TargetConfs,
	)
	if err != nil {
		return nil, payerr.Dependency("on-chain fee estimate", err)
	}

	withFee := converted.
		WithBankFee(o.cfg.BankFees[account.Level]).
		WithMinerFee(estimate)

	var ready paymentflow.Ready
	if req.SendAll {
		ready = withFee.WithSendAll()
	} else {
		ready = withFee.WithoutSendAll()
	}
	flow, err := ready.Flow()
	if err != nil {
		return nil, err
	}

	if flow.BtcPaymentAmount.LessThan(o.cfg.DustThreshold) {
		return nil, dustError(o.cfg.DustThreshold)
	}

	totals := flow.TotalAmountsForPayment()
	if err := o.checkBalance(ctx, sender, totals.Btc.Any()); err != nil {
		return nil, err
	}

	hot, err := o.cfg.OnChain.Balance(ctx)
	if err != nil {
		return nil, payerr.Dependency("on-chain balance", err)
	}
	if hot.LessThan(totals.Btc) {
		log.WarnS(ctx, "Hot wallet cannot cover payment",
			ErrRebalanceNeeded, "hot_balance", hot.Units(),
			"needed", totals.Btc.Units())

		return nil, ErrRebalanceNeeded
	}

	var receipt *Receipt
	err = o.cfg.Locker.WithLock(ctx, sender.ID,
		func(ctx context.Context, sig walletlock.Signal) error {
			var err error
			receipt, err = o.executeOnChain(
				ctx, a, sig, flow, req,
			)

			return err
		},
	)
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

// executeOnChain runs inside the sender's lock.
func (o *Orchestrator) executeOnChain(ctx context.Context, a *attempt,
	sig walletlock.Signal, flow *paymentflow.PaymentFlow,
	req *OnChainRequest) (*Receipt, error) {

	a.to(ctx, stateLockAcquired)

	totals := flow.TotalAmountsForPayment()
	if err := o.checkBalance(ctx, flow.Sender, totals.Btc.Any()); err != nil {
		return nil, err
	}
	a.to(ctx, stateBalanceRechecked)

	// The fee is fetched again right before broadcast. It is only used
	// if the settled fee cannot be found afterwards.
	quoted := flow.NetworkFee()
	estimate, err := o.cfg.OnChain.EstimateFee(
		ctx, flow.Address, flow.BtcPaymentAmount, req.TargetConfs,
	)
	if err != nil {
		log.WarnS(ctx, "Fee re-estimate failed, keeping quote", err,
			"wallet_id", flow.Sender.ID)

		estimate = quoted
	}

	if err := sig.Check(); err != nil {
		return nil, err
	}

	a.to(ctx, stateExecuting)
	txHash, err := o.cfg.OnChain.PayToAddress(
		ctx, flow.Address, flow.BtcPaymentAmount, req.TargetConfs,
		fmt.Sprintf("wallet:%s", flow.Sender.ID),
	)
	if err != nil {
		log.ErrorS(ctx, "On-chain broadcast failed", err,
			"wallet_id", flow.Sender.ID,
			"address", flow.Address.EncodeAddress(),
			"amount_sats", flow.BtcPaymentAmount.Units())

		return nil, payerr.Dependency("on-chain settlement", err)
	}

	settled, err := o.cfg.OnChain.LookupSettledFee(
		ctx, txHash, o.cfg.ScanDepth,
	)
	if err != nil {
		log.ErrorS(ctx, "Settled fee lookup failed, using estimate",
			err, "tx_hash", txHash.String(),
			"estimate_sats", estimate.Units())

		if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncFeeFallback()
		}
		settled = estimate
	}

	// The sender never pays more than quoted. A send-all always pays
	// the quote so the wallet is left empty.
	fee := settled
	if flow.SendAll || quoted.LessThan(fee) {
		fee = quoted
	}

	if sig.Aborted() {
		log.WarnS(ctx, "Lock lease lost after broadcast, recording "+
			"anyway", walletlock.ErrLockExpired,
			"tx_hash", txHash.String())
	}

	a.to(ctx, stateRecording)
	entry := &ledger.SendEntry{
		Sender:        flow.Sender,
		Method:        ledger.SettlementOnChain,
		Principal:     flow.BtcPaymentAmount,
		ProtocolFee:   fee,
		BankFee:       flow.BankFee,
		BankFeeWallet: o.cfg.BankFeeWallet,
		DisplayAmount: flow.UsdPaymentAmount,
		DisplayFee: flow.Ratio().ConvertFromBtcToCeil(
			fee.Add(flow.BankFee),
		),
		ExternalRef: txHash.String(),
		Memo:        req.Memo,
		SendAll:     flow.SendAll,
	}
	id, err := o.cfg.Ledger.RecordSend(ctx, entry)
	if err != nil {
		log.CriticalS(ctx, "Broadcast payment not recorded", err,
			"wallet_id", flow.Sender.ID, "tx_hash", txHash.String(),
			"total_sats", entry.Total().Units())

		return nil, err
	}

	o.notify(ctx, &notify.Event{
		Type:          notify.EventPaymentSent,
		AccountID:     flow.Sender.AccountID,
		WalletID:      flow.Sender.ID,
		Amount:        entry.Total().Any(),
		DisplayAmount: flow.UsdPaymentAmount,
		Method:        ledger.SettlementOnChain,
		JournalID:     id,
	})

	return &Receipt{
		Status:      StatusSuccess,
		Method:      ledger.SettlementOnChain,
		JournalID:   id,
		ExternalRef: txHash.String(),
	}, nil
}
