package payments

import (
	"context"

	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/paymentflow"
	"github.com/satledger/paycore/walletlock"
	"golang.org/x/sync/errgroup"
)

// IntraledgerRequest asks to pay another wallet on this ledger, named either
// by wallet id or by the recipient's username.
type IntraledgerRequest struct {
	SenderAccountID directory.AccountID
	SenderWalletID  directory.WalletID

	RecipientWalletID directory.WalletID
	RecipientUsername string

	// Amount is in the sender wallet's minor unit. Ignored for send-all.
	Amount  uint64
	SendAll bool

	Memo string

	// IdempotencyKey, if set, makes a retried request return the first
	// journal instead of paying twice.
	IdempotencyKey string
}

// internalPayment is a resolved wallet-to-wallet payment.
type internalPayment struct {
	account   *directory.Account
	sender    *directory.WalletDescriptor
	recipient *directory.WalletDescriptor
	amount    paymentflow.Amount

	memo           string
	idempotencyKey string
}

// PayIntraledger pays a wallet on this ledger. Wallets of the same account
// trade with each other; wallets of different accounts transfer.
func (o *Orchestrator) PayIntraledger(ctx context.Context,
	req *IntraledgerRequest) (*Receipt, error) {

	a := o.begin(ledger.SettlementIntraLedger, req.SenderWalletID)
	r, err := o.payIntraledger(ctx, a, req)

	return o.finish(ctx, a, r, err)
}

func (o *Orchestrator) payIntraledger(ctx context.Context, a *attempt,
	req *IntraledgerRequest) (*Receipt, error) {

	if err := o.checkMemo(req.Memo); err != nil {
		return nil, err
	}

	recipient, err := o.resolveRecipient(ctx, req)
	if err != nil {
		return nil, err
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

	return o.payInternal(
		ctx, a, paymentflow.NewBuilder().WithRecipientWalletID(
			recipient.ID,
		),
		&internalPayment{
			account:        account,
			sender:         sender,
			recipient:      recipient,
			amount:         principal,
			memo:           req.Memo,
			idempotencyKey: req.IdempotencyKey,
		},
	)
}

// resolveRecipient finds the recipient wallet by id, or the default wallet
// of the account with the given username.
func (o *Orchestrator) resolveRecipient(ctx context.Context,
	req *IntraledgerRequest) (*directory.WalletDescriptor, error) {

	switch {
	case req.RecipientWalletID != "":
		return o.cfg.Directory.FindWalletByID(ctx, req.RecipientWalletID)

	case req.RecipientUsername != "":
		account, err := o.cfg.Directory.FindAccountByUsername(
			ctx, req.RecipientUsername,
		)
		if err != nil {
			return nil, err
		}

		return o.cfg.Directory.FindWalletByID(
			ctx, account.DefaultWalletID,
		)

	default:
		return nil, ErrMissingRecipient
	}
}

// payInternal settles a payment between two wallets on this ledger. entry
// carries however the destination was given.
func (o *Orchestrator) payInternal(ctx context.Context, a *attempt,
	entry paymentflow.AddressOrInvoiceSet,
	p *internalPayment) (*Receipt, error) {

	withFee := entry.
		WithSenderWalletAndAccount(p.sender, p.account).
		WithRecipientWallet(p.recipient).
		WithAmount(p.amount).
		WithConversion(ctx, o.conversion()).
		WithoutProtocolFee()

	var ready paymentflow.Ready
	if p.amount.IsSendAll() {
		ready = withFee.WithSendAll()
	} else {
		ready = withFee.WithoutSendAll()
	}
	flow, err := ready.Flow()
	if err != nil {
		return nil, err
	}

	// The recipient's account is needed for the notification and the
	// limit check does not depend on it, so both run at once.
	a.to(ctx, stateLimitChecking)
	var recipientAccount *directory.Account
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.checkLimits(
			gctx, p.account, flow.Category(),
			paymentflow.Totals{
				Btc: flow.BtcPaymentAmount,
				Usd: flow.UsdPaymentAmount,
			},
		)
	})
	g.Go(func() error {
		var err error
		recipientAccount, err = o.cfg.Directory.FindAccountByID(
			gctx, p.recipient.AccountID,
		)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := flow.TotalInSenderCurrency()
	if err := o.checkBalance(ctx, p.sender, total); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err = o.cfg.Locker.WithLock(ctx, p.sender.ID,
		func(ctx context.Context, sig walletlock.Signal) error {
			a.to(ctx, stateLockAcquired)

			err := o.checkBalance(ctx, p.sender, total)
			if err != nil {
				return err
			}
			a.to(ctx, stateBalanceRechecked)

			if err := sig.Check(); err != nil {
				return err
			}

			a.to(ctx, stateRecording)
			receipt, err = o.recordInternal(ctx, flow, p)

			return err
		},
	)
	if err != nil {
		return nil, err
	}

	o.notifyRecipient(ctx, flow, p.recipient, recipientAccount,
		receipt.JournalID)

	return receipt, nil
}

// recordInternal appends the transfer journal.
func (o *Orchestrator) recordInternal(ctx context.Context,
	flow *paymentflow.PaymentFlow, p *internalPayment) (*Receipt, error) {

	entry := &ledger.TransferEntry{
		Sender:          p.sender,
		Recipient:       p.recipient,
		SenderAmount:    flow.PrincipalIn(p.sender.Currency),
		RecipientAmount: flow.PrincipalIn(p.recipient.Currency),
		DisplayAmount:   flow.UsdPaymentAmount,
		IdempotencyKey:  p.idempotencyKey,
		Memo:            p.memo,
		SendAll:         flow.SendAll,
	}

	record := o.cfg.Ledger.RecordIntraledger
	if flow.Category() == ledger.CategoryTradeIntraAccount {
		record = o.cfg.Ledger.RecordTrade
	}

	id, err := record(ctx, entry)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Status:    StatusSuccess,
		Method:    ledger.SettlementIntraLedger,
		JournalID: id,
	}, nil
}

// notifyRecipient tells the recipient about the payment, in their language
// when the user record can be found.
func (o *Orchestrator) notifyRecipient(ctx context.Context,
	flow *paymentflow.PaymentFlow, recipient *directory.WalletDescriptor,
	account *directory.Account, id ledger.JournalID) {

	var language string
	user, err := o.cfg.Directory.FindUserByID(ctx, account.OwnerID)
	if err != nil {
		log.DebugS(ctx, "Recipient user not found",
			"account_id", account.ID, "reason", err.Error())
	} else {
		language = user.Language
	}

	o.notify(ctx, &notify.Event{
		Type:          notify.EventIntraLedgerReceived,
		AccountID:     recipient.AccountID,
		WalletID:      recipient.ID,
		Amount:        flow.PrincipalIn(recipient.Currency),
		DisplayAmount: flow.UsdPaymentAmount,
		Method:        ledger.SettlementIntraLedger,
		JournalID:     id,
		Language:      language,
	})
}
