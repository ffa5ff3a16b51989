package ledger

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payerr"
)

// SendEntry describes value leaving the system from a BTC wallet.
type SendEntry struct {
	Sender *directory.WalletDescriptor
	Method SettlementMethod

	Principal   amount.Sats
	ProtocolFee amount.Sats
	BankFee     amount.Sats

	// BankFeeWallet receives the bank fee. If unset the fee goes to the
	// BankFee system account.
	BankFeeWallet fn.Option[directory.WalletID]

	DisplayAmount amount.Cents
	DisplayFee    amount.Cents

	ExternalRef string
	Memo        string
	SendAll     bool
	Pending     bool
}

// Total returns principal plus every fee.
func (e *SendEntry) Total() amount.Sats {
	return e.Principal.Add(e.ProtocolFee).Add(e.BankFee)
}

// RecordSend debits the sender for principal and fees and credits the
// external settlement account and the bank fee account, in one append. It is
// idempotent on ExternalRef.
func (s *Store) RecordSend(ctx context.Context,
	e *SendEntry) (JournalID, error) {

	if e.Sender.Currency != amount.CurrencyBTC {
		return JournalID{}, payerr.NotImplemented(
			"external send from non-BTC wallet",
		)
	}

	if e.Pending && (e.Method != SettlementLightning ||
		e.ExternalRef == "") {

		return JournalID{}, payerr.Invariant("only a Lightning send " +
			"with a payment hash can be pending")
	}

	var external BookAccount
	switch e.Method {
	case SettlementOnChain:
		external = ExternalOnChain
	case SettlementLightning:
		external = ExternalLightning
	default:
		return JournalID{}, payerr.Invariant("method %v is not an "+
			"external send", e.Method)
	}

	btc := amount.CurrencyBTC
	postings := []Posting{{
		Account:   WalletAccount(e.Sender.ID),
		Currency:  btc,
		Direction: Debit,
		Units:     e.Total().Units(),
	}, {
		Account:   external,
		Currency:  btc,
		Direction: Credit,
		Units:     e.Principal.Add(e.ProtocolFee).Units(),
	}}

	if !e.BankFee.IsZero() {
		feeAccount := BankFee
		e.BankFeeWallet.WhenSome(func(id directory.WalletID) {
			feeAccount = WalletAccount(id)
		})

		postings = append(postings, Posting{
			Account:   feeAccount,
			Currency:  btc,
			Direction: Credit,
			Units:     e.BankFee.Units(),
		})
	}

	id, _, err := s.appendJournal(ctx, &Journal{
		Category:      CategoryWithdrawal,
		Method:        e.Method,
		ExternalRef:   e.ExternalRef,
		Postings:      postings,
		DisplayAmount: e.DisplayAmount,
		DisplayFee:    e.DisplayFee,
		Memo:          e.Memo,
		SendAll:       e.SendAll,
		Pending:       e.Pending,
	})

	return id, err
}

// TransferEntry describes a movement between two wallets held here. The
// amounts are in each wallet's own currency; when the currencies differ the
// dealer books take the other side of each leg.
type TransferEntry struct {
	Sender    *directory.WalletDescriptor
	Recipient *directory.WalletDescriptor

	SenderAmount    amount.Any
	RecipientAmount amount.Any

	DisplayAmount amount.Cents

	// IdempotencyKey is stored as the journal's external reference.
	IdempotencyKey string
	Memo           string
	SendAll        bool
}

// RecordIntraledger records a transfer to a wallet of another account.
func (s *Store) RecordIntraledger(ctx context.Context,
	e *TransferEntry) (JournalID, error) {

	if e.Sender.AccountID == e.Recipient.AccountID {
		return JournalID{}, payerr.Invariant("intraledger transfer " +
			"within one account must be recorded as a trade")
	}

	return s.recordTransfer(ctx, e, CategoryIntraLedger)
}

// RecordTrade records a transfer between two wallets of the same account.
func (s *Store) RecordTrade(ctx context.Context,
	e *TransferEntry) (JournalID, error) {

	if e.Sender.AccountID != e.Recipient.AccountID {
		return JournalID{}, payerr.Invariant("trade across accounts " +
			"must be recorded as intraledger")
	}

	return s.recordTransfer(ctx, e, CategoryTradeIntraAccount)
}

func (s *Store) recordTransfer(ctx context.Context, e *TransferEntry,
	category Category) (JournalID, error) {

	switch {
	case e.Sender.ID == e.Recipient.ID:
		return JournalID{}, payerr.Policy("cannot send to self")

	case e.SenderAmount.Currency != e.Sender.Currency,
		e.RecipientAmount.Currency != e.Recipient.Currency:

		return JournalID{}, payerr.Invariant("transfer amounts do " +
			"not match wallet currencies")
	}

	debit := Posting{
		Account:   WalletAccount(e.Sender.ID),
		Currency:  e.Sender.Currency,
		Direction: Debit,
		Units:     e.SenderAmount.Units,
	}
	credit := Posting{
		Account:   WalletAccount(e.Recipient.ID),
		Currency:  e.Recipient.Currency,
		Direction: Credit,
		Units:     e.RecipientAmount.Units,
	}

	postings := []Posting{debit, credit}
	if e.Sender.Currency != e.Recipient.Currency {
		postings = append(postings, Posting{
			Account:   DealerAccount(e.Sender.Currency),
			Currency:  e.Sender.Currency,
			Direction: Credit,
			Units:     e.SenderAmount.Units,
		}, Posting{
			Account:   DealerAccount(e.Recipient.Currency),
			Currency:  e.Recipient.Currency,
			Direction: Debit,
			Units:     e.RecipientAmount.Units,
		})
	}

	id, _, err := s.appendJournal(ctx, &Journal{
		Category:      category,
		Method:        SettlementIntraLedger,
		ExternalRef:   e.IdempotencyKey,
		Postings:      postings,
		DisplayAmount: e.DisplayAmount,
		Memo:          e.Memo,
		SendAll:       e.SendAll,
	})

	return id, err
}

// RecordDeposit credits a wallet with value received from outside the
// system. It is idempotent on ref.
func (s *Store) RecordDeposit(ctx context.Context,
	w *directory.WalletDescriptor, amt amount.Any,
	ref string) (JournalID, error) {

	if amt.Currency != w.Currency {
		return JournalID{}, payerr.Invariant("deposit currency %v "+
			"does not match wallet %v", amt.Currency, w.ID)
	}
	if err := amt.CheckMax(); err != nil {
		return JournalID{}, err
	}

	id, _, err := s.appendJournal(ctx, &Journal{
		Category:    CategoryNone,
		Method:      SettlementDeposit,
		ExternalRef: ref,
		Postings: []Posting{{
			Account:   ExternalDeposit,
			Currency:  w.Currency,
			Direction: Debit,
			Units:     amt.Units,
		}, {
			Account:   WalletAccount(w.ID),
			Currency:  w.Currency,
			Direction: Credit,
			Units:     amt.Units,
		}},
	})

	return id, err
}
