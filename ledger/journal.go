package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payerr"
)

// JournalID uniquely identifies a journal.
type JournalID = uuid.UUID

// SettlementMethod is how value left or moved between wallets.
type SettlementMethod uint8

const (
	// SettlementIntraLedger moves value between two wallets held here.
	SettlementIntraLedger SettlementMethod = 1

	// SettlementOnChain broadcasts a bitcoin transaction.
	SettlementOnChain SettlementMethod = 2

	// SettlementLightning pays a Lightning invoice.
	SettlementLightning SettlementMethod = 3

	// SettlementDeposit credits a wallet from outside the system.
	SettlementDeposit SettlementMethod = 4
)

// String returns a human readable method.
func (m SettlementMethod) String() string {
	switch m {
	case SettlementIntraLedger:
		return "intraledger"
	case SettlementOnChain:
		return "onchain"
	case SettlementLightning:
		return "lightning"
	case SettlementDeposit:
		return "deposit"
	default:
		return fmt.Sprintf("SettlementMethod(%d)", uint8(m))
	}
}

// Category classifies the outgoing side of a journal for spend limits. A
// journal belongs to exactly one category.
type Category uint8

const (
	// CategoryNone is used for journals that no limit applies to, such as
	// deposits.
	CategoryNone Category = 0

	// CategoryWithdrawal covers value leaving the system.
	CategoryWithdrawal Category = 1

	// CategoryIntraLedger covers transfers to another account.
	CategoryIntraLedger Category = 2

	// CategoryTradeIntraAccount covers transfers between wallets of the
	// same account.
	CategoryTradeIntraAccount Category = 3
)

// String returns a human readable category.
func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryWithdrawal:
		return "withdrawal"
	case CategoryIntraLedger:
		return "intraledger"
	case CategoryTradeIntraAccount:
		return "trade-intra-account"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Direction is the side of a posting.
type Direction uint8

const (
	// Debit reduces the balance of a wallet.
	Debit Direction = 0

	// Credit increases the balance of a wallet.
	Credit Direction = 1
)

// BookAccount is either a wallet id or one of the system accounts below.
type BookAccount string

const (
	// ExternalOnChain is the counterparty of on-chain withdrawals.
	ExternalOnChain BookAccount = "sys:external:onchain"

	// ExternalLightning is the counterparty of Lightning payments.
	ExternalLightning BookAccount = "sys:external:lightning"

	// ExternalDeposit is the counterparty of deposits.
	ExternalDeposit BookAccount = "sys:external:deposit"

	// BankFee collects service fees when no bank-owner wallet is set.
	BankFee BookAccount = "sys:bankfee"
)

// DealerAccount returns the dealer book for a currency. Cross-currency
// transfers pass through the dealer so that each currency balances.
func DealerAccount(c amount.WalletCurrency) BookAccount {
	return BookAccount("sys:dealer:" + c.String())
}

// WalletAccount returns the book account of a wallet.
func WalletAccount(id directory.WalletID) BookAccount {
	return BookAccount(id)
}

// Posting is one line of a journal.
type Posting struct {
	Account   BookAccount
	Currency  amount.WalletCurrency
	Direction Direction
	Units     uint64
}

// Journal is an append-only record of one completed movement.
type Journal struct {
	ID        JournalID
	Timestamp time.Time
	Category  Category
	Method    SettlementMethod

	// ExternalRef is unique when set: an on-chain txid, a payment hash or
	// a caller supplied idempotency key.
	ExternalRef string

	Postings []Posting

	// DisplayAmount and DisplayFee are the principal and fee valued in
	// cents at settlement time.
	DisplayAmount amount.Cents
	DisplayFee    amount.Cents

	Memo    string
	SendAll bool

	// Pending marks a Lightning payment that was still in flight when it
	// was recorded. The debit includes the full fee limit.
	Pending bool
}

// checkBalanced verifies that debits equal credits per currency.
func (j *Journal) checkBalanced() error {
	type sums struct{ debit, credit uint64 }
	totals := make(map[amount.WalletCurrency]*sums)

	for _, p := range j.Postings {
		if p.Units == 0 {
			return payerr.Invariant("journal %v has an empty "+
				"posting to %v", j.ID, p.Account)
		}

		s, ok := totals[p.Currency]
		if !ok {
			s = &sums{}
			totals[p.Currency] = s
		}

		switch p.Direction {
		case Debit:
			s.debit += p.Units
		case Credit:
			s.credit += p.Units
		default:
			return payerr.Invariant("journal %v has unknown "+
				"direction %d", j.ID, p.Direction)
		}
	}

	if len(totals) == 0 {
		return payerr.Invariant("journal %v has no postings", j.ID)
	}

	for c, s := range totals {
		if s.debit != s.credit {
			return payerr.Invariant("journal %v unbalanced in %v: "+
				"debits %d credits %d", j.ID, c, s.debit,
				s.credit)
		}
	}

	return nil
}

// netByAccount folds the postings into one signed delta per account.
func (j *Journal) netByAccount() map[BookAccount]delta {
	out := make(map[BookAccount]delta)
	for _, p := range j.Postings {
		d := out[p.Account]
		d.currency = p.Currency
		if p.Direction == Credit {
			d.credit += p.Units
		} else {
			d.debit += p.Units
		}
		out[p.Account] = d
	}

	return out
}

// delta is the net effect of one journal on one account.
type delta struct {
	currency      amount.WalletCurrency
	debit, credit uint64
}

// outgoing reports whether the account's balance went down.
func (d delta) outgoing() bool {
	return d.debit > d.credit
}

// magnitude returns the absolute net change.
func (d delta) magnitude() uint64 {
	if d.debit > d.credit {
		return d.debit - d.credit
	}

	return d.credit - d.debit
}
