package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
)

// ErrNotPending is returned by ResolvePending for a reference that has no
// unresolved send, including one resolved earlier.
var ErrNotPending = payerr.New(payerr.KindNotFound, "no pending send")

// PendingSends returns every send recorded in flight and not yet resolved,
// oldest first.
func (s *Store) PendingSends(_ context.Context) ([]*Journal, error) {
	var journals []*Journal
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		pending := tx.ReadBucket(pendingBucket)

		return pending.ForEach(func(_, v []byte) error {
			var id JournalID
			copy(id[:], v)

			j, err := fetchJournal(tx, id)
			if err != nil {
				return err
			}
			journals = append(journals, j)

			return nil
		})
	}, func() {
		journals = nil
	})
	if err != nil {
		return nil, err
	}

	// Keys are payment hashes, so the bucket order is arbitrary.
	sort.Slice(journals, func(i, k int) bool {
		return journals[i].Timestamp.Before(journals[k].Timestamp)
	})

	return journals, nil
}

// ResolvePending settles the books for a send recorded while in flight.
// settled is what actually left, principal plus routing fee, or None if the
// payment failed. A failed send is reversed in full and its reference is
// released so the invoice can be paid again. A settled send gets back
// whatever part of the reserved fee it did not use. The compensating
// journal, if one is needed, is returned.
func (s *Store) ResolvePending(ctx context.Context, ref string,
	settled fn.Option[amount.Sats]) (fn.Option[JournalID], error) {

	var (
		result fn.Option[JournalID]
		comp   *Journal
	)
	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		pending := tx.ReadWriteBucket(pendingBucket)
		v := pending.Get([]byte(ref))
		if v == nil {
			return ErrNotPending
		}

		var id JournalID
		copy(id[:], v)
		orig, err := fetchJournal(tx, id)
		if err != nil {
			return err
		}

		comp, err = compensation(orig, settled)
		if err != nil {
			return err
		}
		if err := pending.Delete([]byte(ref)); err != nil {
			return err
		}
		if comp == nil {
			return nil
		}

		if settled.IsNone() {
			refs := tx.ReadWriteBucket(externalRefBucket)
			if err := refs.Delete([]byte(ref)); err != nil {
				return err
			}
		}

		comp.ID = uuid.New()
		comp.Timestamp = s.clock.Now()
		if err := comp.checkBalanced(); err != nil {
			return err
		}
		cv, err := serializeJournal(comp)
		if err != nil {
			return err
		}
		if err := putJournal(tx, comp, cv); err != nil {
			return err
		}

		result = fn.Some(comp.ID)

		return nil
	}, func() {
		result = fn.None[JournalID]()
		comp = nil
	})
	if err != nil {
		return fn.None[JournalID](), err
	}

	if comp != nil {
		log.InfoS(ctx, "Resolved pending send", "external_ref", ref,
			"journal_id", comp.ID, "memo", comp.Memo)
	} else {
		log.InfoS(ctx, "Resolved pending send, nothing to return",
			"external_ref", ref)
	}

	return result, nil
}

// compensation returns the journal that corrects a pending send for its
// final outcome, or nil if the original already matches it.
func compensation(orig *Journal,
	settled fn.Option[amount.Sats]) (*Journal, error) {

	if !orig.Pending || orig.Method != SettlementLightning {
		return nil, payerr.Invariant("journal %v is not a pending "+
			"lightning send", orig.ID)
	}

	// A failed send is undone posting by posting.
	if settled.IsNone() {
		postings := make([]Posting, 0, len(orig.Postings))
		for _, p := range orig.Postings {
			if p.Direction == Debit {
				p.Direction = Credit
			} else {
				p.Direction = Debit
			}
			postings = append(postings, p)
		}

		return &Journal{
			Category:    CategoryNone,
			Method:      SettlementLightning,
			ExternalRef: compensationRef(orig, "reversal"),
			Postings:    postings,
			Memo:        fmt.Sprintf("reversal of %v", orig.ID),
		}, nil
	}

	var (
		wallet   BookAccount
		reserved uint64
	)
	for _, p := range orig.Postings {
		switch {
		case p.Account == ExternalLightning && p.Direction == Credit:
			reserved += p.Units

		case !isSystemAccount(p.Account) && p.Direction == Debit:
			wallet = p.Account
		}
	}
	if wallet == "" || reserved == 0 {
		return nil, payerr.Invariant("journal %v has no wallet debit",
			orig.ID)
	}

	paid := settled.UnwrapOr(amount.Sats{}).Units()
	if paid > reserved {
		return nil, payerr.Invariant("send %v settled %d sats over "+
			"the %d reserved", orig.ID, paid, reserved)
	}
	if paid == reserved {
		return nil, nil
	}

	refund := reserved - paid

	return &Journal{
		Category:    CategoryNone,
		Method:      SettlementLightning,
		ExternalRef: compensationRef(orig, "fee-refund"),
		Postings: []Posting{{
			Account:   ExternalLightning,
			Currency:  amount.CurrencyBTC,
			Direction: Debit,
			Units:     refund,
		}, {
			Account:   wallet,
			Currency:  amount.CurrencyBTC,
			Direction: Credit,
			Units:     refund,
		}},
		Memo: fmt.Sprintf("unused fee of %v", orig.ID),
	}, nil
}

// compensationRef is unique per original journal, so an invoice that is
// paid again after a reversal gets its own compensation.
func compensationRef(orig *Journal, kind string) string {
	return orig.ExternalRef + "/" + kind + "/" + orig.ID.String()
}

// isSystemAccount reports whether a is a book account rather than a wallet.
func isSystemAccount(a BookAccount) bool {
	return strings.HasPrefix(string(a), "sys:")
}
