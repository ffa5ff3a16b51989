package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payerr"
)

var (
	// journalBucket maps a journal id to its serialized journal.
	journalBucket = []byte("ledger-journals")

	// accountIndexBucket holds one nested bucket per book account. Keys in
	// the nested bucket are timestamp || journal id, values the account's
	// net movement in that journal.
	accountIndexBucket = []byte("ledger-account-index")

	// externalRefBucket maps a unique external reference to the journal
	// that first recorded it.
	externalRefBucket = []byte("ledger-external-refs")

	// pendingBucket maps the external reference of a send recorded while
	// still in flight to its journal, until the send is resolved.
	pendingBucket = []byte("ledger-pending")

	// ErrJournalNotFound is returned when no journal matches a lookup.
	ErrJournalNotFound = payerr.New(
		payerr.KindNotFound, "journal not found",
	)
)

// Store is the append-only double entry ledger.
type Store struct {
	db    kvdb.Backend
	clock clock.Clock
}

// NewStore creates the ledger buckets if needed and returns a store.
func NewStore(db kvdb.Backend, clk clock.Clock) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		buckets := [][]byte{
			journalBucket, accountIndexBucket, externalRefBucket,
			pendingBucket,
		}
		for _, b := range buckets {
			if _, err := tx.CreateTopLevelBucket(b); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create ledger buckets: %w",
			err)
	}

	return &Store{db: db, clock: clk}, nil
}

// appendJournal assigns an id and timestamp to j and writes it with its index
// entries in one transaction. If j carries an external reference that was
// already recorded, nothing is written and the earlier journal id is
// returned with duplicate set.
func (s *Store) appendJournal(ctx context.Context,
	j *Journal) (JournalID, bool, error) {

	j.ID = uuid.New()
	j.Timestamp = s.clock.Now()

	if err := j.checkBalanced(); err != nil {
		log.CriticalS(ctx, "Refusing to record unbalanced journal", err,
			"category", j.Category, "method", j.Method)

		return uuid.Nil, false, err
	}

	v, err := serializeJournal(j)
	if err != nil {
		return uuid.Nil, false, err
	}

	var (
		id        JournalID
		duplicate bool
	)
	err = kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		refs := tx.ReadWriteBucket(externalRefBucket)
		if j.ExternalRef != "" {
			existing := refs.Get([]byte(j.ExternalRef))
			if existing != nil {
				copy(id[:], existing)
				duplicate = true

				return nil
			}
		}

		if err := putJournal(tx, j, v); err != nil {
			return err
		}

		if j.Pending {
			pending := tx.ReadWriteBucket(pendingBucket)
			err := pending.Put([]byte(j.ExternalRef), j.ID[:])
			if err != nil {
				return err
			}
		}

		id = j.ID

		return nil
	}, func() {
		id = uuid.Nil
		duplicate = false
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("unable to record "+
			"journal: %w", err)
	}

	if duplicate {
		log.InfoS(ctx, "External reference already recorded",
			"external_ref", j.ExternalRef, "journal_id", id)
	} else {
		log.DebugS(ctx, "Recorded journal", "journal_id", id,
			"category", j.Category, "method", j.Method,
			"postings", len(j.Postings))
	}

	return id, duplicate, nil
}

// FetchJournal returns the journal with the given id.
func (s *Store) FetchJournal(_ context.Context,
	id JournalID) (*Journal, error) {

	var j *Journal
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		var err error
		j, err = fetchJournal(tx, id)

		return err
	}, func() {
		j = nil
	})
	if err != nil {
		return nil, err
	}

	return j, nil
}

// FetchJournalByRef returns the journal that recorded an external reference.
func (s *Store) FetchJournalByRef(_ context.Context,
	ref string) (*Journal, error) {

	var j *Journal
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(externalRefBucket).Get([]byte(ref))
		if v == nil {
			return ErrJournalNotFound
		}

		var (
			id  JournalID
			err error
		)
		copy(id[:], v)
		j, err = fetchJournal(tx, id)

		return err
	}, func() {
		j = nil
	})
	if err != nil {
		return nil, err
	}

	return j, nil
}

// GetWalletBalance returns the signed sum of every posting on the wallet.
func (s *Store) GetWalletBalance(ctx context.Context,
	w *directory.WalletDescriptor) (amount.Any, error) {

	var credit, debit uint64
	err := s.forEachEntry(w.ID, time.Time{}, func(e *indexEntry) error {
		if e.currency != w.Currency {
			return payerr.Invariant("wallet %v has a %v posting",
				w.ID, e.currency)
		}

		if e.outgoing {
			debit += e.units
		} else {
			credit += e.units
		}

		return nil
	}, func() {
		credit, debit = 0, 0
	})
	if err != nil {
		return amount.Any{}, err
	}

	if debit > credit {
		err := payerr.Invariant("wallet %v balance is negative", w.ID)
		log.CriticalS(ctx, "Ledger corrupted", err,
			"wallet_id", w.ID, "debits", debit, "credits", credit)

		return amount.Any{}, err
	}

	return amount.Any{Units: credit - debit, Currency: w.Currency}, nil
}

// VolumeSince returns the display value of the wallet's outgoing movements
// in the given category at or after since.
func (s *Store) VolumeSince(_ context.Context, id directory.WalletID,
	since time.Time, category Category) (amount.Cents, error) {

	var total uint64
	err := s.forEachEntry(id, since, func(e *indexEntry) error {
		if e.outgoing && e.category == category {
			total += e.display
		}

		return nil
	}, func() {
		total = 0
	})
	if err != nil {
		return amount.Cents{}, err
	}

	return amount.NewCents(total), nil
}

// forEachEntry walks a wallet's index entries at or after since in time
// order.
func (s *Store) forEachEntry(id directory.WalletID, since time.Time,
	cb func(*indexEntry) error, reset func()) error {

	return kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(accountIndexBucket).NestedReadBucket(
			[]byte(WalletAccount(id)),
		)
		if bucket == nil {
			return nil
		}

		cursor := bucket.ReadCursor()
		k, v := cursor.First()
		if !since.IsZero() {
			k, v = cursor.Seek(timeKey(since))
		}
		for ; k != nil; k, v = cursor.Next() {
			e, err := deserializeIndexEntry(v)
			if err != nil {
				return err
			}
			if err := cb(e); err != nil {
				return err
			}
		}

		return nil
	}, reset)
}

// CheckBalanced re-verifies every stored journal and that each currency nets
// to zero across all book accounts.
func (s *Store) CheckBalanced(ctx context.Context) error {
	net := make(map[amount.WalletCurrency]int64)
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		journals := tx.ReadBucket(journalBucket)

		return journals.ForEach(func(k, v []byte) error {
			var id JournalID
			copy(id[:], k)

			j, err := deserializeJournal(id, v)
			if err != nil {
				return err
			}
			if err := j.checkBalanced(); err != nil {
				return err
			}

			for _, p := range j.Postings {
				if p.Direction == Credit {
					net[p.Currency] += int64(p.Units)
				} else {
					net[p.Currency] -= int64(p.Units)
				}
			}

			return nil
		})
	}, func() {
		net = make(map[amount.WalletCurrency]int64)
	})
	if err == nil {
		for c, n := range net {
			if n != 0 {
				err = payerr.Invariant("ledger unbalanced in "+
					"%v by %d", c, n)
				break
			}
		}
	}
	if err != nil {
		log.CriticalS(ctx, "Ledger balance check failed", err)
		return err
	}

	return nil
}

// putJournal writes a journal, its account index entries and its external
// reference.
func putJournal(tx kvdb.RwTx, j *Journal, v []byte) error {
	journals := tx.ReadWriteBucket(journalBucket)
	if err := journals.Put(j.ID[:], v); err != nil {
		return err
	}

	index := tx.ReadWriteBucket(accountIndexBucket)
	key := indexKey(j.Timestamp, j.ID)
	for account, d := range j.netByAccount() {
		if d.magnitude() == 0 {
			continue
		}

		bucket, err := index.CreateBucketIfNotExists([]byte(account))
		if err != nil {
			return err
		}

		entry, err := serializeIndexEntry(&indexEntry{
			currency: d.currency,
			outgoing: d.outgoing(),
			units:    d.magnitude(),
			category: j.Category,
			display:  j.DisplayAmount.Units(),
		})
		if err != nil {
			return err
		}
		if err := bucket.Put(key, entry); err != nil {
			return err
		}
	}

	if j.ExternalRef == "" {
		return nil
	}

	return tx.ReadWriteBucket(externalRefBucket).Put(
		[]byte(j.ExternalRef), j.ID[:],
	)
}

func fetchJournal(tx kvdb.RTx, id JournalID) (*Journal, error) {
	v := tx.ReadBucket(journalBucket).Get(id[:])
	if v == nil {
		return nil, ErrJournalNotFound
	}

	return deserializeJournal(id, v)
}
