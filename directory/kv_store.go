package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/satledger/paycore/payerr"
)

var (
	// walletBucket maps wallet id to its serialized descriptor.
	walletBucket = []byte("directory-wallets")

	// accountBucket maps account id to its serialized account.
	accountBucket = []byte("directory-accounts")

	// userBucket maps user id to its serialized user.
	userBucket = []byte("directory-users")

	// addressIndexBucket maps an on-chain address to the owning wallet id.
	addressIndexBucket = []byte("directory-address-index")

	// paymentHashIndexBucket maps an invoice payment hash to the wallet
	// that issued it.
	paymentHashIndexBucket = []byte("directory-payhash-index")

	// usernameIndexBucket maps a lower-cased username to its account id.
	usernameIndexBucket = []byte("directory-username-index")

	// accountWalletsBucket holds one nested bucket per account whose keys
	// are the account's wallet ids.
	accountWalletsBucket = []byte("directory-account-wallets")

	topLevelBuckets = [][]byte{
		walletBucket, accountBucket, userBucket, addressIndexBucket,
		paymentHashIndexBucket, usernameIndexBucket,
		accountWalletsBucket,
	}
)

// KVStore is a Directory backed by a kvdb backend.
type KVStore struct {
	db kvdb.Backend
}

// A compile-time assertion to ensure KVStore implements Directory.
var _ Directory = (*KVStore)(nil)

// NewKVStore creates the directory buckets if needed and returns a store.
func NewKVStore(db kvdb.Backend) (*KVStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, b := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(b); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create directory buckets: "+
			"%w", err)
	}

	return &KVStore{db: db}, nil
}

// AddUser stores a new user.
func (s *KVStore) AddUser(_ context.Context, u *User) error {
	v, err := serializeUser(u)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		users := tx.ReadWriteBucket(userBucket)
		if users.Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user %v: %w", u.ID, ErrDuplicate)
		}

		return users.Put([]byte(u.ID), v)
	}, func() {})
}

// AddAccount stores a new account and indexes its username.
func (s *KVStore) AddAccount(_ context.Context, a *Account) error {
	v, err := serializeAccount(a)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		accounts := tx.ReadWriteBucket(accountBucket)
		if accounts.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("account %v: %w", a.ID, ErrDuplicate)
		}

		if a.Username != "" {
			names := tx.ReadWriteBucket(usernameIndexBucket)
			key := usernameKey(a.Username)
			if names.Get(key) != nil {
				return fmt.Errorf("username %v: %w",
					a.Username, ErrDuplicate)
			}
			if err := names.Put(key, []byte(a.ID)); err != nil {
				return err
			}
		}

		return accounts.Put([]byte(a.ID), v)
	}, func() {})
}

// UpdateAccountStatus changes the status of an existing account.
func (s *KVStore) UpdateAccountStatus(_ context.Context, id AccountID,
	status AccountStatus) error {

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		accounts := tx.ReadWriteBucket(accountBucket)
		v := accounts.Get([]byte(id))
		if v == nil {
			return ErrAccountNotFound
		}

		account, err := deserializeAccount(id, v)
		if err != nil {
			return err
		}
		account.Status = status

		v, err = serializeAccount(account)
		if err != nil {
			return err
		}

		return accounts.Put([]byte(id), v)
	}, func() {})
}

// AddWallet stores a new wallet under an existing account.
func (s *KVStore) AddWallet(_ context.Context, w *WalletDescriptor) error {
	if !w.Currency.Valid() {
		return payerr.Validation("wallet %v has invalid currency",
			w.ID)
	}

	v, err := serializeWallet(w)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		if tx.ReadBucket(accountBucket).Get([]byte(w.AccountID)) == nil {
			return fmt.Errorf("account %v: %w", w.AccountID,
				ErrAccountNotFound)
		}

		wallets := tx.ReadWriteBucket(walletBucket)
		if wallets.Get([]byte(w.ID)) != nil {
			return fmt.Errorf("wallet %v: %w", w.ID, ErrDuplicate)
		}
		if err := wallets.Put([]byte(w.ID), v); err != nil {
			return err
		}

		byAccount, err := tx.ReadWriteBucket(
			accountWalletsBucket,
		).CreateBucketIfNotExists([]byte(w.AccountID))
		if err != nil {
			return err
		}

		return byAccount.Put([]byte(w.ID), []byte{1})
	}, func() {})
}

// AddAddress records that a wallet owns an on-chain address.
func (s *KVStore) AddAddress(_ context.Context, id WalletID,
	address string) error {

	return s.putIndex(addressIndexBucket, []byte(address), id)
}

// AddPaymentHash records that a wallet issued an invoice.
func (s *KVStore) AddPaymentHash(_ context.Context, id WalletID,
	hash lntypes.Hash) error {

	return s.putIndex(paymentHashIndexBucket, hash[:], id)
}

func (s *KVStore) putIndex(bucket, key []byte, id WalletID) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		if tx.ReadBucket(walletBucket).Get([]byte(id)) == nil {
			return ErrWalletNotFound
		}

		index := tx.ReadWriteBucket(bucket)
		if index.Get(key) != nil {
			return ErrDuplicate
		}

		return index.Put(key, []byte(id))
	}, func() {})
}

// FindWalletByID returns the wallet with the given id.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) FindWalletByID(_ context.Context,
	id WalletID) (*WalletDescriptor, error) {

	var wallet *WalletDescriptor
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		var err error
		wallet, err = fetchWallet(tx, id)

		return err
	}, func() {
		wallet = nil
	})
	if err != nil {
		return nil, err
	}

	return wallet, nil
}

// FindWalletByAddress returns the wallet that owns an on-chain address.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) FindWalletByAddress(_ context.Context,
	address string) (*WalletDescriptor, error) {

	return s.findWalletByIndex(addressIndexBucket, []byte(address))
}

// FindWalletByPaymentHash returns the wallet that issued an invoice.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) FindWalletByPaymentHash(_ context.Context,
	hash lntypes.Hash) (*WalletDescriptor, error) {

	return s.findWalletByIndex(paymentHashIndexBucket, hash[:])
}

func (s *KVStore) findWalletByIndex(bucket,
	key []byte) (*WalletDescriptor, error) {

	var wallet *WalletDescriptor
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		id := tx.ReadBucket(bucket).Get(key)
		if id == nil {
			return ErrWalletNotFound
		}

		var err error
		wallet, err = fetchWallet(tx, WalletID(id))

		return err
	}, func() {
		wallet = nil
	})
	if err != nil {
		return nil, err
	}

	return wallet, nil
}

// FindAccountByID returns the account with the given id.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) FindAccountByID(_ context.Context,
	id AccountID) (*Account, error) {

	var account *Account
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		var err error
		account, err = fetchAccount(tx, id)

		return err
	}, func() {
		account = nil
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// FindAccountByUsername returns the account with the given username.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) FindAccountByUsername(_ context.Context,
	username string) (*Account, error) {

	var account *Account
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		id := tx.ReadBucket(usernameIndexBucket).Get(
			usernameKey(username),
		)
		if id == nil {
			return ErrAccountNotFound
		}

		var err error
		account, err = fetchAccount(tx, AccountID(id))

		return err
	}, func() {
		account = nil
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// FindUserByID returns the user with the given id.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) FindUserByID(_ context.Context, id UserID) (*User, error) {
	var user *User
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(userBucket).Get([]byte(id))
		if v == nil {
			return ErrUserNotFound
		}

		var err error
		user, err = deserializeUser(id, v)

		return err
	}, func() {
		user = nil
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// ListWalletsForAccount returns every wallet of an account, ordered by id.
//
// NOTE: Part of the Directory interface.
func (s *KVStore) ListWalletsForAccount(_ context.Context,
	id AccountID) ([]*WalletDescriptor, error) {

	var wallets []*WalletDescriptor
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		if tx.ReadBucket(accountBucket).Get([]byte(id)) == nil {
			return ErrAccountNotFound
		}

		byAccount := tx.ReadBucket(accountWalletsBucket).
			NestedReadBucket([]byte(id))
		if byAccount == nil {
			return nil
		}

		return byAccount.ForEach(func(k, _ []byte) error {
			w, err := fetchWallet(tx, WalletID(k))
			if err != nil {
				return err
			}
			wallets = append(wallets, w)

			return nil
		})
	}, func() {
		wallets = nil
	})
	if err != nil {
		return nil, err
	}

	return wallets, nil
}

func fetchWallet(tx kvdb.RTx, id WalletID) (*WalletDescriptor, error) {
	v := tx.ReadBucket(walletBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrWalletNotFound
	}

	return deserializeWallet(id, v)
}

func fetchAccount(tx kvdb.RTx, id AccountID) (*Account, error) {
	v := tx.ReadBucket(accountBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrAccountNotFound
	}

	return deserializeAccount(id, v)
}

func usernameKey(username string) []byte {
	return []byte(strings.ToLower(username))
}
