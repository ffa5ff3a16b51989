package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KVStore {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "dir.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := NewKVStore(db)
	require.NoError(t, err)

	return store
}

// seedAccount adds a user, an active account and one BTC and one USD wallet.
func seedAccount(t *testing.T, s *KVStore, name string) *Account {
	t.Helper()

	ctx := context.Background()
	user := &User{ID: UserID("user-" + name), Language: "en"}
	require.NoError(t, s.AddUser(ctx, user))

	account := &Account{
		ID:              AccountID("acct-" + name),
		Username:        name,
		Level:           AccountLevelOne,
		OwnerID:         user.ID,
		DefaultWalletID: WalletID("btc-" + name),
	}
	require.NoError(t, s.AddAccount(ctx, account))

	require.NoError(t, s.AddWallet(ctx, &WalletDescriptor{
		ID:        WalletID("btc-" + name),
		AccountID: account.ID,
		Currency:  amount.CurrencyBTC,
	}))
	require.NoError(t, s.AddWallet(ctx, &WalletDescriptor{
		ID:        WalletID("usd-" + name),
		AccountID: account.ID,
		Currency:  amount.CurrencyUSD,
	}))

	return account
}

// TestDirectoryLookups exercises every lookup on a seeded store.
func TestDirectoryLookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	account := seedAccount(t, s, "Alice")

	w, err := s.FindWalletByID(ctx, "btc-Alice")
	require.NoError(t, err)
	require.Equal(t, account.ID, w.AccountID)
	require.Equal(t, amount.CurrencyBTC, w.Currency)

	got, err := s.FindAccountByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, account, got)

	user, err := s.FindUserByID(ctx, account.OwnerID)
	require.NoError(t, err)
	require.Equal(t, "en", user.Language)

	wallets, err := s.ListWalletsForAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, wallets, 2)

	const addr = "bcrt1qexampleaddress"
	require.NoError(t, s.AddAddress(ctx, "usd-Alice", addr))
	w, err = s.FindWalletByAddress(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, WalletID("usd-Alice"), w.ID)

	hash := lntypes.Hash{1, 2, 3}
	require.NoError(t, s.AddPaymentHash(ctx, "btc-Alice", hash))
	w, err = s.FindWalletByPaymentHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, WalletID("btc-Alice"), w.ID)
}

// TestDirectoryNotFound checks that missing records map to the not-found
// sentinels and the not-found kind.
func TestDirectoryNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.FindWalletByID(ctx, "nope")
	require.ErrorIs(t, err, ErrWalletNotFound)
	require.True(t, payerr.IsKind(err, payerr.KindNotFound))

	_, err = s.FindWalletByAddress(ctx, "nope")
	require.ErrorIs(t, err, ErrWalletNotFound)

	_, err = s.FindWalletByPaymentHash(ctx, lntypes.Hash{})
	require.ErrorIs(t, err, ErrWalletNotFound)

	_, err = s.FindAccountByID(ctx, "nope")
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.FindAccountByUsername(ctx, "nope")
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.FindUserByID(ctx, "nope")
	require.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.ListWalletsForAccount(ctx, "nope")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

// TestDirectoryDuplicates checks uniqueness of ids and indexes.
func TestDirectoryDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	account := seedAccount(t, s, "bob")

	err := s.AddAccount(ctx, &Account{ID: "other", Username: "BOB"})
	require.True(t, errors.Is(err, ErrDuplicate))

	err = s.AddWallet(ctx, &WalletDescriptor{
		ID:        "btc-bob",
		AccountID: account.ID,
		Currency:  amount.CurrencyBTC,
	})
	require.ErrorIs(t, err, ErrDuplicate)

	err = s.AddWallet(ctx, &WalletDescriptor{
		ID:        "x",
		AccountID: "missing",
		Currency:  amount.CurrencyBTC,
	})
	require.ErrorIs(t, err, ErrAccountNotFound)

	err = s.AddWallet(ctx, &WalletDescriptor{
		ID:        "y",
		AccountID: account.ID,
	})
	require.True(t, payerr.IsKind(err, payerr.KindValidation))
}

// TestUpdateAccountStatus checks that a locked account reads back locked.
func TestUpdateAccountStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	account := seedAccount(t, s, "carol")
	require.True(t, account.IsActive())

	require.NoError(t, s.UpdateAccountStatus(ctx, account.ID, AccountLocked))

	got, err := s.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive())
	require.Equal(t, "locked", got.Status.String())
}
