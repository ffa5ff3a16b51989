package directory

import (
	"context"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
)

var (
	// ErrWalletNotFound is returned when no wallet matches a lookup.
	ErrWalletNotFound = payerr.New(payerr.KindNotFound, "wallet not found")

	// ErrAccountNotFound is returned when no account matches a lookup.
	ErrAccountNotFound = payerr.New(
		payerr.KindNotFound, "account not found",
	)

	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = payerr.New(payerr.KindNotFound, "user not found")

	// ErrDuplicate is returned when seeding a record whose key or unique
	// index entry already exists.
	ErrDuplicate = payerr.New(payerr.KindValidation, "record exists")
)

// WalletID identifies a wallet.
type WalletID string

// AccountID identifies an account.
type AccountID string

// UserID identifies a user.
type UserID string

// WalletDescriptor is the immutable identity of a wallet. The currency of a
// wallet never changes.
type WalletDescriptor struct {
	ID        WalletID
	AccountID AccountID
	Currency  amount.WalletCurrency
}

// AccountLevel selects the tier of limits and fees that apply to an account.
type AccountLevel uint8

const (
	// AccountLevelZero is an unverified account.
	AccountLevelZero AccountLevel = 0

	// AccountLevelOne is a phone-verified account.
	AccountLevelOne AccountLevel = 1

	// AccountLevelTwo is a fully verified account.
	AccountLevelTwo AccountLevel = 2
)

// AccountStatus gates whether an account may move funds.
type AccountStatus uint8

const (
	// AccountActive accounts may send and receive.
	AccountActive AccountStatus = 0

	// AccountLocked accounts are frozen pending review.
	AccountLocked AccountStatus = 1

	// AccountClosed accounts are permanently disabled.
	AccountClosed AccountStatus = 2
)

// String returns a human readable status.
func (s AccountStatus) String() string {
	switch s {
	case AccountActive:
		return "active"
	case AccountLocked:
		return "locked"
	case AccountClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Account groups the wallets owned by one user.
type Account struct {
	ID              AccountID
	Username        string
	Level           AccountLevel
	Status          AccountStatus
	OwnerID         UserID
	DefaultWalletID WalletID
}

// IsActive reports whether the account may move funds.
func (a *Account) IsActive() bool {
	return a.Status == AccountActive
}

// User is the person behind an account.
type User struct {
	ID       UserID
	Language string
	Phone    string
}

// Directory resolves wallets, accounts and users. Every lookup returns one of
// the not-found sentinels when nothing matches, distinct from I/O failures.
type Directory interface {
	// FindWalletByID returns the wallet with the given id.
	FindWalletByID(ctx context.Context,
		id WalletID) (*WalletDescriptor, error)

	// FindWalletByAddress returns the wallet that owns an on-chain
	// address.
	FindWalletByAddress(ctx context.Context,
		address string) (*WalletDescriptor, error)

	// FindWalletByPaymentHash returns the wallet that issued the invoice
	// with the given payment hash.
	FindWalletByPaymentHash(ctx context.Context,
		hash lntypes.Hash) (*WalletDescriptor, error)

	// FindAccountByID returns the account with the given id.
	FindAccountByID(ctx context.Context, id AccountID) (*Account, error)

	// FindAccountByUsername returns the account with the given username,
	// compared case-insensitively.
	FindAccountByUsername(ctx context.Context,
		username string) (*Account, error)

	// FindUserByID returns the user with the given id.
	FindUserByID(ctx context.Context, id UserID) (*User, error)

	// ListWalletsForAccount returns every wallet of an account.
	ListWalletsForAccount(ctx context.Context,
		id AccountID) ([]*WalletDescriptor, error)
}
