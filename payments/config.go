package payments

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/settlement"
	"github.com/satledger/paycore/walletlock"
	"github.com/shopspring/decimal"
)

const (
	// DefaultDustThreshold is the smallest on-chain principal accepted.
	DefaultDustThreshold = 5_000

	// DefaultScanDepth is how many blocks back a broadcast transaction
	// is searched for when looking up its fee.
	DefaultScanDepth = 2

	// DefaultMaxMemoLength is the longest memo accepted, in bytes.
	DefaultMaxMemoLength = 1_024

	// DefaultPaymentTimeout bounds a Lightning payment attempt.
	DefaultPaymentTimeout = 60 * time.Second

	// DefaultResolveInterval is how often pending sends are looked up.
	DefaultResolveInterval = time.Minute

	// MinTargetConfs and MaxTargetConfs bound the requested on-chain
	// confirmation target.
	MinTargetConfs = 1
	MaxTargetConfs = 1_008
)

// DefaultMaxFeeRatio is the routing fee limit, as a fraction of the amount,
// used when a route fee estimate fails.
var DefaultMaxFeeRatio = decimal.RequireFromString("0.005")

// Ledger is the subset of the ledger store the orchestrator uses.
type Ledger interface {
	// GetWalletBalance returns a wallet's balance.
	GetWalletBalance(ctx context.Context,
		w *directory.WalletDescriptor) (amount.Any, error)

	// RecordSend records value leaving the system.
	RecordSend(ctx context.Context,
		e *ledger.SendEntry) (ledger.JournalID, error)

	// RecordIntraledger records a transfer between accounts.
	RecordIntraledger(ctx context.Context,
		e *ledger.TransferEntry) (ledger.JournalID, error)

	// RecordTrade records a transfer within one account.
	RecordTrade(ctx context.Context,
		e *ledger.TransferEntry) (ledger.JournalID, error)

	// PendingSends returns the sends recorded while still in flight.
	PendingSends(ctx context.Context) ([]*ledger.Journal, error)

	// ResolvePending books the final outcome of a pending send.
	ResolvePending(ctx context.Context, ref string,
		settled fn.Option[amount.Sats]) (fn.Option[ledger.JournalID],
		error)
}

// LimitsChecker enforces rolling spend ceilings.
type LimitsChecker interface {
	// Check fails with a policy error if candidate would take the
	// account over its ceiling for category.
	Check(ctx context.Context, account *directory.Account,
		category ledger.Category, candidate amount.Cents) error
}

// PriceService quotes prices for payments.
type PriceService interface {
	// CentsFromSatsForImmediateSell values sats a customer sells.
	CentsFromSatsForImmediateSell(ctx context.Context,
		sats amount.Sats) (amount.Cents, error)

	// SatsFromCentsForImmediateBuy values cents a customer spends on
	// sats.
	SatsFromCentsForImmediateBuy(ctx context.Context,
		cents amount.Cents) (amount.Sats, error)
}

// Dispatcher queues notifications.
type Dispatcher interface {
	// Dispatch queues an event without waiting for delivery.
	Dispatch(e *notify.Event) error
}

// Metrics records payment outcomes.
type Metrics interface {
	// ObservePayment counts a finished payment attempt.
	ObservePayment(method, status string, d time.Duration)

	// IncFeeFallback counts a payment recorded with its estimated fee.
	IncFeeFallback()
}

// Config holds everything an Orchestrator depends on. It is built once at
// start-up and read only afterwards.
type Config struct {
	Directory directory.Directory
	Ledger    Ledger
	Locker    walletlock.Locker
	Limits    LimitsChecker
	Prices    PriceService

	OnChain   settlement.OnChainService
	Lightning settlement.LightningService

	// Notifications is optional.
	Notifications Dispatcher

	// Metrics is optional.
	Metrics Metrics

	Clock       clock.Clock
	ChainParams *chaincfg.Params

	// DustThreshold is the smallest on-chain principal accepted.
	DustThreshold amount.Sats

	// ScanDepth bounds the settled fee lookup.
	ScanDepth uint32

	// BankFees is the on-chain withdrawal fee by account level.
	BankFees map[directory.AccountLevel]amount.Sats

	// BankFeeWallet receives bank fees. If unset they go to the bank fee
	// book account.
	BankFeeWallet fn.Option[directory.WalletID]

	// MaxFeeRatio limits the routing fee when the route fee estimate fails.
	MaxFeeRatio decimal.Decimal

	// PaymentTimeout bounds a Lightning payment attempt.
	PaymentTimeout time.Duration

	MaxMemoLength int
}

// validate fills defaults and checks required dependencies.
func (c *Config) validate() error {
	switch {
	case c.Directory == nil:
		return errors.New("directory required")
	case c.Ledger == nil:
		return errors.New("ledger required")
	case c.Locker == nil:
		return errors.New("locker required")
	case c.Limits == nil:
		return errors.New("limits checker required")
	case c.Prices == nil:
		return errors.New("price service required")
	case c.OnChain == nil:
		return errors.New("on-chain service required")
	case c.Lightning == nil:
		return errors.New("lightning service required")
	case c.ChainParams == nil:
		return errors.New("chain params required")
	}

	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.DustThreshold.IsZero() {
		c.DustThreshold = amount.NewSats(DefaultDustThreshold)
	}
	if c.ScanDepth == 0 {
		c.ScanDepth = DefaultScanDepth
	}
	if c.MaxFeeRatio.IsZero() {
		c.MaxFeeRatio = DefaultMaxFeeRatio
	}
	if c.PaymentTimeout == 0 {
		c.PaymentTimeout = DefaultPaymentTimeout
	}
	if c.MaxMemoLength == 0 {
		c.MaxMemoLength = DefaultMaxMemoLength
	}

	return nil
}
