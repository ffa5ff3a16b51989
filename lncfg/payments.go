package lncfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payments"
	"github.com/shopspring/decimal"
)

// OnChain holds the options of on-chain withdrawals.
//
//nolint:lll
type OnChain struct {
	DustThreshold uint64 `long:"dustthreshold" description:"The smallest on-chain principal in sats that will be sent"`
	ScanDepth     uint32 `long:"scandepth" description:"How many blocks back a broadcast transaction is searched for when looking up its fee"`

	BankFeeLevel0 uint64 `long:"bankfee-level0" description:"Withdrawal fee in sats charged to level 0 accounts"`
	BankFeeLevel1 uint64 `long:"bankfee-level1" description:"Withdrawal fee in sats charged to level 1 accounts"`
	BankFeeLevel2 uint64 `long:"bankfee-level2" description:"Withdrawal fee in sats charged to level 2 accounts"`

	BankFeeWallet string `long:"bankfeewallet" description:"The wallet credited with withdrawal fees. If unset they are booked to the bank fee account"`
}

// DefaultOnChain returns the default on-chain options.
func DefaultOnChain() *OnChain {
	return &OnChain{
		DustThreshold: payments.DefaultDustThreshold,
		ScanDepth:     payments.DefaultScanDepth,
	}
}

// Validate checks the on-chain options.
func (o *OnChain) Validate() error {
	if o.DustThreshold == 0 {
		return fmt.Errorf("onchain.dustthreshold must be positive")
	}
	if o.ScanDepth == 0 {
		return fmt.Errorf("onchain.scandepth must be positive")
	}

	return nil
}

// BankFees returns the withdrawal fee per account level.
func (o *OnChain) BankFees() map[directory.AccountLevel]amount.Sats {
	return map[directory.AccountLevel]amount.Sats{
		directory.AccountLevelZero: amount.NewSats(o.BankFeeLevel0),
		directory.AccountLevelOne:  amount.NewSats(o.BankFeeLevel1),
		directory.AccountLevelTwo:  amount.NewSats(o.BankFeeLevel2),
	}
}

// FeeWallet returns the configured bank fee wallet, if any.
func (o *OnChain) FeeWallet() fn.Option[directory.WalletID] {
	if o.BankFeeWallet == "" {
		return fn.None[directory.WalletID]()
	}

	return fn.Some(directory.WalletID(o.BankFeeWallet))
}

// Lightning holds the options of Lightning payments.
//
//nolint:lll
type Lightning struct {
	MaxFeeRatio    string        `long:"maxfeeratio" description:"The routing fee limit as a fraction of the amount, used when a route fee estimate fails"`
	PaymentTimeout  time.Duration `long:"paymenttimeout" description:"How long a payment may search for a route and stay in flight before it is reported as pending"`
	ResolveInterval time.Duration `long:"resolveinterval" description:"How often payments reported as pending are looked up on the node and booked once final"`
}

// DefaultLightning returns the default Lightning options.
func DefaultLightning() *Lightning {
	return &Lightning{
		MaxFeeRatio:     payments.DefaultMaxFeeRatio.String(),
		PaymentTimeout:  payments.DefaultPaymentTimeout,
		ResolveInterval: payments.DefaultResolveInterval,
	}
}

// Validate checks the Lightning options.
func (l *Lightning) Validate() error {
	ratio, err := decimal.NewFromString(l.MaxFeeRatio)
	if err != nil {
		return fmt.Errorf("invalid lightning.maxfeeratio: %w", err)
	}
	if !ratio.IsPositive() || ratio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("lightning.maxfeeratio must be in (0, 1)")
	}
	if l.PaymentTimeout < time.Second {
		return fmt.Errorf("lightning.paymenttimeout must be at least " +
			"a second")
	}
	if l.ResolveInterval < time.Second {
		return fmt.Errorf("lightning.resolveinterval must be at least " +
			"a second")
	}

	return nil
}

// FeeRatio returns the parsed fee ratio of a validated config.
func (l *Lightning) FeeRatio() decimal.Decimal {
	return decimal.RequireFromString(l.MaxFeeRatio)
}
