package lncfg

import (
	"fmt"
	"time"

	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/limits"
)

// Default spend ceilings in cents per rolling window.
const (
	DefaultLevel0Withdrawal  = 10_000
	DefaultLevel0IntraLedger = 10_000
	DefaultLevel0Trade       = 10_000

	DefaultLevel1Withdrawal  = 100_000
	DefaultLevel1IntraLedger = 100_000
	DefaultLevel1Trade       = 500_000

	DefaultLevel2Withdrawal  = 2_000_000
	DefaultLevel2IntraLedger = 2_000_000
	DefaultLevel2Trade       = 10_000_000
)

// Limits holds the rolling spend ceilings per account level, in cents.
//
//nolint:lll
type Limits struct {
	Window time.Duration `long:"window" description:"The length of the rolling window the ceilings apply to"`

	Level0Withdrawal  uint64 `long:"level0-withdrawal" description:"Withdrawal ceiling in cents for level 0 accounts"`
	Level0IntraLedger uint64 `long:"level0-intraledger" description:"Intraledger ceiling in cents for level 0 accounts"`
	Level0Trade       uint64 `long:"level0-trade" description:"Trade ceiling in cents for level 0 accounts"`

	Level1Withdrawal  uint64 `long:"level1-withdrawal" description:"Withdrawal ceiling in cents for level 1 accounts"`
	Level1IntraLedger uint64 `long:"level1-intraledger" description:"Intraledger ceiling in cents for level 1 accounts"`
	Level1Trade       uint64 `long:"level1-trade" description:"Trade ceiling in cents for level 1 accounts"`

	Level2Withdrawal  uint64 `long:"level2-withdrawal" description:"Withdrawal ceiling in cents for level 2 accounts"`
	Level2IntraLedger uint64 `long:"level2-intraledger" description:"Intraledger ceiling in cents for level 2 accounts"`
	Level2Trade       uint64 `long:"level2-trade" description:"Trade ceiling in cents for level 2 accounts"`
}

// DefaultLimits returns the default ceilings.
func DefaultLimits() *Limits {
	return &Limits{
		Window:            limits.DefaultWindow,
		Level0Withdrawal:  DefaultLevel0Withdrawal,
		Level0IntraLedger: DefaultLevel0IntraLedger,
		Level0Trade:       DefaultLevel0Trade,
		Level1Withdrawal:  DefaultLevel1Withdrawal,
		Level1IntraLedger: DefaultLevel1IntraLedger,
		Level1Trade:       DefaultLevel1Trade,
		Level2Withdrawal:  DefaultLevel2Withdrawal,
		Level2IntraLedger: DefaultLevel2IntraLedger,
		Level2Trade:       DefaultLevel2Trade,
	}
}

// Validate checks the window. A zero ceiling is allowed and blocks the
// category.
func (l *Limits) Validate() error {
	if l.Window < time.Minute {
		return fmt.Errorf("limits.window must be at least a minute")
	}

	return nil
}

// Levels returns the ceilings keyed by account level.
func (l *Limits) Levels() map[directory.AccountLevel]limits.Ceilings {
	ceilings := func(w, i, t uint64) limits.Ceilings {
		return limits.Ceilings{
			Withdrawal:        amount.NewCents(w),
			IntraLedger:       amount.NewCents(i),
			TradeIntraAccount: amount.NewCents(t),
		}
	}

	return map[directory.AccountLevel]limits.Ceilings{
		directory.AccountLevelZero: ceilings(
			l.Level0Withdrawal, l.Level0IntraLedger, l.Level0Trade,
		),
		directory.AccountLevelOne: ceilings(
			l.Level1Withdrawal, l.Level1IntraLedger, l.Level1Trade,
		),
		directory.AccountLevelTwo: ceilings(
			l.Level2Withdrawal, l.Level2IntraLedger, l.Level2Trade,
		),
	}
}
