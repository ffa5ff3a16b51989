package limits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/payerr"
	"golang.org/x/sync/errgroup"
)

// DefaultWindow is the trailing window over which volume is summed.
const DefaultWindow = 24 * time.Hour

// Ceilings are the per-category limits, in cents, for one account level.
type Ceilings struct {
	Withdrawal        amount.Cents
	IntraLedger       amount.Cents
	TradeIntraAccount amount.Cents
}

// For returns the ceiling of a category.
func (c Ceilings) For(category ledger.Category) (amount.Cents, error) {
	switch category {
	case ledger.CategoryWithdrawal:
		return c.Withdrawal, nil
	case ledger.CategoryIntraLedger:
		return c.IntraLedger, nil
	case ledger.CategoryTradeIntraAccount:
		return c.TradeIntraAccount, nil
	default:
		return amount.Cents{}, payerr.Invariant("no limit for "+
			"category %v", category)
	}
}

// VolumeSource reports a wallet's outgoing volume.
type VolumeSource interface {
	// VolumeSince returns the wallet's outgoing display volume in a
	// category at or after since.
	VolumeSince(ctx context.Context, id directory.WalletID,
		since time.Time, category ledger.Category) (amount.Cents, error)
}

// WalletLister lists the wallets of an account.
type WalletLister interface {
	// ListWalletsForAccount returns every wallet of an account.
	ListWalletsForAccount(ctx context.Context,
		id directory.AccountID) ([]*directory.WalletDescriptor, error)
}

// Config holds the dependencies of a Checker.
type Config struct {
	// Levels maps an account level to its ceilings. A level missing
	// from the map falls back to Default.
	Levels map[directory.AccountLevel]Ceilings

	// Default applies to levels not in Levels.
	Default Ceilings

	// Window is the trailing window. Zero means DefaultWindow.
	Window time.Duration

	Volumes VolumeSource
	Wallets WalletLister
	Clock   clock.Clock
}

// Checker enforces rolling spend ceilings per account and category. Its
// reads are not serialized with payments, so concurrent payments may
// overshoot a ceiling by at most the in-flight amounts.
type Checker struct {
	cfg Config
}

// NewChecker creates a Checker.
func NewChecker(cfg Config) *Checker {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}

	return &Checker{cfg: cfg}
}

// Check fails with a policy error if the account's volume in category over
// the window plus candidate exceeds the account's ceiling.
func (c *Checker) Check(ctx context.Context, account *directory.Account,
	category ledger.Category, candidate amount.Cents) error {

	ceilings, ok := c.cfg.Levels[account.Level]
	if !ok {
		ceilings = c.cfg.Default
	}
	ceiling, err := ceilings.For(category)
	if err != nil {
		return err
	}

	used, err := c.Volume(ctx, account.ID, category)
	if err != nil {
		return err
	}

	// A sum too large to represent is over any ceiling.
	total, err := used.CheckedAdd(candidate)
	if err != nil || total.Cmp(ceiling) > 0 {
		log.DebugS(ctx, "Limit exceeded",
			"account_id", account.ID, "category", category,
			"used_cents", used.Units(),
			"candidate_cents", candidate.Units(),
			"ceiling_cents", ceiling.Units())

		return payerr.Policy("Cannot transfer more than %d cents "+
			"in %s", ceiling.Units(), windowText(c.cfg.Window))
	}

	return nil
}

// Volume sums the account's outgoing volume in category across all of its
// wallets over the window.
func (c *Checker) Volume(ctx context.Context, id directory.AccountID,
	category ledger.Category) (amount.Cents, error) {

	wallets, err := c.cfg.Wallets.ListWalletsForAccount(ctx, id)
	if err != nil {
		return amount.Cents{}, err
	}

	since := c.cfg.Clock.Now().Add(-c.cfg.Window)

	var (
		mu    sync.Mutex
		total amount.Cents
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range wallets {
		g.Go(func() error {
			v, err := c.cfg.Volumes.VolumeSince(
				gctx, w.ID, since, category,
			)
			if err != nil {
				return err
			}

			mu.Lock()
			total = total.Add(v)
			mu.Unlock()

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return amount.Cents{}, fmt.Errorf("unable to sum volume: %w",
			err)
	}

	return total, nil
}

// windowText renders the window the way it appears in limit errors.
func windowText(window time.Duration) string {
	switch {
	case window == time.Hour:
		return "1 hour"
	case window%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(window/time.Hour))
	}

	return window.String()
}
