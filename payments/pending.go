package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/settlement"
)

// ResolvePending asks the node about every send recorded while in flight
// and books the outcome of those that are final. It returns how many were
// resolved. A send that cannot be looked up is left for the next round.
func (o *Orchestrator) ResolvePending(ctx context.Context) (int, error) {
	journals, err := o.cfg.Ledger.PendingSends(ctx)
	if err != nil {
		return 0, err
	}

	var resolved int
	for _, j := range journals {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		done, err := o.resolveSend(ctx, j)
		if err != nil {
			log.WarnS(ctx, "Unable to resolve pending send", err,
				"journal_id", j.ID, "payment_hash", j.ExternalRef)

			continue
		}
		if done {
			resolved++
		}
	}

	return resolved, nil
}

// resolveSend books the outcome of one pending send. It reports false if
// the payment is still in flight.
func (o *Orchestrator) resolveSend(ctx context.Context,
	j *ledger.Journal) (bool, error) {

	hash, err := lntypes.MakeHashFromStr(j.ExternalRef)
	if err != nil {
		return false, err
	}

	var settled fn.Option[amount.Sats]
	result, err := o.cfg.Lightning.TrackPayment(ctx, hash)
	switch {
	// The node never saw it, so nothing left.
	case errors.Is(err, settlement.ErrPaymentNotFound):
		settled = fn.None[amount.Sats]()

	case err != nil:
		return false, err

	case result.Status == settlement.PaymentInFlight:
		return false, nil

	case result.Status == settlement.PaymentSucceeded:
		total, err := result.Value.CheckedAdd(result.Fee)
		if err != nil {
			return false, err
		}
		settled = fn.Some(total)

	default:
		settled = fn.None[amount.Sats]()
	}

	_, err = o.cfg.Ledger.ResolvePending(ctx, j.ExternalRef, settled)
	switch {
	// Resolved by another instance meanwhile.
	case errors.Is(err, ledger.ErrNotPending):
		return false, nil

	case err != nil:
		return false, err
	}

	o.notifyResolved(ctx, j, settled)

	return true, nil
}

// notifyResolved tells the sender how a pending send ended.
func (o *Orchestrator) notifyResolved(ctx context.Context, j *ledger.Journal,
	settled fn.Option[amount.Sats]) {

	var (
		walletID directory.WalletID
		debited  uint64
	)
	for _, p := range j.Postings {
		if p.Direction == ledger.Debit &&
			p.Account != ledger.ExternalLightning {

			walletID = directory.WalletID(p.Account)
			debited = p.Units
		}
	}

	wallet, err := o.cfg.Directory.FindWalletByID(ctx, walletID)
	if err != nil {
		log.WarnS(ctx, "Sender of pending send not found", err,
			"journal_id", j.ID, "wallet_id", walletID)

		return
	}

	e := &notify.Event{
		Type:          notify.EventPaymentFailed,
		AccountID:     wallet.AccountID,
		WalletID:      wallet.ID,
		Amount:        amount.NewSats(debited).Any(),
		DisplayAmount: j.DisplayAmount,
		Method:        ledger.SettlementLightning,
		JournalID:     j.ID,
	}
	settled.WhenSome(func(total amount.Sats) {
		e.Type = notify.EventPaymentSent
		e.Amount = total.Any()
	})

	o.notify(ctx, e)
}

// PendingResolver periodically resolves sends recorded while in flight.
type PendingResolver struct {
	started sync.Once
	stopped sync.Once

	orch   *Orchestrator
	ticker ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPendingResolver creates a resolver that runs on every tick.
func NewPendingResolver(orch *Orchestrator,
	t ticker.Ticker) *PendingResolver {

	return &PendingResolver{
		orch:   orch,
		ticker: t,
		quit:   make(chan struct{}),
	}
}

// Start launches the resolve loop.
func (r *PendingResolver) Start() error {
	r.started.Do(func() {
		log.Infof("Starting pending send resolver")

		r.ticker.Resume()

		r.wg.Add(1)
		go r.resolveLoop()
	})

	return nil
}

// Stop halts the resolve loop and waits for a running round to finish.
func (r *PendingResolver) Stop() error {
	r.stopped.Do(func() {
		log.Infof("Stopping pending send resolver")

		r.ticker.Stop()
		close(r.quit)
		r.wg.Wait()
	})

	return nil
}

// resolveLoop resolves pending sends on every tick.
//
// NOTE: MUST be run as a goroutine.
func (r *PendingResolver) resolveLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ticker.Ticks():
			ctx, cancel := r.quitCtx()
			n, err := r.orch.ResolvePending(ctx)
			cancel()

			switch {
			case err != nil:
				log.Errorf("Unable to resolve pending sends: %v",
					err)

			case n > 0:
				log.Infof("Resolved %d pending sends", n)
			}

		case <-r.quit:
			return
		}
	}
}

// quitCtx returns a context that is cancelled when the resolver stops.
func (r *PendingResolver) quitCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-r.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
