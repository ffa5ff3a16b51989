package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/paymentflow"
	"github.com/satledger/paycore/payerr"
	"golang.org/x/sync/errgroup"
)

// SettlementStatus is the outcome of a successful payment request.
type SettlementStatus uint8

const (
	// StatusSuccess payments are settled and recorded.
	StatusSuccess SettlementStatus = iota + 1

	// StatusPending payments are recorded but were still in flight when
	// the request returned.
	StatusPending
)

// String returns a human readable status.
func (s SettlementStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Receipt describes a recorded payment.
type Receipt struct {
	Status    SettlementStatus
	Method    ledger.SettlementMethod
	JournalID ledger.JournalID

	// ExternalRef is the transaction hash or payment hash of an external
	// settlement.
	ExternalRef string
}

// paymentState is a step of a payment request. Every step can exit with an
// error.
type paymentState uint8

const (
	stateValidating paymentState = iota
	stateLimitChecking
	stateLockAcquired
	stateBalanceRechecked
	stateExecuting
	stateRecording
	stateDone
)

// String returns the state name.
func (s paymentState) String() string {
	switch s {
	case stateValidating:
		return "Validating"
	case stateLimitChecking:
		return "LimitChecking"
	case stateLockAcquired:
		return "LockAcquired"
	case stateBalanceRechecked:
		return "BalanceRechecked"
	case stateExecuting:
		return "Executing"
	case stateRecording:
		return "Recording"
	case stateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// attempt tracks one payment request through its states.
type attempt struct {
	method   ledger.SettlementMethod
	walletID directory.WalletID
	start    time.Time
	state    paymentState
}

// to moves the attempt to the next state.
func (a *attempt) to(ctx context.Context, s paymentState) {
	log.DebugS(ctx, "Payment state",
		"wallet_id", a.walletID, "method", a.method.String(),
		"from", a.state.String(), "to", s.String())

	a.state = s
}

// Orchestrator executes payment requests. It is safe for concurrent use; the
// per-wallet lock is its only serialization point.
//
// Inside the lock each request checks the abort signal immediately before
// its one irreversible action: the broadcast or payment for external
// settlements and the journal append for intraledger ones. The append that
// follows an external settlement is never skipped, since the money has
// already left.
type Orchestrator struct {
	cfg *Config
}

// New creates an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid payments config: %w", err)
	}

	return &Orchestrator{cfg: cfg}, nil
}

// begin starts tracking a request.
func (o *Orchestrator) begin(method ledger.SettlementMethod,
	walletID directory.WalletID) *attempt {

	return &attempt{
		method:   method,
		walletID: walletID,
		start:    o.cfg.Clock.Now(),
		state:    stateValidating,
	}
}

// finish logs and counts the outcome of a request and maps internal errors
// to the classification callers see.
func (o *Orchestrator) finish(ctx context.Context, a *attempt, r *Receipt,
	err error) (*Receipt, error) {

	elapsed := o.cfg.Clock.Now().Sub(a.start)

	if err == nil {
		a.to(ctx, stateDone)
		log.InfoS(ctx, "Payment recorded",
			"wallet_id", a.walletID,
			"method", r.Method.String(),
			"status", r.Status.String(),
			"journal_id", r.JournalID.String(),
			"external_ref", r.ExternalRef)

		o.observe(r.Method, r.Status.String(), elapsed)

		return r, nil
	}

	if payerr.KindOf(err) == payerr.KindUnknown &&
		(errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded)) {

		err = payerr.Wrap(
			payerr.KindContention, "Request cancelled", err,
		)
	}

	kind := payerr.KindOf(err)
	o.observe(a.method, kind.String(), elapsed)

	switch kind {
	case payerr.KindNotFound:
		var perr *payerr.Error
		errors.As(err, &perr)
		return nil, payerr.Wrap(payerr.KindValidation, perr.Msg, err)

	case payerr.KindInvariant:
		log.CriticalS(ctx, "Payment invariant violated", err,
			"wallet_id", a.walletID, "state", a.state.String())

		return nil, errInternal

	case payerr.KindUnknown:
		log.ErrorS(ctx, "Payment failed", err,
			"wallet_id", a.walletID, "state", a.state.String())

		return nil, errInternal
	}

	log.DebugS(ctx, "Payment rejected",
		"wallet_id", a.walletID, "state", a.state.String(),
		"reason", err.Error())

	return nil, err
}

func (o *Orchestrator) observe(method ledger.SettlementMethod, status string,
	d time.Duration) {

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ObservePayment(method.String(), status, d)
	}
}

// checkMemo bounds the memo length.
func (o *Orchestrator) checkMemo(memo string) error {
	if len(memo) > o.cfg.MaxMemoLength || !utf8.ValidString(memo) {
		return ErrMemoTooLong
	}

	return nil
}

// loadSender fetches the paying account and wallet concurrently.
func (o *Orchestrator) loadSender(ctx context.Context,
	accountID directory.AccountID, walletID directory.WalletID) (
	*directory.Account, *directory.WalletDescriptor, error) {

	var (
		account *directory.Account
		wallet  *directory.WalletDescriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = o.cfg.Directory.FindAccountByID(gctx, accountID)
		return err
	})
	g.Go(func() error {
		var err error
		wallet, err = o.cfg.Directory.FindWalletByID(gctx, walletID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return account, wallet, nil
}

// principal returns the requested amount, or the whole balance for a
// send-all.
func (o *Orchestrator) principal(ctx context.Context,
	w *directory.WalletDescriptor, units uint64,
	sendAll bool) (paymentflow.Amount, error) {

	if !sendAll {
		return paymentflow.Explicit(amount.Any{
			Units: units, Currency: w.Currency,
		}), nil
	}

	balance, err := o.cfg.Ledger.GetWalletBalance(ctx, w)
	if err != nil {
		return paymentflow.Amount{}, err
	}

	return paymentflow.SendAll(balance), nil
}

// conversion returns the dealer functions for outgoing payments.
func (o *Orchestrator) conversion() paymentflow.ConversionFns {
	return paymentflow.ConversionFns{
		UsdFromBtc: o.cfg.Prices.CentsFromSatsForImmediateSell,
		BtcFromUsd: o.cfg.Prices.SatsFromCentsForImmediateBuy,
	}
}

// checkLimits checks the proposed principal against the account's ceiling
// for category. It is valued in cents the same way the journal will record
// it, so a payment counts the same before and after it is made.
func (o *Orchestrator) checkLimits(ctx context.Context,
	account *directory.Account, category ledger.Category,
	proposed paymentflow.Totals) error {

	return o.cfg.Limits.Check(ctx, account, category, proposed.Usd)
}

// checkBalance fails if the wallet cannot cover need.
func (o *Orchestrator) checkBalance(ctx context.Context,
	w *directory.WalletDescriptor, need amount.Any) error {

	balance, err := o.cfg.Ledger.GetWalletBalance(ctx, w)
	if err != nil {
		return err
	}

	cmp, err := balance.Cmp(need)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return insufficientBalance(need, balance)
	}

	return nil
}

// notify queues an event. Failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, e *notify.Event) {
	if o.cfg.Notifications == nil {
		return
	}

	e.Timestamp = o.cfg.Clock.Now()
	if err := o.cfg.Notifications.Dispatch(e); err != nil {
		log.WarnS(ctx, "Unable to queue notification", err,
			"wallet_id", e.WalletID, "event", e.Type.String())
	}
}
