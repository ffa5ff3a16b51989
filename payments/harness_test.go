package payments

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/limits"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/price"
	"github.com/satledger/paycore/settlement"
	"github.com/satledger/paycore/walletlock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	testParams = &chaincfg.RegressionNetParams

	// generousCeilings keep limits out of the way of tests that are not
	// about them.
	generousCeilings = limits.Ceilings{
		Withdrawal:        amount.NewCents(100_000_000),
		IntraLedger:       amount.NewCents(100_000_000),
		TradeIntraAccount: amount.NewCents(100_000_000),
	}
)

type mockOnChain struct {
	mock.Mock
}

func (m *mockOnChain) EstimateFee(ctx context.Context, addr btcutil.Address,
	amt amount.Sats, targetConfs uint32) (amount.Sats, error) {

	args := m.Called(ctx, addr, amt, targetConfs)
	return args.Get(0).(amount.Sats), args.Error(1)
}

func (m *mockOnChain) PayToAddress(ctx context.Context,
	addr btcutil.Address, amt amount.Sats, targetConfs uint32,
	label string) (chainhash.Hash, error) {

	args := m.Called(ctx, addr, amt, targetConfs, label)
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

func (m *mockOnChain) LookupSettledFee(ctx context.Context,
	hash chainhash.Hash, scanDepth uint32) (amount.Sats, error) {

	args := m.Called(ctx, hash, scanDepth)
	return args.Get(0).(amount.Sats), args.Error(1)
}

func (m *mockOnChain) Balance(ctx context.Context) (amount.Sats, error) {
	args := m.Called(ctx)
	return args.Get(0).(amount.Sats), args.Error(1)
}

type mockLightning struct {
	mock.Mock
}

func (m *mockLightning) RouteFee(ctx context.Context, invoice string,
	amt amount.Sats) (amount.Sats, error) {

	args := m.Called(ctx, invoice, amt)
	return args.Get(0).(amount.Sats), args.Error(1)
}

func (m *mockLightning) SendPayment(ctx context.Context,
	req *settlement.PaymentRequest) (*settlement.PaymentResult, error) {

	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*settlement.PaymentResult), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockLightning) TrackPayment(ctx context.Context,
	hash lntypes.Hash) (*settlement.PaymentResult, error) {

	args := m.Called(ctx, hash)
	if r := args.Get(0); r != nil {
		return r.(*settlement.PaymentResult), args.Error(1)
	}

	return nil, args.Error(1)
}

// recordingDispatcher keeps every event it is handed.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (d *recordingDispatcher) Dispatch(e *notify.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, e)

	return nil
}

func (d *recordingDispatcher) all() []*notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*notify.Event(nil), d.events...)
}

type fakeMetrics struct {
	mu        sync.Mutex
	payments  map[string]int
	fallbacks int
}

func (m *fakeMetrics) ObservePayment(method, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[method+"/"+status]++
}

func (m *fakeMetrics) IncFeeFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallbacks++
}

func (m *fakeMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.payments[key]
}

// hookLocker counts lock acquisitions and can run a hook at the start of
// every critical section.
type hookLocker struct {
	walletlock.Locker

	calls  atomic.Int32
	before func()
}

func (l *hookLocker) WithLock(ctx context.Context, id directory.WalletID,
	fn walletlock.Section) error {

	l.calls.Add(1)

	return l.Locker.WithLock(ctx, id,
		func(ctx context.Context, sig walletlock.Signal) error {
			if l.before != nil {
				l.before()
			}

			return fn(ctx, sig)
		},
	)
}

// lostSignal is a lease that is already gone.
type lostSignal struct {
	done chan struct{}
}

func newLostSignal() *lostSignal {
	done := make(chan struct{})
	close(done)

	return &lostSignal{done: done}
}

func (s *lostSignal) Done() <-chan struct{} { return s.done }

func (s *lostSignal) Aborted() bool { return true }

func (s *lostSignal) Check() error { return walletlock.ErrLockExpired }

// expiredLocker hands every section a lost lease.
type expiredLocker struct{}

func (expiredLocker) WithLock(ctx context.Context, _ directory.WalletID,
	fn walletlock.Section) error {

	return fn(ctx, newLostSignal())
}

type testHarness struct {
	t   *testing.T
	ctx context.Context

	clock   *clock.TestClock
	dir     *directory.KVStore
	ledger  *ledger.Store
	locker  *hookLocker
	onchain *mockOnChain
	ln      *mockLightning
	events  *recordingDispatcher
	metrics *fakeMetrics
	cfg     *Config
	orch    *Orchestrator

	aliceAccount *directory.Account
	aliceBtc     *directory.WalletDescriptor
	aliceUsd     *directory.WalletDescriptor
	bobAccount   *directory.Account
	bobBtc       *directory.WalletDescriptor
	bobUsd       *directory.WalletDescriptor
}

type harnessOption func(h *testHarness, cfg *Config)

// withCeilings replaces the level one ceilings.
func withCeilings(c limits.Ceilings) harnessOption {
	return func(h *testHarness, cfg *Config) {
		cfg.Limits = h.checker(c)
	}
}

// withSpread quotes customers at spreadBps either side of the mid price.
func withSpread(spreadBps uint32) harnessOption {
	return func(h *testHarness, cfg *Config) {
		oracle := price.NewOracle(price.OracleConfig{
			Source: price.NewStaticSource(
				decimal.NewFromInt(50_000), h.clock,
			),
			Clock:  h.clock,
			MaxAge: time.Minute,
		})
		dealer, err := price.NewDealer(oracle, spreadBps)
		require.NoError(h.t, err)

		cfg.Prices = dealer
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "paycore.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	dir, err := directory.NewKVStore(db)
	require.NoError(t, err)

	testClock := clock.NewTestClock(testTime)
	store, err := ledger.NewStore(db, testClock)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.CheckBalanced(context.Background()))
	})

	oracle := price.NewOracle(price.OracleConfig{
		Source: price.NewStaticSource(
			decimal.NewFromInt(50_000), testClock,
		),
		Clock:  testClock,
		MaxAge: time.Minute,
	})
	dealer, err := price.NewDealer(oracle, 0)
	require.NoError(t, err)

	h := &testHarness{
		t:       t,
		ctx:     context.Background(),
		clock:   testClock,
		dir:     dir,
		ledger:  store,
		onchain: &mockOnChain{},
		ln:      &mockLightning{},
		events:  &recordingDispatcher{},
		metrics: &fakeMetrics{payments: make(map[string]int)},
		locker: &hookLocker{
			Locker: walletlock.NewLocalLocker(walletlock.LocalConfig{
				TTL:            time.Minute,
				AcquireTimeout: 10 * time.Second,
				Clock:          testClock,
			}),
		},
	}
	h.onchain.Test(t)
	h.ln.Test(t)

	h.aliceAccount, h.aliceBtc, h.aliceUsd = h.addAccount("alice", "en")
	h.bobAccount, h.bobBtc, h.bobUsd = h.addAccount("bob", "es")

	h.cfg = &Config{
		Directory:     dir,
		Ledger:        store,
		Locker:        h.locker,
		Limits:        h.checker(generousCeilings),
		Prices:        dealer,
		OnChain:       h.onchain,
		Lightning:     h.ln,
		Notifications: h.events,
		Metrics:       h.metrics,
		Clock:         testClock,
		ChainParams:   testParams,
		BankFees: map[directory.AccountLevel]amount.Sats{
			directory.AccountLevelOne: amount.NewSats(500),
		},
	}
	for _, opt := range opts {
		opt(h, h.cfg)
	}

	h.orch, err = New(h.cfg)
	require.NoError(t, err)

	return h
}

func (h *testHarness) checker(c limits.Ceilings) *limits.Checker {
	return limits.NewChecker(limits.Config{
		Levels: map[directory.AccountLevel]limits.Ceilings{
			directory.AccountLevelOne: c,
		},
		Volumes: h.ledger,
		Wallets: h.dir,
		Clock:   h.clock,
	})
}

// addAccount creates a level one account with a BTC default wallet and a
// USD wallet.
func (h *testHarness) addAccount(name, language string) (*directory.Account,
	*directory.WalletDescriptor, *directory.WalletDescriptor) {

	h.t.Helper()

	account := &directory.Account{
		ID:              directory.AccountID("acct-" + name),
		Username:        name,
		Level:           directory.AccountLevelOne,
		OwnerID:         directory.UserID("user-" + name),
		DefaultWalletID: directory.WalletID("btc-" + name),
	}
	btc := &directory.WalletDescriptor{
		ID:        directory.WalletID("btc-" + name),
		AccountID: account.ID,
		Currency:  amount.CurrencyBTC,
	}
	usd := &directory.WalletDescriptor{
		ID:        directory.WalletID("usd-" + name),
		AccountID: account.ID,
		Currency:  amount.CurrencyUSD,
	}

	require.NoError(h.t, h.dir.AddUser(h.ctx, &directory.User{
		ID:       account.OwnerID,
		Language: language,
	}))
	require.NoError(h.t, h.dir.AddAccount(h.ctx, account))
	require.NoError(h.t, h.dir.AddWallet(h.ctx, btc))
	require.NoError(h.t, h.dir.AddWallet(h.ctx, usd))

	return account, btc, usd
}

func (h *testHarness) deposit(w *directory.WalletDescriptor, units uint64) {
	h.t.Helper()

	_, err := h.ledger.RecordDeposit(
		h.ctx, w, amount.Any{Units: units, Currency: w.Currency}, "",
	)
	require.NoError(h.t, err)
}

func (h *testHarness) balance(w *directory.WalletDescriptor) uint64 {
	h.t.Helper()

	b, err := h.ledger.GetWalletBalance(h.ctx, w)
	require.NoError(h.t, err)

	return b.Units
}

// address returns a regtest P2WPKH address for the given key hash byte.
func (h *testHarness) address(b byte) btcutil.Address {
	h.t.Helper()

	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = b
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, testParams)
	require.NoError(h.t, err)

	return addr
}

// invoice encodes a signed regtest invoice. A zero amount gives an
// amountless invoice.
func (h *testHarness) invoice(hash lntypes.Hash, sats uint64) string {
	h.t.Helper()

	opts := []func(*zpay32.Invoice){zpay32.Description("coffee")}
	if sats != 0 {
		opts = append(opts, zpay32.Amount(
			lnwire.NewMSatFromSatoshis(btcutil.Amount(sats)),
		))
	}

	inv, err := zpay32.NewInvoice(testParams, hash, h.clock.Now(), opts...)
	require.NoError(h.t, err)

	privKey, _ := btcec.PrivKeyFromBytes(hash[:])
	encoded, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(
				privKey, chainhash.HashB(msg), true,
			), nil
		},
	})
	require.NoError(h.t, err)

	return encoded
}

// eventsOfType filters the recorded notifications.
func (h *testHarness) eventsOfType(typ notify.EventType) []*notify.Event {
	var out []*notify.Event
	for _, e := range h.events.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}

	return out
}
