package paycore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/build"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/lncfg"
	"github.com/satledger/paycore/limits"
	"github.com/satledger/paycore/monitoring"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/payments"
	"github.com/satledger/paycore/price"
	"github.com/satledger/paycore/settlement"
	"github.com/satledger/paycore/signal"
	"github.com/satledger/paycore/walletlock"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Stores are the persistent state of the payment core: the directory and the
// ledger, both kept in one bbolt database.
type Stores struct {
	db kvdb.Backend

	Directory *directory.KVStore
	Ledger    *ledger.Store
}

// OpenStores opens the database at cfg.DBPath, creating it if needed.
func OpenStores(cfg *Config, clk clock.Clock) (*Stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, cfg.DBPath(), true, defaultDBTimeout,
		false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	dir, err := directory.NewKVStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ldg, err := ledger.NewStore(db, clk)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Stores{
		db:        db,
		Directory: dir,
		Ledger:    ldg,
	}, nil
}

// Close closes the database.
func (s *Stores) Close() error {
	return s.db.Close()
}

// Core is the assembled payment core: every service the orchestrator needs,
// built from one Config.
type Core struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	*Stores

	Oracle     *price.Oracle
	Dealer     *price.Dealer
	Limits     *limits.Checker
	Metrics    *monitoring.Metrics
	Dispatcher *notify.Dispatcher
	Payments   *payments.Orchestrator
	Resolver   *payments.PendingResolver

	lnd      *settlement.LndClient
	etcd     *clientv3.Client
	exporter *monitoring.Exporter
}

// New builds a Core from cfg. Nothing runs in the background until Start is
// called.
func New(ctx context.Context, cfg *Config) (*Core, error) {
	clk := clock.NewDefaultClock()

	stores, err := OpenStores(cfg, clk)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:     cfg,
		Stores:  stores,
		Metrics: monitoring.NewMetrics(),
	}

	// Close whatever was opened if any later step fails.
	success := false
	defer func() {
		if !success {
			c.closeClients()
		}
	}()

	var source price.Source
	switch cfg.Price.Source {
	case lncfg.PriceSourceStatic:
		source = price.NewStaticSource(cfg.Price.UsdPerBtc(), clk)

	default:
		source = price.NewWebSource(price.WebSourceConfig{
			URL:               cfg.Price.URL,
			Timeout:           cfg.Price.Timeout,
			RequestsPerMinute: cfg.Price.RequestsPerMinute,
			Clock:             clk,
		})
	}

	c.Oracle = price.NewOracle(price.OracleConfig{
		Source:        source,
		Clock:         clk,
		RefreshTicker: ticker.New(cfg.Price.Refresh),
		MaxAge:        cfg.Price.MaxAge,
	})

	c.Dealer, err = price.NewDealer(c.Oracle, cfg.Price.SpreadBps)
	if err != nil {
		return nil, err
	}

	c.Limits = limits.NewChecker(limits.Config{
		Levels:  cfg.Limits.Levels(),
		Window:  cfg.Limits.Window,
		Volumes: stores.Ledger,
		Wallets: stores.Directory,
		Clock:   clk,
	})

	var notifiers []notify.Notifier
	if cfg.Notify.Log {
		notifiers = append(
			notifiers, notify.NewLogNotifier(paycLog),
		)
	}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(
			notify.WebhookConfig{
				URL:               cfg.Notify.WebhookURL,
				RequestsPerSecond: cfg.Notify.RequestsPerSecond,
			},
		))
	}
	c.Dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		Notifiers:  notifiers,
		Timeout:    cfg.Notify.Timeout,
		BufferSize: cfg.Notify.BufferSize,
	})

	locker, err := c.newLocker(ctx, clk)
	if err != nil {
		return nil, err
	}

	lndCfg := cfg.Lnd.ClientConfig()
	lndCfg.DialOptions = c.Metrics.GrpcDialOptions()
	c.lnd, err = settlement.NewLndClient(lndCfg)
	if err != nil {
		return nil, err
	}

	c.Payments, err = payments.New(&payments.Config{
		Directory:      stores.Directory,
		Ledger:         stores.Ledger,
		Locker:         locker,
		Limits:         c.Limits,
		Prices:         c.Dealer,
		OnChain:        c.lnd,
		Lightning:      c.lnd,
		Notifications:  c.Dispatcher,
		Metrics:        c.Metrics,
		Clock:          clk,
		ChainParams:    cfg.ActiveNetParams,
		DustThreshold:  amount.NewSats(cfg.OnChain.DustThreshold),
		ScanDepth:      cfg.OnChain.ScanDepth,
		BankFees:       cfg.OnChain.BankFees(),
		BankFeeWallet:  cfg.OnChain.FeeWallet(),
		MaxFeeRatio:    cfg.Lightning.FeeRatio(),
		PaymentTimeout: cfg.Lightning.PaymentTimeout,
		MaxMemoLength:  cfg.MaxMemoLength,
	})
	if err != nil {
		return nil, err
	}

	c.Resolver = payments.NewPendingResolver(
		c.Payments, ticker.New(cfg.Lightning.ResolveInterval),
	)

	if cfg.Prometheus.Enable {
		c.exporter = monitoring.NewExporter(
			c.Metrics, cfg.Prometheus.Listen,
		)
	}

	success = true

	return c, nil
}

// newLocker returns the etcd locker if etcd is enabled and the in-process one
// otherwise.
func (c *Core) newLocker(ctx context.Context,
	clk clock.Clock) (walletlock.Locker, error) {

	if !c.cfg.Etcd.Enable {
		paycLog.Infof("Using in-process wallet locks, only one " +
			"instance may run against this ledger")

		return walletlock.NewLocalLocker(walletlock.LocalConfig{
			TTL:            c.cfg.Lock.TTL,
			AcquireTimeout: c.cfg.Lock.AcquireTimeout,
			Clock:          clk,
			ObserveWait:    c.Metrics.ObserveLockWait,
		}), nil
	}

	cli, err := walletlock.NewEtcdClient(ctx, c.cfg.Etcd.ClientConfig())
	if err != nil {
		return nil, err
	}
	c.etcd = cli

	return walletlock.NewEtcdLocker(walletlock.EtcdConfig{
		Client:         cli,
		Prefix:         "walletlock/",
		TTL:            c.cfg.Lock.TTL,
		AcquireTimeout: c.cfg.Lock.AcquireTimeout,
		Clock:          clk,
		ObserveWait:    c.Metrics.ObserveLockWait,
	}), nil
}

// Start launches the background services.
func (c *Core) Start() error {
	var startErr error
	c.started.Do(func() {
		paycLog.Info("Starting payment core")

		if err := c.Oracle.Start(); err != nil {
			startErr = err
			return
		}
		if err := c.Dispatcher.Start(); err != nil {
			startErr = err
			return
		}
		if err := c.Resolver.Start(); err != nil {
			startErr = err
			return
		}
		if c.exporter != nil {
			if err := c.exporter.Start(); err != nil {
				startErr = err
				return
			}
		}
	})

	return startErr
}

// Stop shuts down the background services and closes every connection.
func (c *Core) Stop() error {
	var stopErr error
	c.stopped.Do(func() {
		paycLog.Info("Payment core shutting down...")

		if c.exporter != nil {
			stopErr = errors.Join(stopErr, c.exporter.Stop())
		}
		stopErr = errors.Join(
			stopErr, c.Resolver.Stop(), c.Dispatcher.Stop(),
			c.Oracle.Stop(),
		)
		stopErr = errors.Join(stopErr, c.closeClients())
	})

	return stopErr
}

// closeClients closes the external connections and the database.
func (c *Core) closeClients() error {
	var err error
	if c.lnd != nil {
		err = errors.Join(err, c.lnd.Close())
	}
	if c.etcd != nil {
		err = errors.Join(err, c.etcd.Close())
	}

	return errors.Join(err, c.Stores.Close())
}

// settlementCheck returns a health check that fails when the lnd node stops
// answering.
func (c *Core) settlementCheck(
	cfg *lncfg.HealthCheck) *healthcheck.Observation {

	return healthcheck.NewObservation(
		"settlement node",
		func() error {
			ctx, cancel := context.WithTimeout(
				context.Background(), cfg.Timeout,
			)
			defer cancel()

			_, err := c.lnd.Balance(ctx)

			return err
		},
		cfg.Interval, cfg.Timeout, cfg.Backoff, cfg.Attempts,
	)
}

// SetupLogging creates the log writers and sets every subsystem's level from
// cfg. The returned rotator must be closed on exit.
func SetupLogging(cfg *Config) (*build.RotatingLogWriter, error) {
	rotator := build.NewRotatingLogWriter()
	if !cfg.LogConfig.File.Disable {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		err := rotator.InitLogRotator(cfg.LogConfig.File, logFile)
		if err != nil {
			return nil, fmt.Errorf("log rotation setup failed: %w",
				err)
		}
	}

	root := build.NewSubLoggerManager(
		cfg.LogConfig, build.NewLogWriter(cfg.LogConfig, rotator),
	)
	SetupLoggers(root)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = rotator.Close()
		return nil, err
	}

	return rotator, nil
}

// Main runs the payment core until the interceptor signals shutdown.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	paycLog.Infof("Version: %s commit=%s, network=%s", build.Version(),
		build.Commit, cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to create payment core: %w", err)
	}
	defer func() {
		if err := core.Stop(); err != nil {
			paycLog.Errorf("Shutdown error: %v", err)
		}
	}()

	if err := core.Start(); err != nil {
		return fmt.Errorf("unable to start payment core: %w", err)
	}

	// A ledger that does not balance means an earlier write was lost or
	// corrupted. Refuse to move money on top of it.
	if err := core.Ledger.CheckBalanced(ctx); err != nil {
		return fmt.Errorf("ledger check failed: %w", err)
	}

	if cfg.HealthCheck.Attempts > 0 {
		monitor := healthcheck.NewMonitor(&healthcheck.Config{
			Checks: []*healthcheck.Observation{
				core.settlementCheck(cfg.HealthCheck),
			},
			Shutdown: func(format string, params ...interface{}) {
				paycLog.Criticalf("Health check: %v",
					fmt.Sprintf(format, params...))
				interceptor.RequestShutdown()
			},
		})
		if err := monitor.Start(); err != nil {
			return fmt.Errorf("unable to start health monitor: %w",
				err)
		}
		defer func() {
			if err := monitor.Stop(); err != nil {
				paycLog.Errorf("Health monitor shutdown "+
					"error: %v", err)
			}
		}()
	}

	paycLog.Info("Payment core ready")

	<-interceptor.ShutdownChannel()

	return nil
}
