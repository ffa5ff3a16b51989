package paycore

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/satledger/paycore/build"
	"github.com/satledger/paycore/lncfg"
	"github.com/satledger/paycore/payments"
	"github.com/satledger/paycore/settlement"
)

const (
	defaultConfigFilename = "paycore.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "paycore.log"
	defaultDBFilename     = "paycore.db"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"

	// defaultDBTimeout bounds how long opening the database waits for the
	// file lock held by another process.
	defaultDBTimeout = 10 * time.Second
)

var (
	// DefaultPayDir is the default directory holding data, logs and the
	// config file.
	DefaultPayDir = btcutil.AppDataDir("paycore", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultPayDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultPayDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultPayDir, defaultLogDirname)
)

// Config is the full configuration of the payment core. It is loaded once at
// start-up and handed down; nothing reads it from a global.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	PayDir     string `long:"paydir" description:"The base directory that contains data, logs and the configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the ledger and directory database within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	Network string `long:"network" description:"The Bitcoin network addresses and invoices must belong to" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MaxMemoLength int `long:"maxmemolength" description:"The longest payment memo accepted, in bytes"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Lnd *lncfg.Lnd `group:"lnd" namespace:"lnd"`

	Etcd *lncfg.Etcd `group:"etcd" namespace:"etcd"`

	Price *lncfg.Price `group:"price" namespace:"price"`

	Limits *lncfg.Limits `group:"limits" namespace:"limits"`

	OnChain *lncfg.OnChain `group:"onchain" namespace:"onchain"`

	Lightning *lncfg.Lightning `group:"lightning" namespace:"lightning"`

	Lock *lncfg.Lock `group:"lock" namespace:"lock"`

	Notify *lncfg.Notify `group:"notify" namespace:"notify"`

	Prometheus *lncfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthCheck *lncfg.HealthCheck `group:"healthcheck" namespace:"healthcheck"`

	// ActiveNetParams are the parameters of Network. Set by Validate.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		PayDir:        DefaultPayDir,
		ConfigFile:    DefaultConfigFile,
		DataDir:       defaultDataDir,
		LogDir:        defaultLogDir,
		Network:       defaultNetwork,
		DebugLevel:    defaultLogLevel,
		MaxMemoLength: payments.DefaultMaxMemoLength,
		LogConfig:     build.DefaultLogConfig(),
		Lnd: &lncfg.Lnd{
			Host: lncfg.DefaultLndHost,
		},
		Etcd: &lncfg.Etcd{
			Namespace: lncfg.DefaultEtcdNamespace,
		},
		Price: &lncfg.Price{
			Source:            lncfg.PriceSourceWeb,
			Timeout:           lncfg.DefaultPriceTimeout,
			RequestsPerMinute: lncfg.DefaultPriceRequestsPerMinute,
			Refresh:           lncfg.DefaultPriceRefresh,
			MaxAge:            lncfg.DefaultPriceMaxAge,
			SpreadBps:         lncfg.DefaultSpreadBps,
		},
		Limits:    lncfg.DefaultLimits(),
		OnChain:   lncfg.DefaultOnChain(),
		Lightning: lncfg.DefaultLightning(),
		Lock: &lncfg.Lock{
			TTL:            lncfg.DefaultLockTTL,
			AcquireTimeout: lncfg.DefaultLockAcquireTimeout,
		},
		Notify: &lncfg.Notify{
			Log:        true,
			Timeout:    lncfg.DefaultNotifyTimeout,
			BufferSize: lncfg.DefaultNotifyBuffer,
		},
		Prometheus: &lncfg.Prometheus{
			Listen: lncfg.DefaultPrometheusListen,
		},
		HealthCheck: lncfg.DefaultHealthCheck(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Println("paycore version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their paydir, then we should assume they intend to use the
	// config file within it.
	configFileDir := CleanAndExpandPath(preCfg.PayDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultPayDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		paycLog.Warnf("%v", configFileError)
	}

	return &cfg, nil
}

// Validate checks the configuration and normalizes every path. It also sets
// ActiveNetParams.
func (c *Config) Validate() error {
	// If the provided base directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	payDir := CleanAndExpandPath(c.PayDir)
	if payDir != DefaultPayDir {
		if c.DataDir == defaultDataDir {
			c.DataDir = filepath.Join(payDir, defaultDataDirname)
		}
		if c.LogDir == defaultLogDir {
			c.LogDir = filepath.Join(payDir, defaultLogDirname)
		}
	}
	c.PayDir = payDir
	c.DataDir = CleanAndExpandPath(c.DataDir)
	c.LogDir = CleanAndExpandPath(c.LogDir)
	c.Lnd.TLSCertPath = CleanAndExpandPath(c.Lnd.TLSCertPath)
	c.Lnd.MacaroonPath = CleanAndExpandPath(c.Lnd.MacaroonPath)

	params, err := netParams(c.Network)
	if err != nil {
		return err
	}
	c.ActiveNetParams = params

	if c.MaxMemoLength <= 0 {
		return fmt.Errorf("maxmemolength must be positive")
	}
	// The lease must outlive the longest wait on the node, or the wallet
	// could be paid from twice while a payment is still unresolved.
	maxWait := settlement.MaxPaymentWait(c.Lightning.PaymentTimeout)
	if c.Lock.TTL <= maxWait {
		return fmt.Errorf("lock.ttl (%v) must exceed the longest "+
			"payment wait (%v) for lightning.paymenttimeout (%v)",
			c.Lock.TTL, maxWait, c.Lightning.PaymentTimeout)
	}

	validators := []interface{ Validate() error }{
		c.LogConfig, c.Lnd, c.Etcd, c.Price, c.Limits, c.OnChain,
		c.Lightning, c.Lock, c.Notify, c.Prometheus, c.HealthCheck,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// DBPath returns the path of the bbolt database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}

// netParams maps a network name to its chain parameters.
func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
