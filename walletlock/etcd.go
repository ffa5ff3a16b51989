package walletlock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payerr"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
)

const (
	// etcdConnectionTimeout is the timeout until successful connection to
	// the etcd instance.
	etcdConnectionTimeout = 10 * time.Second

	// unlockTimeout bounds the release of a lock after the section ends.
	unlockTimeout = 5 * time.Second
)

// EtcdClientConfig holds the etcd connection settings.
type EtcdClientConfig struct {
	Host               string
	User               string
	Pass               string
	Namespace          string
	DisableTLS         bool
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// NewEtcdClient connects to etcd and scopes the client to the namespace.
func NewEtcdClient(ctx context.Context,
	cfg *EtcdClientConfig) (*clientv3.Client, error) {

	clientCfg := clientv3.Config{
		Context:     ctx,
		Endpoints:   []string{cfg.Host},
		DialTimeout: etcdConnectionTimeout,
		Username:    cfg.User,
		Password:    cfg.Pass,
	}

	if !cfg.DisableTLS {
		tlsInfo := transport.TLSInfo{
			CertFile:           cfg.CertFile,
			KeyFile:            cfg.KeyFile,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}

		tlsConfig, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, err
		}

		clientCfg.TLS = tlsConfig
	}

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		log.Errorf("Unable to connect to etcd: %v", err)
		return nil, err
	}

	// Apply the namespace.
	cli.KV = namespace.NewKV(cli.KV, cfg.Namespace)
	cli.Watcher = namespace.NewWatcher(cli.Watcher, cfg.Namespace)
	cli.Lease = namespace.NewLease(cli.Lease, cfg.Namespace)
	log.Infof("Applied namespace to wallet locker: %v", cfg.Namespace)

	return cli, nil
}

// EtcdConfig configures an EtcdLocker.
type EtcdConfig struct {
	// Client is a connected etcd client.
	Client *clientv3.Client

	// Prefix is prepended to every lock key.
	Prefix string

	// TTL is the lease length of a critical section. The etcd session
	// lease is rounded up to whole seconds.
	TTL time.Duration

	// AcquireTimeout bounds how long WithLock waits for the lock.
	AcquireTimeout time.Duration

	// Clock drives lease expiry.
	Clock clock.Clock

	// ObserveWait, if set, is called after every acquisition attempt.
	ObserveWait WaitObserver
}

// EtcdLocker is a Locker that holds across service instances. Each section
// runs under its own etcd session, so a crashed holder releases the lock
// when its lease lapses.
type EtcdLocker struct {
	cfg EtcdConfig
}

// A compile-time assertion to ensure EtcdLocker implements Locker.
var _ Locker = (*EtcdLocker)(nil)

// NewEtcdLocker creates an EtcdLocker.
func NewEtcdLocker(cfg EtcdConfig) *EtcdLocker {
	return &EtcdLocker{cfg: cfg}
}

// WithLock runs fn while holding the lock for walletID.
//
// NOTE: Part of the Locker interface.
func (l *EtcdLocker) WithLock(ctx context.Context,
	walletID directory.WalletID, fn Section) error {

	ttlSeconds := int(math.Ceil(l.cfg.TTL.Seconds()))
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	start := l.cfg.Clock.Now()
	session, err := concurrency.NewSession(
		l.cfg.Client, concurrency.WithTTL(ttlSeconds),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("Unable to start lock session: %v", err)
		return payerr.Dependency("lock service", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warnf("Unable to close lock session: %v", err)
		}
	}()

	mutex := concurrency.NewMutex(session, l.key(walletID))

	acquireCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	err = mutex.Lock(acquireCtx)
	cancel()

	switch {
	case err == nil:

	case ctx.Err() != nil:
		err = ctx.Err()

	case errors.Is(err, context.DeadlineExceeded):
		err = ErrLockBusy

	default:
		err = payerr.Dependency("lock service", err)
	}
	if l.cfg.ObserveWait != nil {
		l.cfg.ObserveWait(l.cfg.Clock.Now().Sub(start), err)
	}
	if err != nil {
		log.Debugf("Unable to lock wallet %v: %v", walletID, err)
		return err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(
			context.Background(), unlockTimeout,
		)
		defer cancel()

		if err := mutex.Unlock(unlockCtx); err != nil {
			log.Warnf("Unable to unlock wallet %v: %v", walletID,
				err)
		}
	}()

	sig := newLeaseSignal()
	stop := watchLease(
		sig, l.cfg.Clock.TickAfter(l.cfg.TTL), session.Done(),
		walletID,
	)
	defer stop()

	log.Tracef("Locked wallet %v under lease %x", walletID,
		session.Lease())

	return fn(ctx, sig)
}

func (l *EtcdLocker) key(id directory.WalletID) string {
	return fmt.Sprintf("%s/wallets/%s", l.cfg.Prefix, id)
}
