package walletlock

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/satledger/paycore/directory"
	"golang.org/x/sync/semaphore"
)

// LocalConfig configures a LocalLocker.
type LocalConfig struct {
	// TTL is the lease length of a critical section.
	TTL time.Duration

	// AcquireTimeout bounds how long WithLock waits for the lock.
	AcquireTimeout time.Duration

	// Clock drives lease expiry.
	Clock clock.Clock

	// ObserveWait, if set, is called after every acquisition attempt.
	ObserveWait WaitObserver
}

// LocalLocker is an in-process Locker. It only serializes callers within one
// process, so it suits tests and single instance deployments.
type LocalLocker struct {
	cfg LocalConfig

	mu    sync.Mutex
	locks map[directory.WalletID]*refSem
}

// refSem is a per-wallet semaphore shared by every waiter on that wallet.
type refSem struct {
	sem  *semaphore.Weighted
	refs int
}

// A compile-time assertion to ensure LocalLocker implements Locker.
var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker(cfg LocalConfig) *LocalLocker {
	return &LocalLocker{
		cfg:   cfg,
		locks: make(map[directory.WalletID]*refSem),
	}
}

// WithLock runs fn while holding the lock for walletID.
//
// NOTE: Part of the Locker interface.
func (l *LocalLocker) WithLock(ctx context.Context,
	walletID directory.WalletID, fn Section) error {

	s := l.ref(walletID)
	defer l.unref(walletID)

	start := l.cfg.Clock.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	err := s.sem.Acquire(acquireCtx, 1)
	cancel()

	switch {
	case err != nil && ctx.Err() != nil:
		err = ctx.Err()
	case err != nil:
		err = ErrLockBusy
	}
	if l.cfg.ObserveWait != nil {
		l.cfg.ObserveWait(l.cfg.Clock.Now().Sub(start), err)
	}
	if err != nil {
		log.Debugf("Unable to lock wallet %v: %v", walletID, err)
		return err
	}
	defer s.sem.Release(1)

	sig := newLeaseSignal()
	stop := watchLease(sig, l.cfg.Clock.TickAfter(l.cfg.TTL), nil, walletID)
	defer stop()

	log.Tracef("Locked wallet %v", walletID)

	return fn(ctx, sig)
}

func (l *LocalLocker) ref(id directory.WalletID) *refSem {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.locks[id]
	if !ok {
		s = &refSem{sem: semaphore.NewWeighted(1)}
		l.locks[id] = s
	}
	s.refs++

	return s
}

func (l *LocalLocker) unref(id directory.WalletID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.locks[id]
	s.refs--
	if s.refs == 0 {
		delete(l.locks, id)
	}
}
