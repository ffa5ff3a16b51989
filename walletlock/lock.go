package walletlock

import (
	"context"
	"sync"
	"time"

	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payerr"
)

var (
	// ErrLockExpired is returned by Signal.Check once the lease has run
	// out. The caller may retry the whole operation.
	ErrLockExpired = payerr.New(
		payerr.KindContention, "wallet lock lease expired",
	)

	// ErrLockBusy is returned when the lock could not be acquired within
	// the acquire timeout.
	ErrLockBusy = payerr.New(payerr.KindContention, "wallet is busy")
)

// Signal tells a critical section whether its lease is still held. It is
// cooperative: the section must call Check immediately before every
// irreversible step and stop if it fails.
type Signal interface {
	// Done is closed when the lease is lost.
	Done() <-chan struct{}

	// Aborted reports whether the lease is lost.
	Aborted() bool

	// Check returns ErrLockExpired once the lease is lost.
	Check() error
}

// Section is a critical section run while holding a wallet lock.
type Section func(ctx context.Context, sig Signal) error

// Locker grants exclusive, lease bounded critical sections per wallet.
type Locker interface {
	// WithLock runs fn while holding the lock for walletID. The lock is
	// released on every exit path, including a panic in fn.
	WithLock(ctx context.Context, walletID directory.WalletID,
		fn Section) error
}

// WaitObserver is told how long each acquisition waited.
type WaitObserver func(wait time.Duration, err error)

// leaseSignal is the Signal handed to a section.
type leaseSignal struct {
	done chan struct{}
	once sync.Once
}

func newLeaseSignal() *leaseSignal {
	return &leaseSignal{done: make(chan struct{})}
}

// abort marks the lease lost. It is safe to call more than once.
func (s *leaseSignal) abort() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Done is closed when the lease is lost.
func (s *leaseSignal) Done() <-chan struct{} {
	return s.done
}

// Aborted reports whether the lease is lost.
func (s *leaseSignal) Aborted() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Check returns ErrLockExpired once the lease is lost.
func (s *leaseSignal) Check() error {
	if s.Aborted() {
		return ErrLockExpired
	}

	return nil
}

// A compile-time assertion to ensure leaseSignal implements Signal.
var _ Signal = (*leaseSignal)(nil)

// watchLease aborts sig when expired fires or lost is closed, whichever
// happens first. The returned func stops the watcher.
func watchLease(sig *leaseSignal, expired <-chan time.Time,
	lost <-chan struct{}, walletID directory.WalletID) func() {

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		select {
		case <-expired:
			log.Warnf("Lease on wallet %v expired", walletID)
			sig.abort()

		case <-lost:
			log.Warnf("Lost lock session for wallet %v", walletID)
			sig.abort()

		case <-stop:
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
	}
}
