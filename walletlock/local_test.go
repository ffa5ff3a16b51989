package walletlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/satledger/paycore/payerr"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestLocker(acquire time.Duration) (*LocalLocker, *clock.TestClock) {
	testClock := clock.NewTestClock(testTime)

	return NewLocalLocker(LocalConfig{
		TTL:            time.Minute,
		AcquireTimeout: acquire,
		Clock:          testClock,
	}), testClock
}

// TestLocalLockerExclusive checks that sections on one wallet never overlap
// while sections on different wallets may.
func TestLocalLockerExclusive(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(5 * time.Second)
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := l.WithLock(ctx, "w1", func(context.Context,
				Signal) error {

				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)

				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, maxSeen.Load())

	l.mu.Lock()
	require.Empty(t, l.locks)
	l.mu.Unlock()
}

// TestLocalLockerBusy checks that a waiter gives up with a contention error
// after the acquire timeout.
func TestLocalLockerBusy(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(20 * time.Millisecond)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(ctx, "w1", func(context.Context, Signal) error {
			close(held)
			<-release

			return nil
		})
	}()
	<-held

	err := l.WithLock(ctx, "w1", func(context.Context, Signal) error {
		t.Fatal("section must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrLockBusy)
	require.True(t, payerr.IsKind(err, payerr.KindContention))

	// Another wallet is unaffected.
	err = l.WithLock(ctx, "w2", func(context.Context, Signal) error {
		return nil
	})
	require.NoError(t, err)

	close(release)
}

// TestLocalLockerLeaseExpiry checks that the signal aborts once the lease
// elapses and that Check then reports the expiry.
func TestLocalLockerLeaseExpiry(t *testing.T) {
	t.Parallel()

	l, testClock := newTestLocker(time.Second)

	err := l.WithLock(context.Background(), "w1",
		func(_ context.Context, sig Signal) error {
			require.NoError(t, sig.Check())

			testClock.SetTime(testTime.Add(time.Minute))
			require.Eventually(t, sig.Aborted, time.Second,
				time.Millisecond)

			<-sig.Done()

			return sig.Check()
		},
	)
	require.ErrorIs(t, err, ErrLockExpired)
	require.True(t, payerr.KindOf(err).Retryable())
}

// TestLocalLockerReleasesOnPanic checks that a panicking section still
// releases the lock.
func TestLocalLockerReleasesOnPanic(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(50 * time.Millisecond)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = l.WithLock(ctx, "w1", func(context.Context, Signal) error {
			panic("boom")
		})
	})

	ran := false
	err := l.WithLock(ctx, "w1", func(context.Context, Signal) error {
		ran = true
		return errors.New("section error")
	})
	require.EqualError(t, err, "section error")
	require.True(t, ran)
}

// TestLocalLockerCallerCancel checks that a caller's own cancellation is
// reported as such rather than as contention.
func TestLocalLockerCallerCancel(t *testing.T) {
	t.Parallel()

	l, _ := newTestLocker(time.Second)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "w1",
			func(context.Context, Signal) error {
				close(held)
				<-release

				return nil
			},
		)
	}()
	<-held
	defer close(release)

	var observed error
	l.cfg.ObserveWait = func(_ time.Duration, err error) {
		observed = err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.WithLock(ctx, "w1", func(context.Context, Signal) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, observed, context.Canceled)
}
