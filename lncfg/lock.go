package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultLockTTL is the lease length of a wallet's critical section.
	DefaultLockTTL = 2 * time.Minute

	// DefaultLockAcquireTimeout bounds the wait for a busy wallet.
	DefaultLockAcquireTimeout = 15 * time.Second
)

// Lock holds the wallet lock options.
//
//nolint:lll
type Lock struct {
	TTL            time.Duration `long:"ttl" description:"The lease length of a payment's critical section. Must exceed lightning.paymenttimeout plus the time allowed to confirm its outcome"`
	AcquireTimeout time.Duration `long:"acquiretimeout" description:"How long a payment waits for a busy wallet before failing"`
}

// Validate checks the lock options.
func (l *Lock) Validate() error {
	if l.TTL <= 0 || l.AcquireTimeout <= 0 {
		return fmt.Errorf("lock.ttl and lock.acquiretimeout must be " +
			"positive")
	}

	return nil
}
