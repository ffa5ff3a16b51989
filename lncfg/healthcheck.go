package lncfg

import (
	"fmt"
	"time"
)

const (
	// DefaultHealthCheckInterval is how often the settlement node is
	// checked.
	DefaultHealthCheckInterval = time.Minute

	// DefaultHealthCheckTimeout bounds a single check.
	DefaultHealthCheckTimeout = 10 * time.Second

	// DefaultHealthCheckBackoff is the wait between failed attempts.
	DefaultHealthCheckBackoff = 30 * time.Second

	// DefaultHealthCheckAttempts is how many consecutive failures shut
	// the daemon down.
	DefaultHealthCheckAttempts = 3
)

// HealthCheck holds the options of the settlement node health check.
//
//nolint:lll
type HealthCheck struct {
	Interval time.Duration `long:"interval" description:"How often to check that the lnd node answers"`
	Attempts int           `long:"attempts" description:"The number of consecutive failed checks after which the daemon shuts down, 0 disables the check"`
	Timeout  time.Duration `long:"timeout" description:"The amount of time we allow a single check to take"`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to back off between failed checks"`
}

// DefaultHealthCheck returns the default health check options.
func DefaultHealthCheck() *HealthCheck {
	return &HealthCheck{
		Interval: DefaultHealthCheckInterval,
		Attempts: DefaultHealthCheckAttempts,
		Timeout:  DefaultHealthCheckTimeout,
		Backoff:  DefaultHealthCheckBackoff,
	}
}

// Validate checks the health check options if the check is enabled.
func (h *HealthCheck) Validate() error {
	switch {
	case h.Attempts < 0:
		return fmt.Errorf("healthcheck.attempts must not be negative")

	case h.Attempts == 0:
		return nil

	case h.Interval < time.Second:
		return fmt.Errorf("healthcheck.interval must be at least a " +
			"second")

	case h.Timeout <= 0 || h.Backoff < 0:
		return fmt.Errorf("healthcheck.timeout must be positive and " +
			"healthcheck.backoff not negative")
	}

	return nil
}
