package price

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/satledger/paycore/payerr"
	"golang.org/x/sync/singleflight"
)

// ErrStalePrice is returned when the cached quote is older than the allowed
// maximum age and a refresh failed.
var ErrStalePrice = errors.New("price quote is stale")

// OracleConfig holds the dependencies of an Oracle.
type OracleConfig struct {
	// Source is the upstream price feed.
	Source Source

	// Clock is used to judge quote age.
	Clock clock.Clock

	// RefreshTicker drives the background refresh. If nil, the oracle
	// only fetches on demand.
	RefreshTicker ticker.Ticker

	// MaxAge is the oldest quote the oracle will hand out.
	MaxAge time.Duration
}

// Oracle caches the latest quote from a Source. Concurrent callers that miss
// the cache share one upstream request.
type Oracle struct {
	started sync.Once
	stopped sync.Once

	cfg OracleConfig

	group singleflight.Group

	mtx    sync.RWMutex
	latest fn.Option[Rate]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewOracle creates a new Oracle.
func NewOracle(cfg OracleConfig) *Oracle {
	return &Oracle{
		cfg:    cfg,
		latest: fn.None[Rate](),
		quit:   make(chan struct{}),
	}
}

// Start primes the cache and launches the refresh loop. A failure to prime is
// logged, not returned, so the daemon can start while the feed is down.
func (o *Oracle) Start() error {
	o.started.Do(func() {
		log.Infof("Starting price oracle")

		ctx, cancel := o.quitCtx()
		if _, err := o.refresh(ctx); err != nil {
			log.Warnf("Initial price fetch failed: %v", err)
		}
		cancel()

		if o.cfg.RefreshTicker == nil {
			return
		}

		o.cfg.RefreshTicker.Resume()

		o.wg.Add(1)
		go o.refreshLoop()
	})

	return nil
}

// Stop halts the refresh loop.
func (o *Oracle) Stop() error {
	o.stopped.Do(func() {
		log.Infof("Stopping price oracle")

		if o.cfg.RefreshTicker != nil {
			o.cfg.RefreshTicker.Stop()
		}

		close(o.quit)
		o.wg.Wait()
	})

	return nil
}

// Rate returns a quote no older than MaxAge, fetching a new one if needed.
func (o *Oracle) Rate(ctx context.Context) (Rate, error) {
	if r, ok := o.fresh(); ok {
		return r, nil
	}

	r, err := o.refresh(ctx)
	if err != nil {
		return Rate{}, payerr.Dependency("price", err)
	}

	return r, nil
}

// fresh returns the cached rate if it is within MaxAge.
func (o *Oracle) fresh() (Rate, bool) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()

	r, err := o.latest.UnwrapOrErr(ErrStalePrice)
	if err != nil {
		return Rate{}, false
	}

	if o.cfg.Clock.Now().Sub(r.Timestamp) > o.cfg.MaxAge {
		return Rate{}, false
	}

	return r, true
}

// refresh fetches a new quote, collapsing concurrent callers into one request.
func (o *Oracle) refresh(ctx context.Context) (Rate, error) {
	v, err, shared := o.group.Do("rate", func() (interface{}, error) {
		r, err := o.cfg.Source.FetchRate(ctx)
		if err != nil {
			return nil, err
		}

		if o.cfg.Clock.Now().Sub(r.Timestamp) > o.cfg.MaxAge {
			return nil, ErrStalePrice
		}

		o.mtx.Lock()
		o.latest = fn.Some(r)
		o.mtx.Unlock()

		log.Debugf("Fetched price %v", r)

		return r, nil
	})
	if err != nil {
		return Rate{}, err
	}

	if shared {
		log.Tracef("Shared in-flight price fetch")
	}

	return v.(Rate), nil
}

// refreshLoop refreshes the cached quote on every tick.
//
// NOTE: MUST be run as a goroutine.
func (o *Oracle) refreshLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.cfg.RefreshTicker.Ticks():
			ctx, cancel := o.quitCtx()
			if _, err := o.refresh(ctx); err != nil {
				log.Errorf("Unable to refresh price: %v", err)
			}
			cancel()

		case <-o.quit:
			return
		}
	}
}

// quitCtx returns a context that is cancelled when the oracle stops.
func (o *Oracle) quitCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-o.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
