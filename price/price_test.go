package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// countingSource wraps a StaticSource and counts fetches.
type countingSource struct {
	inner *StaticSource
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *countingSource) FetchRate(ctx context.Context) (Rate, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return Rate{}, errors.New("feed down")
	}

	return c.inner.FetchRate(ctx)
}

func newTestDealer(t *testing.T, usdPerBtc int64, spreadBps uint32) *Dealer {
	t.Helper()

	src := NewStaticSource(
		decimal.NewFromInt(usdPerBtc), clock.NewTestClock(testTime),
	)
	d, err := NewDealer(&staticProvider{src: src}, spreadBps)
	require.NoError(t, err)

	return d
}

// staticProvider adapts a Source into a RateProvider without caching.
type staticProvider struct {
	src Source
}

func (s *staticProvider) Rate(ctx context.Context) (Rate, error) {
	return s.src.FetchRate(ctx)
}

// TestRateConversion checks the dollars-per-bitcoin to cents-per-sat math.
func TestRateConversion(t *testing.T) {
	t.Parallel()

	r, err := NewRateFromUsdPerBtc(decimal.NewFromInt(50_000), testTime)
	require.NoError(t, err)
	require.True(t, r.CentsPerSat.Equal(decimal.RequireFromString("0.05")))
	require.True(t, r.UsdPerBtc().Equal(decimal.NewFromInt(50_000)))
	require.Equal(t, uint64(5_000), r.MidCentsFromSats(
		amount.NewSats(100_000),
	).Units())

	_, err = NewRateFromUsdPerBtc(decimal.Zero, testTime)
	require.True(t, payerr.IsKind(err, payerr.KindValidation))
}

// TestDealerSpread checks each quote direction against hand-computed values.
func TestDealerSpread(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDealer(t, 50_000, 100)

	sell, err := d.CentsFromSatsForImmediateSell(ctx, amount.NewSats(100_000))
	require.NoError(t, err)
	require.Equal(t, uint64(4_950), sell.Units())

	buy, err := d.CentsFromSatsForImmediateBuy(ctx, amount.NewSats(100_000))
	require.NoError(t, err)
	require.Equal(t, uint64(5_050), buy.Units())

	sats, err := d.SatsFromCentsForImmediateBuy(ctx, amount.NewCents(5_050))
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), sats.Units())

	sats, err = d.SatsFromCentsForImmediateSell(ctx, amount.NewCents(4_950))
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), sats.Units())

	_, err = NewDealer(&staticProvider{}, 10_000)
	require.Error(t, err)
}

// TestDealerNeverFavoursCustomer checks that no conversion direction hands
// the customer more than the mid price would.
func TestDealerNeverFavoursCustomer(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		usdPerBtc := rapid.Int64Range(1_000, 500_000).Draw(t, "price")
		spread := rapid.Uint32Range(0, 500).Draw(t, "spread")
		sats := amount.NewSats(
			rapid.Uint64Range(1, 21_000_000*100_000_000).Draw(
				t, "sats",
			),
		)

		src := NewStaticSource(
			decimal.NewFromInt(usdPerBtc),
			clock.NewTestClock(testTime),
		)
		d, err := NewDealer(&staticProvider{src: src}, spread)
		require.NoError(t, err)

		r, err := src.FetchRate(ctx)
		require.NoError(t, err)
		mid := r.MidCentsFromSats(sats)

		sell, err := d.CentsFromSatsForImmediateSell(ctx, sats)
		require.NoError(t, err)
		require.LessOrEqual(t, sell.Units(), mid.Units())

		buy, err := d.CentsFromSatsForImmediateBuy(ctx, sats)
		require.NoError(t, err)
		require.GreaterOrEqual(t, buy.Units(), mid.Units())

		back, err := d.SatsFromCentsForImmediateBuy(ctx, sell)
		require.NoError(t, err)
		require.LessOrEqual(t, back.Units(), sats.Units())
	})
}

// TestRatio checks rounding of the flow-local price ratio.
func TestRatio(t *testing.T) {
	t.Parallel()

	_, err := NewRatio(amount.NewCents(10), amount.NewSats(0))
	require.Error(t, err)

	ratio, err := NewRatio(amount.NewCents(10), amount.NewSats(3))
	require.NoError(t, err)

	require.Equal(t, uint64(3), ratio.ConvertFromBtc(
		amount.NewSats(1),
	).Units())
	require.Equal(t, uint64(4), ratio.ConvertFromBtcToCeil(
		amount.NewSats(1),
	).Units())
	require.Equal(t, uint64(3), ratio.ConvertFromUsd(
		amount.NewCents(10),
	).Units())
}

// TestOracleCaching checks that a fresh quote is served from cache and a
// stale one triggers a refetch.
func TestOracleCaching(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testClock := clock.NewTestClock(testTime)
	src := &countingSource{
		inner: NewStaticSource(decimal.NewFromInt(40_000), testClock),
	}
	o := NewOracle(OracleConfig{
		Source: src,
		Clock:  testClock,
		MaxAge: 5 * time.Minute,
	})

	_, err := o.Rate(ctx)
	require.NoError(t, err)
	_, err = o.Rate(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, src.calls.Load())

	testClock.SetTime(testTime.Add(10 * time.Minute))
	_, err = o.Rate(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, src.calls.Load())

	// Once the quote ages out and the feed is down, the caller sees a
	// dependency failure rather than an old price.
	src.fail.Store(true)
	testClock.SetTime(testTime.Add(20 * time.Minute))
	_, err = o.Rate(ctx)
	require.True(t, payerr.IsKind(err, payerr.KindDependency))
}

// TestOracleRefreshLoop checks that ticks refresh the cache in the
// background.
func TestOracleRefreshLoop(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(testTime)
	src := &countingSource{
		inner: NewStaticSource(decimal.NewFromInt(40_000), testClock),
	}
	tick := ticker.NewForce(time.Hour)
	o := NewOracle(OracleConfig{
		Source:        src,
		Clock:         testClock,
		RefreshTicker: tick,
		MaxAge:        time.Hour,
	})
	require.NoError(t, o.Start())
	t.Cleanup(func() {
		require.NoError(t, o.Stop())
	})

	require.EqualValues(t, 1, src.calls.Load())

	tick.Force <- testTime
	require.Eventually(t, func() bool {
		return src.calls.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

// TestWebSource checks parsing of the HTTP feed.
func TestWebSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"bitcoin":{"usd":60000,` +
				`"last_updated_at":1709294400}}`))
		},
	))
	t.Cleanup(srv.Close)

	src := NewWebSource(WebSourceConfig{
		URL:               srv.URL,
		Timeout:           time.Second,
		RequestsPerMinute: 60,
		Clock:             clock.NewTestClock(testTime),
	})

	r, err := src.FetchRate(context.Background())
	require.NoError(t, err)
	require.True(t, r.UsdPerBtc().Equal(decimal.NewFromInt(60_000)))
	require.Equal(t, int64(1709294400), r.Timestamp.Unix())
}
