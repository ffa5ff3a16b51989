package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Source produces fresh mid-market quotes. Implementations may block on I/O
// and must honour ctx.
type Source interface {
	// FetchRate returns the current mid price.
	FetchRate(ctx context.Context) (Rate, error)
}

// StaticSource always returns the same price. It is used in tests and by
// operators that pin the price for a regtest deployment.
type StaticSource struct {
	usdPerBtc decimal.Decimal
	clock     clock.Clock
}

// NewStaticSource returns a source quoting usdPerBtc dollars per bitcoin.
func NewStaticSource(usdPerBtc decimal.Decimal, c clock.Clock) *StaticSource {
	return &StaticSource{usdPerBtc: usdPerBtc, clock: c}
}

// FetchRate returns the pinned price stamped with the current time.
//
// NOTE: Part of the Source interface.
func (s *StaticSource) FetchRate(_ context.Context) (Rate, error) {
	return NewRateFromUsdPerBtc(s.usdPerBtc, s.clock.Now())
}

// A compile-time assertion to ensure StaticSource implements Source.
var _ Source = (*StaticSource)(nil)

// WebSourceConfig configures an HTTP price feed.
type WebSourceConfig struct {
	// URL is queried with a plain GET.
	URL string

	// Timeout bounds a single request.
	Timeout time.Duration

	// RequestsPerMinute caps how often the feed is queried. Calls over
	// the cap wait for a token or fail when ctx is done.
	RequestsPerMinute int

	// Clock stamps quotes that carry no timestamp of their own.
	Clock clock.Clock
}

// WebSource queries a JSON price API. It expects a response of the form
// `{"bitcoin": {"usd": 61234.5, "last_updated_at": 1700000000}}`.
type WebSource struct {
	cfg     WebSourceConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebSource creates a WebSource from the given config.
func NewWebSource(cfg WebSourceConfig) *WebSource {
	// Rather than use the default http.Client, we'll make a custom one
	// which will allow us to control how long we'll wait to read the
	// response from the service.
	netTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 1
	}

	return &WebSource{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: netTransport,
		},
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(perMinute)), 1,
		),
	}
}

// FetchRate queries the configured URL and parses the quote.
//
// NOTE: Part of the Source interface.
func (w *WebSource) FetchRate(ctx context.Context) (Rate, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return Rate{}, fmt.Errorf("price feed rate limited: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, w.cfg.URL, nil,
	)
	if err != nil {
		return Rate{}, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Rate{}, fmt.Errorf("unable to query price feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Rate{}, fmt.Errorf("price feed returned status %v",
			resp.StatusCode)
	}

	return w.parseResponse(resp.Body)
}

// parseResponse decodes the body of a price feed response.
func (w *WebSource) parseResponse(r io.Reader) (Rate, error) {
	type jsonResp struct {
		Bitcoin struct {
			USD           decimal.Decimal `json:"usd"`
			LastUpdatedAt int64           `json:"last_updated_at"`
		} `json:"bitcoin"`
	}

	var resp jsonResp
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return Rate{}, fmt.Errorf("unable to decode price feed "+
			"response: %w", err)
	}

	ts := w.cfg.Clock.Now()
	if resp.Bitcoin.LastUpdatedAt > 0 {
		ts = time.Unix(resp.Bitcoin.LastUpdatedAt, 0)
	}

	return NewRateFromUsdPerBtc(resp.Bitcoin.USD, ts)
}

// A compile-time assertion to ensure WebSource implements Source.
var _ Source = (*WebSource)(nil)
