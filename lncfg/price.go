package lncfg

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// PriceSourceStatic quotes a fixed price. Meant for test networks.
	PriceSourceStatic = "static"

	// PriceSourceWeb queries an HTTP price API.
	PriceSourceWeb = "web"

	// DefaultPriceRefresh is how often the oracle refreshes its quote.
	DefaultPriceRefresh = 30 * time.Second

	// DefaultPriceMaxAge is the oldest quote a payment may be priced at.
	DefaultPriceMaxAge = 5 * time.Minute

	// DefaultPriceTimeout bounds one request to the web price source.
	DefaultPriceTimeout = 10 * time.Second

	// DefaultPriceRequestsPerMinute caps requests to the web source.
	DefaultPriceRequestsPerMinute = 10

	// DefaultSpreadBps is the dealer spread in basis points.
	DefaultSpreadBps = 50
)

// Price holds the options of the price oracle and the dealer.
//
//nolint:lll
type Price struct {
	Source            string        `long:"source" description:"Where quotes come from" choice:"static" choice:"web"`
	StaticUsdPerBtc   string        `long:"static-usdperbtc" description:"The fixed USD per BTC price used by the static source"`
	URL               string        `long:"url" description:"The URL of the web price API"`
	Timeout           time.Duration `long:"timeout" description:"Timeout for a single price request"`
	RequestsPerMinute int           `long:"requestsperminute" description:"Maximum number of requests sent to the web price API per minute"`
	Refresh           time.Duration `long:"refresh" description:"How often the quote is refreshed in the background"`
	MaxAge            time.Duration `long:"maxage" description:"The oldest quote a payment may be priced at"`
	SpreadBps         uint32        `long:"spreadbps" description:"The dealer spread in basis points applied to conversions"`
}

// Validate checks the price options.
func (p *Price) Validate() error {
	switch p.Source {
	case PriceSourceStatic:
		usd, err := decimal.NewFromString(p.StaticUsdPerBtc)
		if err != nil {
			return fmt.Errorf("invalid price.static-usdperbtc: %w",
				err)
		}
		if !usd.IsPositive() {
			return fmt.Errorf("price.static-usdperbtc must be " +
				"positive")
		}

	case PriceSourceWeb:
		if p.URL == "" {
			return fmt.Errorf("price.url must be set for the web " +
				"source")
		}

	default:
		return fmt.Errorf("unknown price source %q", p.Source)
	}

	if p.MaxAge <= 0 {
		return fmt.Errorf("price.maxage must be positive")
	}
	if p.Refresh <= 0 || p.Refresh >= p.MaxAge {
		return fmt.Errorf("price.refresh must be positive and below " +
			"price.maxage")
	}
	if p.SpreadBps >= 10_000 {
		return fmt.Errorf("price.spreadbps must be below 10000")
	}

	return nil
}

// UsdPerBtc returns the static price. It must only be called on a validated
// config with the static source.
func (p *Price) UsdPerBtc() decimal.Decimal {
	return decimal.RequireFromString(p.StaticUsdPerBtc)
}
