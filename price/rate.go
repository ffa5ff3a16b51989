package price

import (
	"fmt"
	"math/big"
	"time"

	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
	"github.com/shopspring/decimal"
)

// satsPerBtc is the number of satoshis in one bitcoin.
const satsPerBtc = 100_000_000

var (
	one         = decimal.NewFromInt(1)
	centsPerUsd = decimal.NewFromInt(100)
	bpsDivisor  = decimal.NewFromInt(10_000)
)

// Rate is a mid-market snapshot of the BTC price, expressed as USD cents per
// satoshi.
type Rate struct {
	// CentsPerSat is the mid price. It is always positive.
	CentsPerSat decimal.Decimal

	// Timestamp is when the upstream source produced the quote.
	Timestamp time.Time
}

// NewRateFromUsdPerBtc converts a quote in dollars per bitcoin, the form most
// price feeds publish, into a Rate.
func NewRateFromUsdPerBtc(usdPerBtc decimal.Decimal,
	ts time.Time) (Rate, error) {

	if !usdPerBtc.IsPositive() {
		return Rate{}, payerr.Validation("price must be positive, "+
			"got %v", usdPerBtc)
	}

	return Rate{
		CentsPerSat: usdPerBtc.Mul(centsPerUsd).Div(
			decimal.NewFromInt(satsPerBtc),
		),
		Timestamp: ts,
	}, nil
}

// UsdPerBtc returns the rate in dollars per bitcoin.
func (r Rate) UsdPerBtc() decimal.Decimal {
	return r.CentsPerSat.Mul(decimal.NewFromInt(satsPerBtc)).Div(
		centsPerUsd,
	)
}

// String returns the rate in dollars per bitcoin.
func (r Rate) String() string {
	return fmt.Sprintf("%v USD/BTC", r.UsdPerBtc().StringFixed(2))
}

// MidCentsFromSats values sats at the mid price, rounding down.
func (r Rate) MidCentsFromSats(sats amount.Sats) amount.Cents {
	return amount.NewCents(floorUnits(dec(sats.Units()).Mul(r.CentsPerSat)))
}

// Ratio is the price implied by a pair of amounts that describe the same
// value in both currencies. A payment flow fixes its Ratio once so that
// every later conversion inside the flow uses the same price.
type Ratio struct {
	usd amount.Cents
	btc amount.Sats
}

// NewRatio returns the ratio usd/btc. A zero BTC leg has no defined price.
func NewRatio(usd amount.Cents, btc amount.Sats) (Ratio, error) {
	if btc.IsZero() {
		return Ratio{}, payerr.Validation("cannot derive price " +
			"ratio from a zero amount")
	}

	return Ratio{usd: usd, btc: btc}, nil
}

// UsdPerSat returns the ratio as cents per satoshi.
func (r Ratio) UsdPerSat() decimal.Decimal {
	return dec(r.usd.Units()).Div(dec(r.btc.Units()))
}

// ConvertFromBtc values sats in cents, rounding half away from zero.
func (r Ratio) ConvertFromBtc(sats amount.Sats) amount.Cents {
	v := dec(sats.Units()).Mul(dec(r.usd.Units())).Div(
		dec(r.btc.Units()),
	)

	return amount.NewCents(floorUnits(v.Round(0)))
}

// ConvertFromBtcToCeil values sats in cents, rounding up. Used for fees so a
// fee is never understated in the USD view.
func (r Ratio) ConvertFromBtcToCeil(sats amount.Sats) amount.Cents {
	v := dec(sats.Units()).Mul(dec(r.usd.Units())).Div(
		dec(r.btc.Units()),
	)

	return amount.NewCents(floorUnits(v.Ceil()))
}

// ConvertFromUsd values cents in sats, rounding half away from zero. The
// result is undefined for a zero USD leg and reported as zero.
func (r Ratio) ConvertFromUsd(cents amount.Cents) amount.Sats {
	if r.usd.IsZero() {
		return amount.NewSats(0)
	}

	v := dec(cents.Units()).Mul(dec(r.btc.Units())).Div(
		dec(r.usd.Units()),
	)

	return amount.NewSats(floorUnits(v.Round(0)))
}

// dec lifts a uint64 into a decimal without going through int64.
func dec(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}

// floorUnits truncates a non-negative decimal to whole minor units.
func floorUnits(d decimal.Decimal) uint64 {
	if d.IsNegative() {
		return 0
	}

	return d.Floor().BigInt().Uint64()
}

// ceilUnits rounds a non-negative decimal up to whole minor units.
func ceilUnits(d decimal.Decimal) uint64 {
	if d.IsNegative() {
		return 0
	}

	return d.Ceil().BigInt().Uint64()
}
