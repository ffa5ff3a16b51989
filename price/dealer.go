package price

import (
	"context"

	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/payerr"
	"github.com/shopspring/decimal"
)

// RateProvider is anything that can hand out a current mid price.
type RateProvider interface {
	// Rate returns a quote fresh enough to trade on.
	Rate(ctx context.Context) (Rate, error)
}

// A compile-time assertion to ensure Oracle implements RateProvider.
var _ RateProvider = (*Oracle)(nil)

// Dealer quotes the bank's side of a BTC/USD trade. It applies a symmetric
// spread around the mid price, and every conversion rounds against the
// customer so the bank never loses a minor unit to rounding.
//
// The direction names follow the customer: "immediate sell" means the
// customer gives sats and gets cents, "immediate buy" means the customer
// gives cents and gets sats.
type Dealer struct {
	rates RateProvider

	// spread is the fraction (not bps) taken on each side of the mid.
	spread decimal.Decimal
}

// NewDealer creates a Dealer applying spreadBps basis points on each side.
func NewDealer(rates RateProvider, spreadBps uint32) (*Dealer, error) {
	spread := decimal.NewFromInt(int64(spreadBps)).Div(bpsDivisor)
	if spread.GreaterThanOrEqual(one) {
		return nil, payerr.Validation("spread of %d bps is too wide",
			spreadBps)
	}

	return &Dealer{rates: rates, spread: spread}, nil
}

// MidRate returns the current mid price.
func (d *Dealer) MidRate(ctx context.Context) (Rate, error) {
	return d.rates.Rate(ctx)
}

// CentsFromSatsForImmediateSell quotes how many cents the customer receives
// for selling sats now. The bid is below mid and the result rounds down.
func (d *Dealer) CentsFromSatsForImmediateSell(ctx context.Context,
	sats amount.Sats) (amount.Cents, error) {

	r, err := d.rates.Rate(ctx)
	if err != nil {
		return amount.Cents{}, err
	}

	bid := r.CentsPerSat.Mul(one.Sub(d.spread))

	return amount.NewCents(floorUnits(dec(sats.Units()).Mul(bid))), nil
}

// CentsFromSatsForImmediateBuy quotes how many cents the customer pays to
// receive sats now. The ask is above mid and the result rounds up.
func (d *Dealer) CentsFromSatsForImmediateBuy(ctx context.Context,
	sats amount.Sats) (amount.Cents, error) {

	r, err := d.rates.Rate(ctx)
	if err != nil {
		return amount.Cents{}, err
	}

	ask := r.CentsPerSat.Mul(one.Add(d.spread))

	return amount.NewCents(ceilUnits(dec(sats.Units()).Mul(ask))), nil
}

// SatsFromCentsForImmediateBuy quotes how many sats the customer receives
// for paying cents now. The ask is above mid and the result rounds down.
func (d *Dealer) SatsFromCentsForImmediateBuy(ctx context.Context,
	cents amount.Cents) (amount.Sats, error) {

	r, err := d.rates.Rate(ctx)
	if err != nil {
		return amount.Sats{}, err
	}

	ask := r.CentsPerSat.Mul(one.Add(d.spread))

	return amount.NewSats(floorUnits(dec(cents.Units()).Div(ask))), nil
}

// SatsFromCentsForImmediateSell quotes how many sats the customer must sell
// to receive cents now. The bid is below mid and the result rounds up.
func (d *Dealer) SatsFromCentsForImmediateSell(ctx context.Context,
	cents amount.Cents) (amount.Sats, error) {

	r, err := d.rates.Rate(ctx)
	if err != nil {
		return amount.Sats{}, err
	}

	bid := r.CentsPerSat.Mul(one.Sub(d.spread))

	return amount.NewSats(ceilUnits(dec(cents.Units()).Div(bid))), nil
}
