package amount

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/satledger/paycore/payerr"
)

const (
	// MaxSats is every satoshi that will ever exist. No single amount may
	// exceed it.
	MaxSats uint64 = btcutil.MaxSatoshi

	// MaxCents bounds any single USD amount.
	MaxCents uint64 = 10_000_000_000_000_000
)

// WalletCurrency is the denomination of a wallet. It never changes once a
// wallet is created.
type WalletCurrency uint8

const (
	// CurrencyBTC wallets hold satoshis.
	CurrencyBTC WalletCurrency = 1

	// CurrencyUSD wallets hold US cents.
	CurrencyUSD WalletCurrency = 2
)

// String returns the ISO-like currency code.
func (c WalletCurrency) String() string {
	switch c {
	case CurrencyBTC:
		return "BTC"
	case CurrencyUSD:
		return "USD"
	default:
		return fmt.Sprintf("WalletCurrency(%d)", uint8(c))
	}
}

// Valid reports whether c is a known currency.
func (c WalletCurrency) Valid() bool {
	return c == CurrencyBTC || c == CurrencyUSD
}

// ParseCurrency maps a currency code to a WalletCurrency.
func ParseCurrency(code string) (WalletCurrency, error) {
	switch code {
	case "BTC", "btc":
		return CurrencyBTC, nil
	case "USD", "usd":
		return CurrencyUSD, nil
	}

	return 0, payerr.Validation("unknown wallet currency %q", code)
}

// Currency is implemented by the zero-size marker types that tag an Amount
// with its denomination at compile time.
type Currency interface {
	BTC | USD

	// Code returns the runtime currency for the marker.
	Code() WalletCurrency
}

// BTC marks amounts denominated in satoshis.
type BTC struct{}

// Code returns CurrencyBTC.
func (BTC) Code() WalletCurrency { return CurrencyBTC }

// USD marks amounts denominated in US cents.
type USD struct{}

// Code returns CurrencyUSD.
func (USD) Code() WalletCurrency { return CurrencyUSD }

// Amount is a non-negative quantity of minor units of currency C. Because C
// is part of the type, adding sats to cents is a compile error.
type Amount[C Currency] struct {
	units uint64
}

// Sats is a convenience alias for BTC amounts.
type Sats = Amount[BTC]

// Cents is a convenience alias for USD amounts.
type Cents = Amount[USD]

// New returns an amount of units minor units.
func New[C Currency](units uint64) Amount[C] {
	return Amount[C]{units: units}
}

// NewSats returns a BTC amount.
func NewSats(sats uint64) Sats {
	return Sats{units: sats}
}

// NewCents returns a USD amount.
func NewCents(cents uint64) Cents {
	return Cents{units: cents}
}

// SatsFromBtcutil converts a btcutil.Amount, rejecting negative values.
func SatsFromBtcutil(a btcutil.Amount) (Sats, error) {
	if a < 0 {
		return Sats{}, payerr.Validation("negative amount %v", a)
	}

	return NewSats(uint64(a)), nil
}

// Units returns the raw minor units.
func (a Amount[C]) Units() uint64 {
	return a.units
}

// Currency returns the runtime currency of the amount.
func (a Amount[C]) Currency() WalletCurrency {
	var c C
	return c.Code()
}

// IsZero reports whether the amount is zero.
func (a Amount[C]) IsZero() bool {
	return a.units == 0
}

// Add returns a+b. It panics on uint64 overflow, so it is only used on
// amounts already bounded by CheckMax. Use CheckedAdd otherwise.
func (a Amount[C]) Add(b Amount[C]) Amount[C] {
	if a.units > math.MaxUint64-b.units {
		panic("amount: addition overflow")
	}

	return Amount[C]{units: a.units + b.units}
}

// CheckedAdd returns a+b, or a validation error if the sum is above the
// currency's maximum.
func (a Amount[C]) CheckedAdd(b Amount[C]) (Amount[C], error) {
	if a.units > math.MaxUint64-b.units {
		return Amount[C]{}, tooLarge(a.Currency())
	}

	sum := Amount[C]{units: a.units + b.units}
	if err := sum.Any().CheckMax(); err != nil {
		return Amount[C]{}, err
	}

	return sum, nil
}

// Sub returns a-b, or an insufficient funds error if b > a.
func (a Amount[C]) Sub(b Amount[C]) (Amount[C], error) {
	if b.units > a.units {
		return Amount[C]{}, payerr.InsufficientFunds(
			"cannot subtract %v from %v", b, a,
		)
	}

	return Amount[C]{units: a.units - b.units}, nil
}

// Cmp returns -1, 0 or 1.
func (a Amount[C]) Cmp(b Amount[C]) int {
	switch {
	case a.units < b.units:
		return -1
	case a.units > b.units:
		return 1
	default:
		return 0
	}
}

// LessThan reports whether a < b.
func (a Amount[C]) LessThan(b Amount[C]) bool {
	return a.units < b.units
}

// Any erases the compile-time currency.
func (a Amount[C]) Any() Any {
	return Any{Units: a.units, Currency: a.Currency()}
}

// Btcutil returns the amount as a btcutil.Amount. Only meaningful for BTC.
func (a Amount[C]) Btcutil() btcutil.Amount {
	return btcutil.Amount(a.units)
}

// String formats the amount with its unit.
func (a Amount[C]) String() string {
	switch a.Currency() {
	case CurrencyBTC:
		return fmt.Sprintf("%d sats", a.units)
	default:
		return fmt.Sprintf("%d cents", a.units)
	}
}

// Any is an amount whose currency is only known at run time, such as a
// wallet balance. Arithmetic across currencies returns an error.
type Any struct {
	Units    uint64
	Currency WalletCurrency
}

// Max returns the largest amount allowed in c.
func Max(c WalletCurrency) uint64 {
	if c == CurrencyUSD {
		return MaxCents
	}

	return MaxSats
}

// CheckMax fails with a validation error if a is above the largest amount
// its currency allows.
func (a Any) CheckMax() error {
	if a.Units > Max(a.Currency) {
		return tooLarge(a.Currency)
	}

	return nil
}

func tooLarge(c WalletCurrency) error {
	return payerr.Validation("amount exceeds the maximum of %d %v",
		Max(c), c)
}

// Zero returns a zero amount of the given currency.
func Zero(c WalletCurrency) Any {
	return Any{Currency: c}
}

// Add returns a+b or an error if the currencies differ.
func (a Any) Add(b Any) (Any, error) {
	if a.Currency != b.Currency {
		return Any{}, mismatch(a, b)
	}
	if a.Units > math.MaxUint64-b.Units {
		return Any{}, payerr.Invariant("amount overflow")
	}

	return Any{Units: a.Units + b.Units, Currency: a.Currency}, nil
}

// Sub returns a-b or an error if the currencies differ or b > a.
func (a Any) Sub(b Any) (Any, error) {
	if a.Currency != b.Currency {
		return Any{}, mismatch(a, b)
	}
	if b.Units > a.Units {
		return Any{}, payerr.InsufficientFunds(
			"cannot subtract %v from %v", b, a,
		)
	}

	return Any{Units: a.Units - b.Units, Currency: a.Currency}, nil
}

// Cmp compares two amounts of the same currency.
func (a Any) Cmp(b Any) (int, error) {
	if a.Currency != b.Currency {
		return 0, mismatch(a, b)
	}

	switch {
	case a.Units < b.Units:
		return -1, nil
	case a.Units > b.Units:
		return 1, nil
	}

	return 0, nil
}

// String formats the amount with its currency.
func (a Any) String() string {
	return fmt.Sprintf("%d %v", a.Units, a.Currency)
}

// As recovers a typed amount, failing if the runtime currency does not
// match C.
func As[C Currency](a Any) (Amount[C], error) {
	var c C
	if a.Currency != c.Code() {
		return Amount[C]{}, payerr.Invariant(
			"expected %v amount, got %v", c.Code(), a.Currency,
		)
	}

	return Amount[C]{units: a.Units}, nil
}

func mismatch(a, b Any) error {
	return payerr.Invariant("currency mismatch: %v vs %v", a.Currency,
		b.Currency)
}
