package paymentflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/payerr"
	"github.com/satledger/paycore/price"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	aliceAccount = &directory.Account{
		ID: "acct-alice", Username: "alice",
		Status: directory.AccountActive,
	}
	aliceBtc = &directory.WalletDescriptor{
		ID: "btc-alice", AccountID: "acct-alice",
		Currency: amount.CurrencyBTC,
	}
	aliceUsd = &directory.WalletDescriptor{
		ID: "usd-alice", AccountID: "acct-alice",
		Currency: amount.CurrencyUSD,
	}
	bobUsd = &directory.WalletDescriptor{
		ID: "usd-bob", AccountID: "acct-bob",
		Currency: amount.CurrencyUSD,
	}
)

// testConversion returns dealer conversion functions for a fixed price.
func testConversion(t require.TestingT, usdPerBtc int64,
	spreadBps uint32) ConversionFns {

	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	oracle := price.NewOracle(price.OracleConfig{
		Source: price.NewStaticSource(
			decimal.NewFromInt(usdPerBtc), testClock,
		),
		Clock:  testClock,
		MaxAge: time.Minute,
	})
	dealer, err := price.NewDealer(oracle, spreadBps)
	require.NoError(t, err)

	return DealerConversion(dealer)
}

func testAddress(t require.TestingT) btcutil.Address {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr
}

// TestOnChainFlow builds an on-chain flow with a miner and a bank fee.
func TestOnChainFlow(t *testing.T) {
	t.Parallel()

	flow, err := NewBuilder().
		WithAddress(testAddress(t)).
		WithSenderWalletAndAccount(aliceBtc, aliceAccount).
		WithoutRecipientWallet().
		WithAmount(Explicit(amount.NewSats(100_000).Any())).
		WithConversion(context.Background(), testConversion(t, 50_000, 0)).
		WithBankFee(amount.NewSats(500)).
		WithMinerFee(amount.NewSats(1_000)).
		WithoutSendAll().
		Flow()
	require.NoError(t, err)

	require.Equal(t, ledger.SettlementOnChain, flow.Method)
	require.Equal(t, ledger.CategoryWithdrawal, flow.Category())
	require.EqualValues(t, 5_000, flow.UsdPaymentAmount.Units())
	require.EqualValues(t, 1_500, flow.BtcProtocolFee.Units())
	require.EqualValues(t, 75, flow.UsdProtocolFee.Units())
	require.EqualValues(t, 1_000, flow.NetworkFee().Units())
	require.True(t, flow.Recipient.IsNone())

	totals := flow.TotalAmountsForPayment()
	require.EqualValues(t, 101_500, totals.Btc.Units())
	require.EqualValues(t, 5_075, totals.Usd.Units())
	require.Equal(t, totals.Btc.Any(), flow.TotalInSenderCurrency())
}

// TestIntraledgerFlows checks the category and both principal views of
// wallet-to-wallet flows.
func TestIntraledgerFlows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conv := testConversion(t, 50_000, 0)

	build := func(sender, recipient *directory.WalletDescriptor,
		a amount.Any) (*PaymentFlow, error) {

		return NewBuilder().
			WithRecipientWalletID(recipient.ID).
			WithSenderWalletAndAccount(sender, aliceAccount).
			WithRecipientWallet(recipient).
			WithAmount(Explicit(a)).
			WithConversion(ctx, conv).
			WithoutProtocolFee().
			WithoutSendAll().
			Flow()
	}

	flow, err := build(aliceBtc, bobUsd, amount.NewSats(20_000).Any())
	require.NoError(t, err)
	require.Equal(t, ledger.SettlementIntraLedger, flow.Method)
	require.Equal(t, ledger.CategoryIntraLedger, flow.Category())
	require.Equal(
		t, amount.NewCents(1_000).Any(),
		flow.PrincipalIn(amount.CurrencyUSD),
	)
	require.True(t, flow.BtcProtocolFee.IsZero())

	flow, err = build(aliceUsd, aliceBtc, amount.NewCents(500).Any())
	require.NoError(t, err)
	require.Equal(t, ledger.CategoryTradeIntraAccount, flow.Category())
	require.Equal(
		t, amount.NewSats(10_000).Any(),
		flow.PrincipalIn(amount.CurrencyBTC),
	)

	// The resolved recipient must be the one that was asked for.
	_, err = NewBuilder().
		WithRecipientWalletID("usd-carol").
		WithSenderWalletAndAccount(aliceBtc, aliceAccount).
		WithRecipientWallet(bobUsd).
		WithAmount(Explicit(amount.NewSats(1).Any())).
		WithConversion(ctx, conv).
		WithoutProtocolFee().
		WithoutSendAll().
		Flow()
	require.True(t, payerr.IsKind(err, payerr.KindInvariant))
}

// TestSelfPayment rejects a wallet paying itself whatever its currency and
// however the destination was given.
func TestSelfPayment(t *testing.T) {
	t.Parallel()

	hash := [32]byte{1}
	for _, w := range []*directory.WalletDescriptor{aliceBtc, aliceUsd} {
		entries := map[string]AddressOrInvoiceSet{
			"wallet":  NewBuilder().WithRecipientWalletID(w.ID),
			"address": NewBuilder().WithAddress(testAddress(t)),
			"invoice": NewBuilder().WithInvoice(&zpay32.Invoice{
				PaymentHash: &hash,
			}),
		}
		for name, entry := range entries {
			_, err := entry.
				WithSenderWalletAndAccount(w, aliceAccount).
				WithRecipientWallet(w).
				WithAmount(Explicit(amount.Any{
					Units: 1_000, Currency: w.Currency,
				})).
				WithConversion(
					context.Background(),
					testConversion(t, 50_000, 0),
				).
				WithoutProtocolFee().
				WithoutSendAll().
				Flow()
			require.ErrorIs(t, err, ErrSelfPayment, "%v %v",
				w.Currency, name)
		}
	}
}

// TestFlowPoisoned checks that the first error is carried to the end and no
// later stage does any work.
func TestFlowPoisoned(t *testing.T) {
	t.Parallel()

	calls := 0
	conv := ConversionFns{
		UsdFromBtc: func(context.Context,
			amount.Sats) (amount.Cents, error) {

			calls++
			return amount.NewCents(1), nil
		},
	}

	locked := *aliceAccount
	locked.Status = directory.AccountLocked

	_, err := NewBuilder().
		WithAddress(testAddress(t)).
		WithSenderWalletAndAccount(aliceBtc, &locked).
		WithoutRecipientWallet().
		WithAmount(Explicit(amount.NewSats(1_000).Any())).
		WithConversion(context.Background(), conv).
		WithMinerFee(amount.NewSats(10)).
		WithoutSendAll().
		Flow()
	require.ErrorIs(t, err, ErrInactiveAccount)
	require.Zero(t, calls)

	// A poisoned stage reports its error directly too.
	stage := NewBuilder().WithAddress(nil)
	require.True(t, payerr.IsKind(stage.Err(), payerr.KindValidation))
}

// TestFlowRejections covers the remaining validation errors.
func TestFlowRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conv := testConversion(t, 50_000, 0)

	// USD wallets cannot pay outside the ledger.
	_, err := NewBuilder().
		WithAddress(testAddress(t)).
		WithSenderWalletAndAccount(aliceUsd, aliceAccount).
		WithoutRecipientWallet().
		WithAmount(Explicit(amount.NewCents(100).Any())).
		WithConversion(ctx, conv).
		WithMinerFee(amount.NewSats(10)).
		WithoutSendAll().
		Flow()
	require.True(t, payerr.IsKind(err, payerr.KindNotImplemented))

	// A Lightning fee on an on-chain flow is a programming error.
	_, err = NewBuilder().
		WithAddress(testAddress(t)).
		WithSenderWalletAndAccount(aliceBtc, aliceAccount).
		WithoutRecipientWallet().
		WithAmount(Explicit(amount.NewSats(1_000).Any())).
		WithConversion(ctx, conv).
		WithRoutingFee(amount.NewSats(10)).
		WithoutSendAll().
		Flow()
	require.True(t, payerr.IsKind(err, payerr.KindInvariant))

	// Zero and wrong-currency amounts.
	resolved := NewBuilder().
		WithAddress(testAddress(t)).
		WithSenderWalletAndAccount(aliceBtc, aliceAccount).
		WithoutRecipientWallet()
	require.ErrorIs(
		t, resolved.WithAmount(Explicit(amount.NewSats(0).Any())).Err(),
		ErrZeroAmount,
	)
	err = resolved.WithAmount(Explicit(amount.NewCents(5).Any())).Err()
	require.True(t, payerr.IsKind(err, payerr.KindValidation))

	// More bitcoin than exists, and a fee that takes the debit there.
	err = resolved.WithAmount(
		Explicit(amount.NewSats(^uint64(0)).Any()),
	).Err()
	require.True(t, payerr.IsKind(err, payerr.KindValidation))

	_, err = resolved.
		WithAmount(Explicit(amount.NewSats(amount.MaxSats).Any())).
		WithConversion(ctx, conv).
		WithMinerFee(amount.NewSats(1)).
		WithoutSendAll().
		Flow()
	require.True(t, payerr.IsKind(err, payerr.KindValidation))

	// A wallet of another account.
	err = NewBuilder().
		WithAddress(testAddress(t)).
		WithSenderWalletAndAccount(bobUsd, aliceAccount).Err()
	require.True(t, payerr.IsKind(err, payerr.KindValidation))

	// Price feed down.
	failing := ConversionFns{
		UsdFromBtc: func(context.Context,
			amount.Sats) (amount.Cents, error) {

			return amount.Cents{}, errors.New("feed down")
		},
	}
	err = resolved.
		WithAmount(Explicit(amount.NewSats(1_000).Any())).
		WithConversion(ctx, failing).Err()
	require.True(t, payerr.IsKind(err, payerr.KindDependency))
}

// TestSendAll checks that a send-all flow debits exactly the balance and
// sends the balance less the fee.
func TestSendAll(t *testing.T) {
	t.Parallel()

	build := func(balance, fee uint64) (*PaymentFlow, error) {
		return NewBuilder().
			WithAddress(testAddress(t)).
			WithSenderWalletAndAccount(aliceBtc, aliceAccount).
			WithoutRecipientWallet().
			WithAmount(SendAll(amount.NewSats(balance).Any())).
			WithConversion(
				context.Background(),
				testConversion(t, 50_000, 0),
			).
			WithMinerFee(amount.NewSats(fee)).
			WithSendAll().
			Flow()
	}

	flow, err := build(100_000, 1_000)
	require.NoError(t, err)
	require.True(t, flow.SendAll)
	require.EqualValues(t, 99_000, flow.BtcPaymentAmount.Units())
	require.EqualValues(
		t, 100_000, flow.TotalAmountsForPayment().Btc.Units(),
	)
	require.EqualValues(
		t, 5_000, flow.TotalAmountsForPayment().Usd.Units(),
	)

	_, err = build(1_000, 1_000)
	require.ErrorIs(t, err, ErrFeeExceedsBalance)

	_, err = build(1_000, 5_000)
	require.ErrorIs(t, err, ErrFeeExceedsBalance)
}

// TestTotalsProperty checks that totals are principal plus fee in both
// currencies and that the two views drift by at most one minor unit.
func TestTotalsProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		usdPerBtc := rapid.Int64Range(1_000, 200_000).Draw(
			t, "usdPerBtc",
		)
		spread := rapid.Uint32Range(0, 200).Draw(t, "spread")
		sendAll := rapid.Bool().Draw(t, "sendAll")
		conv := testConversion(t, usdPerBtc, spread)

		var (
			flow *PaymentFlow
			err  error
		)
		if rapid.Bool().Draw(t, "usdSender") {
			cents := rapid.Uint64Range(100, 10_000_000).Draw(
				t, "cents",
			)
			amt := Explicit(amount.NewCents(cents).Any())
			if sendAll {
				amt = SendAll(amount.NewCents(cents).Any())
			}
			fees := NewBuilder().
				WithRecipientWalletID(aliceBtc.ID).
				WithSenderWalletAndAccount(
					aliceUsd, aliceAccount,
				).
				WithRecipientWallet(aliceBtc).
				WithAmount(amt).
				WithConversion(context.Background(), conv).
				WithoutProtocolFee()
			if sendAll {
				flow, err = fees.WithSendAll().Flow()
			} else {
				flow, err = fees.WithoutSendAll().Flow()
			}
		} else {
			sats := rapid.Uint64Range(1, 1e10).Draw(t, "sats")
			fee := rapid.Uint64Range(0, 1e6).Draw(t, "fee")
			bank := rapid.Uint64Range(0, 1e4).Draw(t, "bank")
			amt := Explicit(amount.NewSats(sats).Any())
			if sendAll {
				amt = SendAll(amount.NewSats(sats).Any())
			}
			fees := NewBuilder().
				WithAddress(testAddress(t)).
				WithSenderWalletAndAccount(
					aliceBtc, aliceAccount,
				).
				WithoutRecipientWallet().
				WithAmount(amt).
				WithConversion(context.Background(), conv).
				WithBankFee(amount.NewSats(bank)).
				WithMinerFee(amount.NewSats(fee))
			if sendAll {
				flow, err = fees.WithSendAll().Flow()
				if fee+bank >= sats {
					require.ErrorIs(
						t, err, ErrFeeExceedsBalance,
					)
					return
				}
			} else {
				flow, err = fees.WithoutSendAll().Flow()
			}
		}
		require.NoError(t, err)

		totals := flow.TotalAmountsForPayment()
		require.Equal(
			t, flow.BtcPaymentAmount.Add(flow.BtcProtocolFee),
			totals.Btc,
		)
		require.Equal(
			t, flow.UsdPaymentAmount.Add(flow.UsdProtocolFee),
			totals.Usd,
		)

		implied := flow.Ratio().ConvertFromBtc(totals.Btc).Units()
		drift := int64(implied) - int64(totals.Usd.Units())
		require.LessOrEqual(t, drift, int64(1))
		require.GreaterOrEqual(t, drift, int64(-1))
	})
}
