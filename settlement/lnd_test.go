package settlement

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/satledger/paycore/amount"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var testTxid = strings.Repeat("ab", 32)

type fakeLightning struct {
	lnrpc.UnimplementedLightningServer

	lastSend *lnrpc.SendCoinsRequest
}

func (f *fakeLightning) EstimateFee(_ context.Context,
	req *lnrpc.EstimateFeeRequest) (*lnrpc.EstimateFeeResponse, error) {

	return &lnrpc.EstimateFeeResponse{
		FeeSat: int64(len(req.AddrToAmount)) * 250,
	}, nil
}

func (f *fakeLightning) SendCoins(_ context.Context,
	req *lnrpc.SendCoinsRequest) (*lnrpc.SendCoinsResponse, error) {

	f.lastSend = req

	return &lnrpc.SendCoinsResponse{Txid: testTxid}, nil
}

func (f *fakeLightning) GetInfo(context.Context,
	*lnrpc.GetInfoRequest) (*lnrpc.GetInfoResponse, error) {

	return &lnrpc.GetInfoResponse{BlockHeight: 800_000}, nil
}

func (f *fakeLightning) GetTransactions(_ context.Context,
	req *lnrpc.GetTransactionsRequest) (*lnrpc.TransactionDetails, error) {

	if req.StartHeight != 800_000-6 {
		return &lnrpc.TransactionDetails{}, nil
	}

	return &lnrpc.TransactionDetails{
		Transactions: []*lnrpc.Transaction{
			{TxHash: strings.Repeat("00", 32), TotalFees: 1},
			{TxHash: testTxid, TotalFees: 321},
		},
	}, nil
}

func (f *fakeLightning) WalletBalance(context.Context,
	*lnrpc.WalletBalanceRequest) (*lnrpc.WalletBalanceResponse, error) {

	return &lnrpc.WalletBalanceResponse{
		ConfirmedBalance:   1_000_000,
		UnconfirmedBalance: 5,
	}, nil
}

type fakeRouter struct {
	routerrpc.UnimplementedRouterServer

	updates   []*lnrpc.Payment
	block     bool
	streamErr error

	// tracked answers TrackPaymentV2, or trackErr if it is nil.
	tracked  *lnrpc.Payment
	trackErr error
}

func (f *fakeRouter) EstimateRouteFee(_ context.Context,
	req *routerrpc.RouteFeeRequest) (*routerrpc.RouteFeeResponse, error) {

	return &routerrpc.RouteFeeResponse{RoutingFeeMsat: 1_500}, nil
}

func (f *fakeRouter) SendPaymentV2(_ *routerrpc.SendPaymentRequest,
	stream routerrpc.Router_SendPaymentV2Server) error {

	for _, u := range f.updates {
		if err := stream.Send(u); err != nil {
			return err
		}
	}
	if f.block {
		<-stream.Context().Done()
	}

	return f.streamErr
}

func (f *fakeRouter) TrackPaymentV2(_ *routerrpc.TrackPaymentRequest,
	stream routerrpc.Router_TrackPaymentV2Server) error {

	if f.tracked == nil {
		return f.trackErr
	}
	if err := stream.Send(f.tracked); err != nil {
		return err
	}

	// Like lnd, keep the subscription open until the client leaves.
	<-stream.Context().Done()

	return nil
}

func newTestClient(t *testing.T, router *fakeRouter) (*LndClient,
	*fakeLightning) {

	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	ln := &fakeLightning{}
	lnrpc.RegisterLightningServer(server, ln)
	routerrpc.RegisterRouterServer(server, router)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	client, err := NewLndClient(&LndConfig{
		Host:        "passthrough:///bufnet",
		Insecure:    true,
		NoMacaroons: true,
		Dialer: func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	return client, ln
}

// TestLndOnChain exercises the on-chain calls against a fake node.
func TestLndOnChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, ln := newTestClient(t, &fakeRouter{})

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	fee, err := client.EstimateFee(ctx, addr, amount.NewSats(10_000), 6)
	require.NoError(t, err)
	require.EqualValues(t, 250, fee.Units())

	hash, err := client.PayToAddress(
		ctx, addr, amount.NewSats(10_000), 6, "payment",
	)
	require.NoError(t, err)
	require.Equal(t, testTxid, hash.String())
	require.Equal(t, addr.EncodeAddress(), ln.lastSend.Addr)
	require.EqualValues(t, 10_000, ln.lastSend.Amount)
	require.EqualValues(t, 6, ln.lastSend.TargetConf)

	settled, err := client.LookupSettledFee(ctx, hash, 6)
	require.NoError(t, err)
	require.EqualValues(t, 321, settled.Units())

	_, err = client.LookupSettledFee(ctx, chainhash.Hash{1}, 6)
	require.ErrorIs(t, err, ErrTxNotFound)

	balance, err := client.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1_000_000, balance.Units())
}

// TestLndLightning exercises fee probing and the payment outcomes.
func TestLndLightning(t *testing.T) {
	t.Parallel()

	var preimage lntypes.Preimage
	preimage[0] = 7

	ctx := context.Background()
	client, _ := newTestClient(t, &fakeRouter{
		updates: []*lnrpc.Payment{
			{Status: lnrpc.Payment_IN_FLIGHT},
			{
				Status:          lnrpc.Payment_SUCCEEDED,
				PaymentPreimage: preimage.String(),
				FeeSat:          2,
			},
		},
	})

	fee, err := client.RouteFee(ctx, "lnbcrt1", amount.NewSats(0))
	require.NoError(t, err)
	require.EqualValues(t, 2, fee.Units())

	res, err := client.SendPayment(ctx, &PaymentRequest{
		Invoice:  "lnbcrt1",
		FeeLimit: amount.NewSats(10),
	})
	require.NoError(t, err)
	require.Equal(t, PaymentSucceeded, res.Status)
	require.EqualValues(t, 2, res.Fee.Units())
	require.Equal(t, preimage, res.Preimage.UnwrapOrFail(t))

	client, _ = newTestClient(t, &fakeRouter{
		updates: []*lnrpc.Payment{{
			Status: lnrpc.Payment_FAILED,
			FailureReason: lnrpc.
				PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
		}},
	})
	res, err = client.SendPayment(ctx, &PaymentRequest{Invoice: "x"})
	require.NoError(t, err)
	require.Equal(t, PaymentFailed, res.Status)
	require.Contains(t, res.FailureReason, "NO_ROUTE")
}

// TestLndPaymentInFlight reports a payment with no final state in flight
// once the request timeout has passed, even when the caller set no deadline.
func TestLndPaymentInFlight(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, &fakeRouter{
		updates: []*lnrpc.Payment{{Status: lnrpc.Payment_IN_FLIGHT}},
		block:   true,
		tracked: &lnrpc.Payment{Status: lnrpc.Payment_IN_FLIGHT},
	})

	start := time.Now()
	res, err := client.SendPayment(context.Background(), &PaymentRequest{
		Invoice:     "x",
		PaymentHash: lntypes.Hash{1},
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, PaymentInFlight, res.Status)
	require.True(t, res.Preimage.IsNone())
	require.Less(
		t, time.Since(start), time.Second+InFlightMargin+time.Second,
	)
}

// TestLndPaymentStreamBroken checks that a payment whose update stream
// breaks is never reported as failed while the node may still settle it.
func TestLndPaymentStreamBroken(t *testing.T) {
	t.Parallel()

	var preimage lntypes.Preimage
	preimage[0] = 9

	tests := []struct {
		name     string
		tracked  *lnrpc.Payment
		trackErr error
		want     PaymentStatus
	}{{
		name: "settled meanwhile",
		tracked: &lnrpc.Payment{
			Status:          lnrpc.Payment_SUCCEEDED,
			PaymentPreimage: preimage.String(),
			ValueSat:        1_000,
			FeeSat:          3,
		},
		want: PaymentSucceeded,
	}, {
		name:    "still in flight",
		tracked: &lnrpc.Payment{Status: lnrpc.Payment_IN_FLIGHT},
		want:    PaymentInFlight,
	}, {
		name:     "node unreachable",
		trackErr: status.Error(codes.Unavailable, "connection reset"),
		want:     PaymentInFlight,
	}, {
		name:     "never dispatched",
		trackErr: status.Error(codes.NotFound, "payment isn't initiated"),
		want:     PaymentFailed,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, _ := newTestClient(t, &fakeRouter{
				updates: []*lnrpc.Payment{
					{Status: lnrpc.Payment_IN_FLIGHT},
				},
				streamErr: errors.New("node restarting"),
				tracked:   tc.tracked,
				trackErr:  tc.trackErr,
			})

			res, err := client.SendPayment(
				context.Background(), &PaymentRequest{
					Invoice:     "x",
					PaymentHash: lntypes.Hash{2},
				},
			)
			require.NoError(t, err)
			require.Equal(t, tc.want, res.Status)

			if tc.want == PaymentSucceeded {
				require.EqualValues(t, 1_000, res.Value.Units())
				require.EqualValues(t, 3, res.Fee.Units())
				require.Equal(
					t, preimage, res.Preimage.UnwrapOrFail(t),
				)
			}
		})
	}
}

// TestLndTrackPayment reads the current state of earlier payments.
func TestLndTrackPayment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	client, _ := newTestClient(t, &fakeRouter{
		tracked: &lnrpc.Payment{
			Status: lnrpc.Payment_FAILED,
			FailureReason: lnrpc.
				PaymentFailureReason_FAILURE_REASON_TIMEOUT,
		},
	})
	res, err := client.TrackPayment(ctx, lntypes.Hash{3})
	require.NoError(t, err)
	require.Equal(t, PaymentFailed, res.Status)

	client, _ = newTestClient(t, &fakeRouter{
		trackErr: status.Error(codes.NotFound, "payment isn't initiated"),
	})
	_, err = client.TrackPayment(ctx, lntypes.Hash{3})
	require.ErrorIs(t, err, ErrPaymentNotFound)
}
