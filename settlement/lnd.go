package settlement

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/satledger/paycore/amount"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"
)

const (
	// defaultMacaroonTimeout is how long a request's macaroon stays
	// valid, to limit replay.
	defaultMacaroonTimeout = 60

	// defaultPaymentTimeout bounds a payment attempt when the request
	// does not.
	defaultPaymentTimeout = 60 * time.Second
)

// LndConfig configures the connection to an lnd node.
type LndConfig struct {
	// Host is the node's gRPC host:port.
	Host string

	// TLSCertPath is the node's TLS certificate. Ignored if Insecure.
	TLSCertPath string

	// MacaroonPath is the macaroon presented with every call. Ignored if
	// NoMacaroons.
	MacaroonPath string

	Insecure    bool
	NoMacaroons bool

	// Dialer overrides the network dialer.
	Dialer func(context.Context, string) (net.Conn, error)

	// DialOptions are appended to the client's own, for example to add
	// metrics interceptors.
	DialOptions []grpc.DialOption
}

// LndClient implements OnChainService and LightningService on top of an lnd
// node.
type LndClient struct {
	conn   *grpc.ClientConn
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
}

// NewLndClient dials an lnd node.
func NewLndClient(cfg *LndConfig) (*LndClient, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(lnrpc.MaxGrpcMsgSize),
		),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(
			insecure.NewCredentials(),
		))
	} else {
		creds, err := credentials.NewClientTLSFromFile(
			cfg.TLSCertPath, "",
		)
		if err != nil {
			return nil, fmt.Errorf("unable to read TLS cert: %w",
				err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}

	if !cfg.NoMacaroons {
		cred, err := loadMacaroon(cfg.MacaroonPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithPerRPCCredentials(cred))
	}

	if cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(cfg.Dialer))
	}

	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to lnd: %w", err)
	}

	return &LndClient{
		conn:   conn,
		ln:     lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
	}, nil
}

// loadMacaroon reads a macaroon file and constrains it to a short validity
// window.
func loadMacaroon(path string) (macaroons.MacaroonCredential, error) {
	macBytes, err := os.ReadFile(path)
	if err != nil {
		return macaroons.MacaroonCredential{}, fmt.Errorf("unable to "+
			"read macaroon: %w", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return macaroons.MacaroonCredential{}, fmt.Errorf("unable to "+
			"decode macaroon: %w", err)
	}

	constrained, err := macaroons.AddConstraints(
		mac, macaroons.TimeoutConstraint(defaultMacaroonTimeout),
	)
	if err != nil {
		return macaroons.MacaroonCredential{}, err
	}

	return macaroons.NewMacaroonCredential(constrained)
}

// Close tears down the connection.
func (c *LndClient) Close() error {
	return c.conn.Close()
}

// EstimateFee returns lnd's fee estimate for a single-output send.
//
// NOTE: Part of the OnChainService interface.
func (c *LndClient) EstimateFee(ctx context.Context, addr btcutil.Address,
	amt amount.Sats, targetConfs uint32) (amount.Sats, error) {

	resp, err := c.ln.EstimateFee(ctx, &lnrpc.EstimateFeeRequest{
		AddrToAmount: map[string]int64{
			addr.EncodeAddress(): int64(amt.Btcutil()),
		},
		TargetConf: int32(targetConfs),
	})
	if err != nil {
		return amount.Sats{}, err
	}

	return amount.SatsFromBtcutil(btcutil.Amount(resp.FeeSat))
}

// PayToAddress broadcasts a send from the node's wallet.
//
// NOTE: Part of the OnChainService interface.
func (c *LndClient) PayToAddress(ctx context.Context, addr btcutil.Address,
	amt amount.Sats, targetConfs uint32,
	label string) (chainhash.Hash, error) {

	resp, err := c.ln.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:       addr.EncodeAddress(),
		Amount:     int64(amt.Btcutil()),
		TargetConf: int32(targetConfs),
		Label:      label,
	})
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(resp.Txid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("lnd returned invalid "+
			"txid %q: %w", resp.Txid, err)
	}

	log.Debugf("Broadcast %v to %v in tx %v", amt, addr, hash)

	return *hash, nil
}

// LookupSettledFee scans the wallet's recent transactions for txHash.
//
// NOTE: Part of the OnChainService interface.
func (c *LndClient) LookupSettledFee(ctx context.Context,
	txHash chainhash.Hash, scanDepth uint32) (amount.Sats, error) {

	info, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return amount.Sats{}, err
	}

	var start int32
	if info.BlockHeight > scanDepth {
		start = int32(info.BlockHeight - scanDepth)
	}

	// An end height of -1 includes unconfirmed transactions, which is
	// where a fresh broadcast lives.
	resp, err := c.ln.GetTransactions(ctx, &lnrpc.GetTransactionsRequest{
		StartHeight: start,
		EndHeight:   -1,
	})
	if err != nil {
		return amount.Sats{}, err
	}

	want := txHash.String()
	for _, tx := range resp.Transactions {
		if tx.TxHash == want {
			return amount.SatsFromBtcutil(
				btcutil.Amount(tx.TotalFees),
			)
		}
	}

	return amount.Sats{}, ErrTxNotFound
}

// Balance returns the node's confirmed on-chain balance.
//
// NOTE: Part of the OnChainService interface.
func (c *LndClient) Balance(ctx context.Context) (amount.Sats, error) {
	resp, err := c.ln.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return amount.Sats{}, err
	}

	return amount.SatsFromBtcutil(btcutil.Amount(resp.ConfirmedBalance))
}

// RouteFee asks the router for the fee of the best route to the invoice's
// destination.
//
// NOTE: Part of the LightningService interface.
func (c *LndClient) RouteFee(ctx context.Context, invoice string,
	amt amount.Sats) (amount.Sats, error) {

	resp, err := c.router.EstimateRouteFee(ctx, &routerrpc.RouteFeeRequest{
		PaymentRequest: invoice,
		AmtSat:         int64(amt.Btcutil()),
		Timeout:        uint32(defaultPaymentTimeout.Seconds()),
	})
	if err != nil {
		return amount.Sats{}, err
	}
	if resp.FailureReason != lnrpc.PaymentFailureReason_FAILURE_REASON_NONE {
		return amount.Sats{}, fmt.Errorf("route fee estimate "+
			"failed: %v", resp.FailureReason)
	}

	fee := lnwire.MilliSatoshi(resp.RoutingFeeMsat)

	// Round up so the estimate never understates the fee.
	return amount.SatsFromBtcutil(
		(fee + lnwire.MilliSatoshi(999)).ToSatoshis(),
	)
}

// SendPayment pays an invoice through the router and waits for a final
// state, at most the request timeout plus InFlightMargin. If the update
// stream ends early for any reason, the payment's state is looked up once
// more and anything short of a final state is reported in flight.
//
// NOTE: Part of the LightningService interface.
func (c *LndClient) SendPayment(ctx context.Context,
	req *PaymentRequest) (*PaymentResult, error) {

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultPaymentTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout+InFlightMargin)
	defer cancel()

	stream, err := c.router.SendPaymentV2(
		waitCtx, &routerrpc.SendPaymentRequest{
			PaymentRequest:    req.Invoice,
			Amt:               int64(req.Amount.Btcutil()),
			FeeLimitSat:       int64(req.FeeLimit.Btcutil()),
			TimeoutSeconds:    int32(timeout.Seconds()),
			NoInflightUpdates: true,
		},
	)
	if err != nil {
		return nil, err
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			// The request may have reached the node, so a broken
			// stream says nothing about the payment itself.
			return c.confirmPayment(ctx, req.PaymentHash, err)
		}

		log.Tracef("Payment update: %v", newLogClosure(func() string {
			return spew.Sdump(payment)
		}))

		result, final, err := paymentResult(payment)
		if err != nil {
			return nil, err
		}
		if final {
			return result, nil
		}
	}
}

// confirmPayment looks up a payment whose update stream ended with
// streamErr. Only a node that has never seen the payment makes it a
// failure.
func (c *LndClient) confirmPayment(ctx context.Context, hash lntypes.Hash,
	streamErr error) (*PaymentResult, error) {

	// The caller's context may be what ended the stream.
	trackCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx), TrackTimeout,
	)
	defer cancel()

	result, err := c.TrackPayment(trackCtx, hash)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		log.Debugf("Payment %v not dispatched: %v", hash, streamErr)

		return &PaymentResult{
			Status:        PaymentFailed,
			Preimage:      fn.None[lntypes.Preimage](),
			FailureReason: streamErr.Error(),
		}, nil

	case err != nil:
		log.Warnf("Payment %v state unknown, stream: %v, track: %v",
			hash, streamErr, err)

		return inFlight(), nil
	}

	if result.Status == PaymentInFlight {
		log.Warnf("Payment %v still in flight: %v", hash, streamErr)
	}

	return result, nil
}

// TrackPayment reads the first update of a payment subscription, which lnd
// sends with the payment's current state.
//
// NOTE: Part of the LightningService interface.
func (c *LndClient) TrackPayment(ctx context.Context,
	hash lntypes.Hash) (*PaymentResult, error) {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.router.TrackPaymentV2(
		ctx, &routerrpc.TrackPaymentRequest{PaymentHash: hash[:]},
	)
	if err != nil {
		return nil, trackErr(err)
	}

	payment, err := stream.Recv()
	if err != nil {
		return nil, trackErr(err)
	}

	result, final, err := paymentResult(payment)
	if err != nil {
		return nil, err
	}
	if !final {
		return inFlight(), nil
	}

	return result, nil
}

// trackErr maps lnd's answer for an unknown payment hash.
func trackErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return ErrPaymentNotFound
	}

	return err
}

func inFlight() *PaymentResult {
	return &PaymentResult{
		Status:   PaymentInFlight,
		Preimage: fn.None[lntypes.Preimage](),
	}
}

// paymentResult maps an lnd payment update. Non-final updates return false.
func paymentResult(p *lnrpc.Payment) (*PaymentResult, bool, error) {
	fee, err := amount.SatsFromBtcutil(btcutil.Amount(p.FeeSat))
	if err != nil {
		return nil, false, err
	}
	value, err := amount.SatsFromBtcutil(btcutil.Amount(p.ValueSat))
	if err != nil {
		return nil, false, err
	}

	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		preimage, err := lntypes.MakePreimageFromStr(p.PaymentPreimage)
		if err != nil {
			return nil, false, fmt.Errorf("invalid preimage: %w",
				err)
		}

		return &PaymentResult{
			Status:   PaymentSucceeded,
			Preimage: fn.Some(preimage),
			Value:    value,
			Fee:      fee,
		}, true, nil

	case lnrpc.Payment_FAILED:
		return &PaymentResult{
			Status:        PaymentFailed,
			Preimage:      fn.None[lntypes.Preimage](),
			FailureReason: p.FailureReason.String(),
		}, true, nil

	default:
		return nil, false, nil
	}
}

// A compile-time assertion to ensure LndClient implements OnChainService.
var _ OnChainService = (*LndClient)(nil)

// A compile-time assertion to ensure LndClient implements LightningService.
var _ LightningService = (*LndClient)(nil)
