package lncfg

import (
	"fmt"

	"github.com/satledger/paycore/settlement"
)

const (
	// DefaultLndHost is the default gRPC endpoint of the settlement node.
	DefaultLndHost = "localhost:10009"
)

// Lnd holds the connection options of the lnd node that settles external
// payments.
//
//nolint:lll
type Lnd struct {
	Host         string `long:"host" description:"The host:port of the lnd gRPC server"`
	TLSCertPath  string `long:"tlscertpath" description:"Path to lnd's TLS certificate"`
	MacaroonPath string `long:"macaroonpath" description:"Path to a macaroon allowing on-chain sends, payments and fee estimates"`
	NoMacaroons  bool   `long:"no-macaroons" description:"Disable macaroon authentication"`
	Insecure     bool   `long:"insecure" description:"Connect without TLS. Only for local test setups"`
}

// Validate checks that the connection options are usable.
func (l *Lnd) Validate() error {
	if l.Host == "" {
		return fmt.Errorf("lnd.host must be set")
	}
	if !l.Insecure && l.TLSCertPath == "" {
		return fmt.Errorf("lnd.tlscertpath must be set unless " +
			"lnd.insecure is used")
	}
	if !l.NoMacaroons && l.MacaroonPath == "" {
		return fmt.Errorf("lnd.macaroonpath must be set unless " +
			"lnd.no-macaroons is used")
	}

	return nil
}

// ClientConfig returns the settlement client options.
func (l *Lnd) ClientConfig() *settlement.LndConfig {
	return &settlement.LndConfig{
		Host:         l.Host,
		TLSCertPath:  l.TLSCertPath,
		MacaroonPath: l.MacaroonPath,
		Insecure:     l.Insecure,
		NoMacaroons:  l.NoMacaroons,
	}
}
