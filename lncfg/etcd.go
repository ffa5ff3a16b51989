package lncfg

import (
	"fmt"

	"github.com/satledger/paycore/walletlock"
)

const (
	// DefaultEtcdNamespace scopes every key this service writes.
	DefaultEtcdNamespace = "paycore"
)

// Etcd holds the connection options of the etcd cluster backing the
// distributed wallet lock.
//
//nolint:lll
type Etcd struct {
	Enable             bool   `long:"enable" description:"Use etcd for wallet locks so several instances can share one ledger"`
	Host               string `long:"host" description:"Etcd database host"`
	User               string `long:"user" description:"Etcd database user"`
	Pass               string `long:"pass" description:"Password for the database user"`
	Namespace          string `long:"namespace" description:"The etcd namespace to use"`
	DisableTLS         bool   `long:"disabletls" description:"Disable TLS for etcd connection. Caution: use for development only"`
	CertFile           string `long:"cert_file" description:"Path to the TLS certificate for etcd RPC"`
	KeyFile            string `long:"key_file" description:"Path to the TLS private key for etcd RPC"`
	InsecureSkipVerify bool   `long:"insecure_skip_verify" description:"Whether we intend to skip TLS verification"`
}

// Validate checks the etcd options if etcd is enabled.
func (e *Etcd) Validate() error {
	if !e.Enable {
		return nil
	}

	if e.Host == "" {
		return fmt.Errorf("etcd.host must be set when etcd is enabled")
	}
	if !e.DisableTLS && (e.CertFile == "") != (e.KeyFile == "") {
		return fmt.Errorf("etcd.cert_file and etcd.key_file must be " +
			"set together")
	}

	return nil
}

// ClientConfig returns the etcd client options.
func (e *Etcd) ClientConfig() *walletlock.EtcdClientConfig {
	return &walletlock.EtcdClientConfig{
		Host:               e.Host,
		User:               e.User,
		Pass:               e.Pass,
		Namespace:          e.Namespace,
		DisableTLS:         e.DisableTLS,
		CertFile:           e.CertFile,
		KeyFile:            e.KeyFile,
		InsecureSkipVerify: e.InsecureSkipVerify,
	}
}
