package paycore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payments"
	"github.com/stretchr/testify/require"
)

// seedAccount adds a level one account holding one BTC wallet.
func seedAccount(t *testing.T, s *Stores,
	name string) *directory.WalletDescriptor {

	t.Helper()

	ctx := context.Background()
	user := &directory.User{ID: directory.UserID("user-" + name)}
	wallet := &directory.WalletDescriptor{
		ID:        directory.WalletID("btc-" + name),
		AccountID: directory.AccountID("acct-" + name),
		Currency:  amount.CurrencyBTC,
	}
	require.NoError(t, s.Directory.AddUser(ctx, user))
	require.NoError(t, s.Directory.AddAccount(ctx, &directory.Account{
		ID:              wallet.AccountID,
		Username:        name,
		Level:           directory.AccountLevelOne,
		OwnerID:         user.ID,
		DefaultWalletID: wallet.ID,
	}))
	require.NoError(t, s.Directory.AddWallet(ctx, wallet))

	return wallet
}

// TestCoreIntraledgerPayment builds the whole core from a config file and
// pays between two accounts, which needs no settlement node.
func TestCoreIntraledgerPayment(t *testing.T) {
	ctx := context.Background()

	payDir := t.TempDir()
	err := os.WriteFile(
		filepath.Join(payDir, defaultConfigFilename),
		[]byte(testConfigFile), 0600,
	)
	require.NoError(t, err)

	cfg, err := LoadConfig([]string{
		"--paydir=" + payDir,
		"--prometheus.enable",
		"--prometheus.listen=127.0.0.1:0",
	})
	require.NoError(t, err)

	core, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, core.Start())
	t.Cleanup(func() {
		require.NoError(t, core.Stop())
	})

	alice := seedAccount(t, core.Stores, "alice")
	bob := seedAccount(t, core.Stores, "bob")

	_, err = core.Ledger.RecordDeposit(
		ctx, alice, amount.NewSats(10_000).Any(), "deposit-1",
	)
	require.NoError(t, err)

	receipt, err := core.Payments.PayIntraledger(
		ctx, &payments.IntraledgerRequest{
			SenderAccountID:   alice.AccountID,
			SenderWalletID:    alice.ID,
			RecipientUsername: "Bob",
			Amount:            4_000,
		},
	)
	require.NoError(t, err)
	require.Equal(t, payments.StatusSuccess, receipt.Status)

	balance, err := core.Ledger.GetWalletBalance(ctx, bob)
	require.NoError(t, err)
	require.EqualValues(t, 4_000, balance.Units)

	require.NoError(t, core.Ledger.CheckBalanced(ctx))
}
