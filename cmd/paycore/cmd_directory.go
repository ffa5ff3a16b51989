package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/limits"
	"github.com/urfave/cli"
)

var addAccountCommand = cli.Command{
	Name:     "addaccount",
	Category: "Directory",
	Usage:    "Create a user with an account holding a BTC and a USD wallet.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "username",
			Usage: "the unique username of the account",
		},
		cli.UintFlag{
			Name:  "level",
			Usage: "the account level, 0 to 2",
			Value: 1,
		},
		cli.StringFlag{
			Name:  "language",
			Usage: "the user's language for notifications",
			Value: "en",
		},
		cli.StringFlag{
			Name:  "phone",
			Usage: "the user's phone number",
		},
		cli.StringFlag{
			Name:  "default",
			Usage: "the currency of the default wallet, BTC or USD",
			Value: "BTC",
		},
	},
	Action: addAccount,
}

type addAccountResponse struct {
	UserID      string `json:"user_id"`
	AccountID   string `json:"account_id"`
	BtcWalletID string `json:"btc_wallet_id"`
	UsdWalletID string `json:"usd_wallet_id"`
}

func addAccount(ctx *cli.Context) error {
	ctxb := context.Background()

	username := ctx.String("username")
	if username == "" {
		return fmt.Errorf("username must be set")
	}
	level := directory.AccountLevel(ctx.Uint("level"))
	if level > directory.AccountLevelTwo {
		return fmt.Errorf("invalid level %d", level)
	}
	defaultCurrency, err := amount.ParseCurrency(ctx.String("default"))
	if err != nil {
		return err
	}

	stores, cleanUp := openStores(ctx)
	defer cleanUp()
	dir := stores.Directory

	user := &directory.User{
		ID:       directory.UserID(uuid.NewString()),
		Language: ctx.String("language"),
		Phone:    ctx.String("phone"),
	}
	account := &directory.Account{
		ID:       directory.AccountID(uuid.NewString()),
		Username: username,
		Level:    level,
		Status:   directory.AccountActive,
		OwnerID:  user.ID,
	}
	btcWallet := &directory.WalletDescriptor{
		ID:        directory.WalletID(uuid.NewString()),
		AccountID: account.ID,
		Currency:  amount.CurrencyBTC,
	}
	usdWallet := &directory.WalletDescriptor{
		ID:        directory.WalletID(uuid.NewString()),
		AccountID: account.ID,
		Currency:  amount.CurrencyUSD,
	}

	account.DefaultWalletID = btcWallet.ID
	if defaultCurrency == amount.CurrencyUSD {
		account.DefaultWalletID = usdWallet.ID
	}

	if err := dir.AddUser(ctxb, user); err != nil {
		return err
	}
	if err := dir.AddAccount(ctxb, account); err != nil {
		return err
	}
	for _, w := range []*directory.WalletDescriptor{btcWallet, usdWallet} {
		if err := dir.AddWallet(ctxb, w); err != nil {
			return err
		}
	}

	printJSON(&addAccountResponse{
		UserID:      string(user.ID),
		AccountID:   string(account.ID),
		BtcWalletID: string(btcWallet.ID),
		UsdWalletID: string(usdWallet.ID),
	})

	return nil
}

var depositCommand = cli.Command{
	Name:      "deposit",
	Category:  "Ledger",
	Usage:     "Credit a wallet with funds received from outside.",
	ArgsUsage: "wallet_id amount",
	Description: `
	Record a deposit of amount, in the wallet's minor unit, into the
	wallet. Repeating a deposit with the same --ref has no effect.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "ref",
			Usage: "the external reference of the deposit",
		},
	},
	Action: deposit,
}

type journalResponse struct {
	JournalID string `json:"journal_id"`
}

func deposit(ctx *cli.Context) error {
	ctxb := context.Background()

	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "deposit")
	}
	units, err := parseUnits(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	stores, cleanUp := openStores(ctx)
	defer cleanUp()

	wallet, err := stores.Directory.FindWalletByID(
		ctxb, directory.WalletID(ctx.Args().First()),
	)
	if err != nil {
		return err
	}

	ref := ctx.String("ref")
	if ref == "" {
		ref = uuid.NewString()
	}

	id, err := stores.Ledger.RecordDeposit(ctxb, wallet, amount.Any{
		Units:    units,
		Currency: wallet.Currency,
	}, ref)
	if err != nil {
		return err
	}

	printJSON(&journalResponse{JournalID: id.String()})

	return nil
}

var balanceCommand = cli.Command{
	Name:      "balance",
	Category:  "Ledger",
	Usage:     "Show a wallet's balance.",
	ArgsUsage: "wallet_id",
	Action:    balance,
}

type balanceResponse struct {
	WalletID string `json:"wallet_id"`
	Currency string `json:"currency"`
	Balance  uint64 `json:"balance"`
}

func balance(ctx *cli.Context) error {
	ctxb := context.Background()

	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "balance")
	}

	stores, cleanUp := openStores(ctx)
	defer cleanUp()

	wallet, err := stores.Directory.FindWalletByID(
		ctxb, directory.WalletID(ctx.Args().First()),
	)
	if err != nil {
		return err
	}

	bal, err := stores.Ledger.GetWalletBalance(ctxb, wallet)
	if err != nil {
		return err
	}

	printJSON(&balanceResponse{
		WalletID: string(wallet.ID),
		Currency: bal.Currency.String(),
		Balance:  bal.Units,
	})

	return nil
}

var volumeCommand = cli.Command{
	Name:      "volume",
	Category:  "Ledger",
	Usage:     "Show an account's outgoing volume within the limits window.",
	ArgsUsage: "account_id",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "window",
			Usage: "the trailing window",
			Value: limits.DefaultWindow,
		},
	},
	Action: volume,
}

type volumeResponse struct {
	AccountID string            `json:"account_id"`
	Window    string            `json:"window"`
	Cents     map[string]uint64 `json:"cents"`
}

func volume(ctx *cli.Context) error {
	ctxb := context.Background()

	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "volume")
	}

	stores, cleanUp := openStores(ctx)
	defer cleanUp()

	window := ctx.Duration("window")
	checker := limits.NewChecker(limits.Config{
		Window:  window,
		Volumes: stores.Ledger,
		Wallets: stores.Directory,
		Clock:   clock.NewDefaultClock(),
	})

	resp := &volumeResponse{
		AccountID: ctx.Args().First(),
		Window:    window.String(),
		Cents:     make(map[string]uint64),
	}
	categories := []ledger.Category{
		ledger.CategoryWithdrawal,
		ledger.CategoryIntraLedger,
		ledger.CategoryTradeIntraAccount,
	}
	for _, category := range categories {
		used, err := checker.Volume(
			ctxb, directory.AccountID(resp.AccountID), category,
		)
		if err != nil {
			return err
		}
		resp.Cents[category.String()] = used.Units()
	}

	printJSON(resp)

	return nil
}
