package main

import (
	"context"
	"strconv"

	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/payments"
	"github.com/urfave/cli"
)

// senderFlags identify the paying account and wallet.
var senderFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "account",
		Usage: "the id of the paying account",
	},
	cli.StringFlag{
		Name:  "wallet",
		Usage: "the id of the paying wallet",
	},
	cli.StringFlag{
		Name:  "memo",
		Usage: "an optional note stored with the payment",
	},
}

func parseUnits(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

type receiptResponse struct {
	Status      string `json:"status"`
	Method      string `json:"method"`
	JournalID   string `json:"journal_id"`
	ExternalRef string `json:"external_ref,omitempty"`
}

func printReceipt(r *payments.Receipt) {
	printJSON(&receiptResponse{
		Status:      r.Status.String(),
		Method:      r.Method.String(),
		JournalID:   r.JournalID.String(),
		ExternalRef: r.ExternalRef,
	})
}

var payOnChainCommand = cli.Command{
	Name:      "payonchain",
	Category:  "Payments",
	Usage:     "Send funds to a Bitcoin address.",
	ArgsUsage: "addr [amt]",
	Description: `
	Pay amt sats from a BTC wallet to addr. Addresses owned by a wallet
	on this ledger are paid internally without touching the chain.`,
	Flags: append([]cli.Flag{
		cli.BoolFlag{
			Name: "sweepall",
			Usage: "send the whole wallet balance less fees; amt " +
				"must not be given",
		},
		cli.UintFlag{
			Name:  "conf_target",
			Usage: "the number of blocks the transaction should confirm in",
			Value: 6,
		},
	}, senderFlags...),
	Action: payOnChain,
}

func payOnChain(ctx *cli.Context) error {
	req := &payments.OnChainRequest{
		SenderAccountID: directory.AccountID(ctx.String("account")),
		SenderWalletID:  directory.WalletID(ctx.String("wallet")),
		SendAll:         ctx.Bool("sweepall"),
		TargetConfs:     uint32(ctx.Uint("conf_target")),
		Memo:            ctx.String("memo"),
	}

	switch {
	case req.SendAll && ctx.NArg() == 1:
		req.Address = ctx.Args().First()

	case !req.SendAll && ctx.NArg() == 2:
		req.Address = ctx.Args().First()

		amt, err := parseUnits(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		req.Amount = amt

	default:
		return cli.ShowCommandHelp(ctx, "payonchain")
	}

	core, cleanUp := startCore(ctx)
	defer cleanUp()

	receipt, err := core.Payments.PayOnChain(context.Background(), req)
	if err != nil {
		return err
	}

	printReceipt(receipt)

	return nil
}

var payInvoiceCommand = cli.Command{
	Name:      "payinvoice",
	Category:  "Payments",
	Usage:     "Pay a BOLT 11 invoice.",
	ArgsUsage: "pay_req",
	Flags: append([]cli.Flag{
		cli.Uint64Flag{
			Name: "amt",
			Usage: "the amount in sats to pay, only for invoices " +
				"without an amount",
		},
	}, senderFlags...),
	Action: payInvoice,
}

func payInvoice(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "payinvoice")
	}

	core, cleanUp := startCore(ctx)
	defer cleanUp()

	receipt, err := core.Payments.PayLightningInvoice(
		context.Background(), &payments.InvoiceRequest{
			SenderAccountID: directory.AccountID(
				ctx.String("account"),
			),
			SenderWalletID: directory.WalletID(ctx.String("wallet")),
			Invoice:        ctx.Args().First(),
			Amount:         ctx.Uint64("amt"),
			Memo:           ctx.String("memo"),
		},
	)
	if err != nil {
		return err
	}

	printReceipt(receipt)

	return nil
}

var payIntraledgerCommand = cli.Command{
	Name:     "payintraledger",
	Category: "Payments",
	Usage:    "Pay another wallet on this ledger.",
	Description: `
	Pay amt, in the sending wallet's minor unit, to a wallet given by id
	or to the default wallet of a username. Paying a wallet of the same
	account is a trade between the account's currencies.`,
	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "to_wallet",
			Usage: "the id of the receiving wallet",
		},
		cli.StringFlag{
			Name:  "to_user",
			Usage: "the username whose default wallet receives",
		},
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "the amount to pay",
		},
		cli.BoolFlag{
			Name:  "sendall",
			Usage: "pay the whole wallet balance",
		},
		cli.StringFlag{
			Name: "idempotency_key",
			Usage: "a key that makes retrying the same payment " +
				"safe",
		},
	}, senderFlags...),
	Action: payIntraledger,
}

func payIntraledger(ctx *cli.Context) error {
	core, cleanUp := startCore(ctx)
	defer cleanUp()

	receipt, err := core.Payments.PayIntraledger(
		context.Background(), &payments.IntraledgerRequest{
			SenderAccountID: directory.AccountID(
				ctx.String("account"),
			),
			SenderWalletID: directory.WalletID(ctx.String("wallet")),
			RecipientWalletID: directory.WalletID(
				ctx.String("to_wallet"),
			),
			RecipientUsername: ctx.String("to_user"),
			Amount:            ctx.Uint64("amt"),
			SendAll:           ctx.Bool("sendall"),
			Memo:              ctx.String("memo"),
			IdempotencyKey:    ctx.String("idempotency_key"),
		},
	)
	if err != nil {
		return err
	}

	printReceipt(receipt)

	return nil
}
