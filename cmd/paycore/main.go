package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/satledger/paycore"
	"github.com/satledger/paycore/build"
	"github.com/satledger/paycore/signal"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[paycore] %v\n", err)
	os.Exit(1)
}

func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

// loadConfig reads the daemon's configuration for the global flags, so the
// offline commands operate on the same database the daemon uses.
func loadConfig(ctx *cli.Context) *paycore.Config {
	var args []string
	if ctx.GlobalIsSet("paydir") {
		args = append(args, "--paydir="+ctx.GlobalString("paydir"))
	}
	if ctx.GlobalIsSet("configfile") {
		args = append(
			args, "--configfile="+ctx.GlobalString("configfile"),
		)
	}

	cfg, err := paycore.LoadConfig(args)
	if err != nil {
		fatal(err)
	}

	return cfg
}

// openStores opens the database of the configured daemon. The daemon must
// not be running since it holds the database lock.
func openStores(ctx *cli.Context) (*paycore.Stores, func()) {
	cfg := loadConfig(ctx)

	stores, err := paycore.OpenStores(cfg, clock.NewDefaultClock())
	if err != nil {
		fatal(err)
	}

	return stores, func() {
		if err := stores.Close(); err != nil {
			fatal(err)
		}
	}
}

// startCore builds and starts a full payment core for one command.
func startCore(ctx *cli.Context) (*paycore.Core, func()) {
	cfg := loadConfig(ctx)

	core, err := paycore.New(context.Background(), cfg)
	if err != nil {
		fatal(err)
	}
	if err := core.Start(); err != nil {
		_ = core.Stop()
		fatal(err)
	}

	return core, func() {
		if err := core.Stop(); err != nil {
			fatal(err)
		}
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Run the payment core until interrupted.",
	Description: `
	Start the payment core. All arguments are daemon options; use
	"serve --help" to list them.`,
	SkipFlagParsing: true,
	Action:          serve,
}

func serve(ctx *cli.Context) error {
	cfg, err := paycore.LoadConfig(ctx.Args())
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return nil
		}

		return err
	}

	rotator, err := paycore.SetupLogging(cfg)
	if err != nil {
		return err
	}
	defer rotator.Close()

	// Hook interceptor for os signals.
	interceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	return paycore.Main(cfg, interceptor)
}

func main() {
	app := cli.NewApp()
	app.Name = "paycore"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "payment core of a custodial Bitcoin and Lightning wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "paydir",
			Value:     paycore.DefaultPayDir,
			Usage:     "The path to the payment core's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Value:     paycore.DefaultConfigFile,
			Usage:     "The path to the payment core's config file.",
			TakesFile: true,
		},
	}
	app.Commands = []cli.Command{
		serveCommand,
		addAccountCommand,
		depositCommand,
		balanceCommand,
		volumeCommand,
		payOnChainCommand,
		payInvoiceCommand,
		payIntraledgerCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
