package paycore

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/satledger/paycore/build"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
	"github.com/satledger/paycore/limits"
	"github.com/satledger/paycore/monitoring"
	"github.com/satledger/paycore/notify"
	"github.com/satledger/paycore/paymentflow"
	"github.com/satledger/paycore/payments"
	"github.com/satledger/paycore/price"
	"github.com/satledger/paycore/settlement"
	"github.com/satledger/paycore/signal"
	"github.com/satledger/paycore/walletlock"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "PAYC"

// paycLog is the daemon's own logger. It stays disabled until SetupLoggers
// is called.
var paycLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	paycLog = build.NewSubLogger(Subsystem, root.GenSubLogger)

	AddSubLogger(root, payments.Subsystem, payments.UseLogger)
	AddSubLogger(root, paymentflow.Subsystem, paymentflow.UseLogger)
	AddSubLogger(root, ledger.Subsystem, ledger.UseLogger)
	AddSubLogger(root, walletlock.Subsystem, walletlock.UseLogger)
	AddSubLogger(root, limits.Subsystem, limits.UseLogger)
	AddSubLogger(root, price.Subsystem, price.UseLogger)
	AddSubLogger(root, directory.Subsystem, directory.UseLogger)
	AddSubLogger(root, settlement.Subsystem, settlement.UseLogger)
	AddSubLogger(root, notify.Subsystem, notify.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	for _, useLogger := range useLoggers {
		build.AddLogger(root, subsystem, useLogger)
	}
}
