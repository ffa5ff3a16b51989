package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/satledger/paycore/amount"
	"github.com/satledger/paycore/directory"
	"github.com/satledger/paycore/ledger"
)

// ErrDispatcherShuttingDown is returned when an event is dispatched after
// Stop.
var ErrDispatcherShuttingDown = errors.New("notification dispatcher " +
	"shutting down")

// EventType identifies what happened.
type EventType uint8

const (
	// EventIntraLedgerReceived is sent to the recipient of an
	// intraledger payment.
	EventIntraLedgerReceived EventType = iota + 1

	// EventPaymentSent is sent to the payer once an outgoing payment
	// has settled.
	EventPaymentSent

	// EventPaymentPending is sent to the payer of a Lightning payment
	// that was still in flight when recorded.
	EventPaymentPending

	// EventPaymentFailed is sent to the payer of a pending Lightning
	// payment that failed and was returned to the wallet.
	EventPaymentFailed
)

// String returns a human readable event type.
func (t EventType) String() string {
	switch t {
	case EventIntraLedgerReceived:
		return "intraledger_received"
	case EventPaymentSent:
		return "payment_sent"
	case EventPaymentPending:
		return "payment_pending"
	case EventPaymentFailed:
		return "payment_failed"
	default:
		return "unknown"
	}
}

// Event is a notification about a wallet.
type Event struct {
	Type      EventType
	AccountID directory.AccountID
	WalletID  directory.WalletID

	// Amount is in the wallet's currency.
	Amount        amount.Any
	DisplayAmount amount.Cents

	Method    ledger.SettlementMethod
	JournalID ledger.JournalID

	// Language is the user's preferred language, if known.
	Language  string
	Timestamp time.Time
}

// Notifier delivers events to users.
type Notifier interface {
	// Notify delivers a single event.
	Notify(ctx context.Context, e *Event) error
}

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	// Notifiers each receive every event.
	Notifiers []Notifier

	// Timeout bounds each delivery.
	Timeout time.Duration

	// BufferSize is the initial queue capacity. The queue grows past it
	// rather than block the payer.
	BufferSize int
}

// Dispatcher hands events to notifiers from a background goroutine so the
// payment path never waits on delivery. Delivery failures are logged only.
type Dispatcher struct {
	started sync.Once
	stopped sync.Once

	cfg DispatcherConfig

	events *queue.ConcurrentQueue

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Dispatcher{
		cfg:    cfg,
		events: queue.NewConcurrentQueue(cfg.BufferSize),
		quit:   make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() error {
	d.started.Do(func() {
		log.Infof("Starting notification dispatcher with %d "+
			"notifiers", len(d.cfg.Notifiers))

		d.events.Start()

		d.wg.Add(1)
		go d.deliver()
	})

	return nil
}

// Stop halts delivery. Events still queued are dropped.
func (d *Dispatcher) Stop() error {
	d.stopped.Do(func() {
		log.Infof("Stopping notification dispatcher")

		close(d.quit)
		d.events.Stop()
		d.wg.Wait()
	})

	return nil
}

// Dispatch queues an event for delivery.
func (d *Dispatcher) Dispatch(e *Event) error {
	select {
	case d.events.ChanIn() <- e:
		return nil

	case <-d.quit:
		return ErrDispatcherShuttingDown
	}
}

// deliver hands queued events to every notifier.
//
// NOTE: MUST be run as a goroutine.
func (d *Dispatcher) deliver() {
	defer d.wg.Done()

	for {
		select {
		case item, ok := <-d.events.ChanOut():
			if !ok {
				return
			}

			e, ok := item.(*Event)
			if !ok {
				log.Errorf("Unexpected queue item %T", item)
				continue
			}
			d.notifyAll(e)

		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) notifyAll(e *Event) {
	for _, n := range d.cfg.Notifiers {
		ctx, cancel := context.WithTimeout(
			context.Background(), d.cfg.Timeout,
		)
		err := n.Notify(ctx, e)
		cancel()

		if err != nil {
			log.WarnS(ctx, "Notification delivery failed", err,
				"event", e.Type, "wallet_id", e.WalletID)
		}
	}
}
