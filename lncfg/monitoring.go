package lncfg

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultNotifyTimeout bounds the delivery of one notification.
	DefaultNotifyTimeout = 5 * time.Second

	// DefaultNotifyBuffer is the notification queue's in-memory buffer.
	DefaultNotifyBuffer = 100

	// DefaultPrometheusListen is where the metrics exporter listens.
	DefaultPrometheusListen = "127.0.0.1:8989"
)

// Notify holds the payment notification options.
//
//nolint:lll
type Notify struct {
	Log               bool          `long:"log" description:"Log every notification"`
	WebhookURL        string        `long:"webhookurl" description:"POST every notification as JSON to this URL"`
	RequestsPerSecond float64       `long:"requestspersecond" description:"Maximum webhook requests per second, 0 for no limit"`
	Timeout           time.Duration `long:"timeout" description:"Timeout for the delivery of a single notification"`
	BufferSize        int           `long:"buffersize" description:"Number of notifications buffered in memory before overflowing to the queue"`
}

// Validate checks the notification options.
func (n *Notify) Validate() error {
	if n.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be positive")
	}
	if n.RequestsPerSecond < 0 {
		return fmt.Errorf("notify.requestspersecond must not be " +
			"negative")
	}

	return nil
}

// Prometheus holds the metrics exporter options.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Serve Prometheus metrics"`
	Listen string `long:"listen" description:"The host:port the metrics exporter listens on"`
}

// Validate checks the exporter options if it is enabled.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus.listen: %w", err)
	}

	return nil
}
