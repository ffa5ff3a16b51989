package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves a Metrics registry over HTTP at /metrics.
type Exporter struct {
	started sync.Once
	stopped sync.Once

	listen string
	server *http.Server
	lis    net.Listener

	wg sync.WaitGroup
}

// NewExporter creates an exporter for m listening on listen.
func NewExporter(m *Metrics, listen string) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.Registry(), promhttp.HandlerOpts{},
	))

	return &Exporter{
		listen: listen,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (e *Exporter) Start() error {
	var err error
	e.started.Do(func() {
		var lis net.Listener
		lis, err = net.Listen("tcp", e.listen)
		if err != nil {
			return
		}
		e.lis = lis

		log.Infof("Prometheus exporter started on %v/metrics",
			lis.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v",
					err)
			}
		}()
	})

	return err
}

// Addr returns the bound address, or nil before Start.
func (e *Exporter) Addr() net.Addr {
	if e.lis == nil {
		return nil
	}

	return e.lis.Addr()
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	var err error
	e.stopped.Do(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		err = e.server.Shutdown(ctx)
		e.wg.Wait()
	})

	return err
}
