// Package metrics registers the Prometheus collectors of the sync daemon.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Namespace prefixes every metric name.
const Namespace = "chatsync"

func newCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func newGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

var (
	SyncPasses = newCounter("passes_total", "sync",
		"Sync passes by entity kind, mode and outcome", []string{"kind", "mode", "outcome"})
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Duration of sync passes",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"kind", "mode"})
	Tombstones = newGauge("tombstones", "sync",
		"Unconfirmed local deletes by entity kind", []string{"kind"})
	StuckTombstones = newGauge("stuck_tombstones", "sync",
		"Tombstones that outlived the corroboration bound", []string{"kind"})
	Deletes = newCounter("deletes_total", "sync",
		"Entity deletes by kind and remote outcome", []string{"kind", "outcome"})

	Links = newCounter("links_total", "message",
		"Acknowledgement links by path and outcome", []string{"path", "outcome"})
	StatusUpdates = newCounter("status_updates_total", "message",
		"Delivery status updates by outcome", []string{"outcome"})

	ConnTransitions = newCounter("transitions_total", "connection",
		"Connection state transitions by target state", []string{"to"})
	ReconnectAttempts = newGauge("reconnect_attempts", "connection",
		"Current reconnect attempt count", nil)

	OutboxSends = newCounter("sends_total", "outbox",
		"Outgoing message sends by outcome", []string{"outcome"})
)

// Server exposes /metrics over HTTP.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer returns a metrics server bound to addr. It does not listen until Start.
func NewServer(addr string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
