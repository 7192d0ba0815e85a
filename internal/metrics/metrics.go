// Package metrics holds the Prometheus collectors of a peerdoc node.
//
// Collectors are registered on an injected registry; nothing is global. All
// recording methods accept a nil receiver so components can run without
// instrumentation.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of node collectors.
type Metrics struct {
	appended *prometheus.CounterVec
	merged   *prometheus.CounterVec
	rejected *prometheus.CounterVec
	pending  *prometheus.GaugeVec
	syncs    *prometheus.CounterVec
	fetched  prometheus.Counter
	messages *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	peers    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerdoc_entries_appended_total",
			Help: "Entries authored locally, by log.",
		}, []string{"log"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerdoc_entries_merged_total",
			Help: "Remote entries accepted by merge, by log.",
		}, []string{"log"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerdoc_entries_rejected_total",
			Help: "Entries refused by validation, by log and error code.",
		}, []string{"log", "code"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerdoc_entries_pending",
			Help: "Entries queued for missing ancestors, by log.",
		}, []string{"log"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerdoc_sync_rounds_total",
			Help: "Sync rounds with a peer, by result.",
		}, []string{"result"}),
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerdoc_blocks_fetched_total",
			Help: "Blocks received from peers.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerdoc_gossip_messages_total",
			Help: "Gossip messages by direction and type.",
		}, []string{"direction", "type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerdoc_gossip_messages_dropped_total",
			Help: "Inbound gossip messages discarded, by reason.",
		}, []string{"reason"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerdoc_peers_connected",
			Help: "Currently connected peers.",
		}),
	}
	reg.MustRegister(m.appended, m.merged, m.rejected, m.pending, m.syncs, m.fetched, m.messages, m.dropped, m.peers)
	return m
}

func (m *Metrics) Appended(logID string) {
	if m == nil {
		return
	}
	m.appended.WithLabelValues(logID).Inc()
}

func (m *Metrics) Merged(logID string, accepted int) {
	if m == nil || accepted == 0 {
		return
	}
	m.merged.WithLabelValues(logID).Add(float64(accepted))
}

func (m *Metrics) Rejected(logID, code string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(logID, code).Inc()
}

func (m *Metrics) Pending(logID string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(logID).Set(float64(n))
}

// SyncRound records the outcome of one sync round: "ok", "incomplete" or
// "error".
func (m *Metrics) SyncRound(result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
}

func (m *Metrics) BlocksFetched(n int) {
	if m == nil || n == 0 {
		return
	}
	m.fetched.Add(float64(n))
}

// Message counts a gossip message; direction is "in" or "out".
func (m *Metrics) Message(direction, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.messages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Peers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// Handler serves the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
