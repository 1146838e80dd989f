// Package metrics serves the Prometheus metrics of a harvest run.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, scheduler, progress, ledger) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Server exposes Handler on an address for the lifetime of a run.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
	logger zerolog.Logger
}

// Start listens on addr and serves in the background.
func Start(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		srv:    &http.Server{Handler: Handler(), ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		done:   make(chan struct{}),
		logger: log.With().Str("component", "metrics").Logger(),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	s.logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvester_requests_total{endpoint, status} (Counter): Portal requests by endpoint and HTTP status
//   - harvester_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - harvester_request_errors_total{class} (Counter): Errors by class
//   - harvester_logins_total{result} (Counter): Session logins
//   - harvester_request_retries_total{error_class} (Counter): In-request retries
//   - harvester_request_retry_backoff_seconds{error_class} (Histogram): In-request backoff
//   - harvester_request_retry_exhausted_total{error_class} (Counter): Requests handed back to the scheduler
//
// Throttle Metrics (pkg/ratelimit):
//   - harvester_throttle_cooldowns_total (Counter): Cool-downs entered after 429/503
//   - harvester_throttle_waits_total (Counter): Requests held back by a cool-down
//   - harvester_throttle_wait_seconds_total (Counter): Time spent waiting
//   - harvester_cooldown_remaining_seconds (Gauge): Length of the last cool-down
//
// Cache Metrics (pkg/cache):
//   - harvester_cache_hits_total, harvester_cache_misses_total (Counter)
//   - harvester_cache_stored_bytes_total (Counter), harvester_cache_not_modified_total (Counter)
//   - harvester_cache_errors_total{operation} (Counter)
//
// Run Metrics (pkg/scheduler, pkg/progress, pkg/ledger):
//   - harvester_blocks_total{result} (Counter): Settled, fatal, exhausted and interrupted blocks
//   - harvester_block_attempts (Histogram): Dispatches per settled block
//   - harvester_block_backoff_seconds (Histogram): Wait before a re-dispatch
//   - harvester_workers_total{result} (Counter): Partitioned worker exits
//   - harvester_progress_done, harvester_progress_total, harvester_progress_rate (Gauge)
//   - harvester_snapshots_total{result} (Counter), harvester_snapshot_size_bytes{backend} (Gauge)
//
// Example Prometheus Queries:
//
//   # Share of the space committed
//   harvester_progress_done / harvester_progress_total
//
//   # Cache Hit Rate
//   sum(rate(harvester_cache_hits_total[5m])) /
//   (sum(rate(harvester_cache_hits_total[5m])) + sum(rate(harvester_cache_misses_total[5m])))
//
//   # Throttling
//   rate(harvester_throttle_cooldowns_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
