package progress

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for run progress.
var (
	progressDone = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_progress_done",
		Help: "Number of committed addresses in the current run",
	})

	progressTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_progress_total",
		Help: "Number of addresses in the current run",
	})

	progressRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_progress_rate",
		Help: "Committed addresses per second in the current run",
	})
)

// ReporterConfig holds reporter options.
type ReporterConfig struct {
	// Interval between reports. Defaults to 5s.
	Interval time.Duration

	// Bar, if set, receives the rendered progress bar, redrawn in place.
	Bar io.Writer
}

// Reporter periodically logs a tracker's progress and exports it as metrics.
type Reporter struct {
	tracker *Tracker
	config  ReporterConfig
	logger  zerolog.Logger
	lastLen int
}

// NewReporter creates a reporter for tracker.
func NewReporter(tracker *Tracker, config ReporterConfig, logger zerolog.Logger) *Reporter {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	return &Reporter{tracker: tracker, config: config, logger: logger}
}

// Run reports until ctx is cancelled or the tracker finishes, then reports once more.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report(true)
			return
		case <-ticker.C:
			if r.tracker.Finished() {
				r.report(true)
				return
			}
			r.report(false)
		}
	}
}

func (r *Reporter) report(final bool) {
	st := r.tracker.Snapshot()
	rate := r.tracker.Rate()

	progressDone.Set(float64(st.Done))
	progressTotal.Set(float64(st.Total))
	progressRate.Set(rate)

	event := r.logger.Info()
	msg := "Fetch progress"
	if final {
		msg = "Fetch progress (final)"
	}
	event.
		Int64("done", st.Done).
		Int64("total", st.Total).
		Float64("progress_pct", r.tracker.Ratio()*100).
		Float64("rate", rate).
		Str("eta", r.tracker.ETA()).
		Dur("elapsed", st.Elapsed).
		Msg(msg)

	if r.config.Bar != nil {
		line := r.tracker.String()
		pad := ""
		if n := r.lastLen - len(line); n > 0 {
			pad = fmt.Sprintf("%*s", n, "")
		}
		end := "\r"
		if final {
			end = "\n"
		}
		fmt.Fprint(r.config.Bar, line+pad+end)
		r.lastLen = len(line)
	}
}
