package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doyen_ingest_runs_total",
		Help: "Total pacing loop runs started",
	})
	IngestErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doyen_ingest_errors_total",
		Help: "Total pacing loop runs that ended in error",
	})
	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "doyen_ingest_iteration_duration_seconds",
		Help:    "Duration of one fetch+hydrate iteration",
		Buckets: prometheus.DefBuckets,
	})
	PagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doyen_follower_pages_total",
		Help: "Follower id pages fetched",
	})
	FollowersAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doyen_followers_added_total",
		Help: "New follower ids stored",
	})
	FollowersHydrated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doyen_followers_hydrated_total",
		Help: "Follower profiles merged from lookups",
	})
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doyen_dms_sent_total",
		Help: "Direct messages sent, by mode",
	}, []string{"mode"})
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "doyen_dm_send_failures_total",
		Help: "Send batches halted by a failed message",
	})
	QuotaRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doyen_dm_quota_remaining",
		Help: "Direct messages left in the current period",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doyen_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doyen_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doyen_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(
		IngestRuns, IngestErrors, IngestDuration,
		PagesFetched, FollowersAdded, FollowersHydrated,
		MessagesSent, SendFailures, QuotaRemaining,
		APIRetries, CommandRuns, CommandErrors,
	)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

// ObserveIngestDuration records an iteration duration
func ObserveIngestDuration(start time.Time) {
	IngestDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
