package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrangle_engine_build_info",
			Help: "Build information of the wrangle engine",
		},
		[]string{"version"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangle_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrangle_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TransformationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangle_engine_transformations_total",
			Help: "Total number of applied transformations",
		},
		[]string{"type", "mode", "status"},
	)

	TransformationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrangle_engine_transformation_duration_seconds",
			Help:    "Duration of single transformations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"type"},
	)

	BackupsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangle_engine_backups_created_total",
			Help: "Total number of table backups created",
		},
		[]string{"reason"},
	)

	BackupsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wrangle_engine_backups_evicted_total",
			Help: "Total number of backups evicted to keep the generation limit",
		},
	)

	UndoTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangle_engine_undo_total",
			Help: "Total number of undo requests by outcome",
		},
		[]string{"status", "restore_point"},
	)

	ReplayedStepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wrangle_engine_replayed_steps_total",
			Help: "Total number of transformations replayed while undoing",
		},
	)

	UploadedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrangle_engine_uploaded_rows_total",
			Help: "Total number of rows ingested by uploads",
		},
		[]string{"format"},
	)
)

// Backup creation reasons.
const (
	BackupReasonCreation  = "creation"
	BackupReasonThreshold = "threshold"
)

// ObserveTransformation records one executor call.
func ObserveTransformation(transformationType, mode string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	TransformationsTotal.WithLabelValues(transformationType, mode, status).Inc()
	TransformationDuration.WithLabelValues(transformationType).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
