package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cms_tokens_issued_total",
		Help: "Bearer tokens issued.",
	})
	TokenVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_token_verifications_total",
		Help: "Token verifications by outcome.",
	}, []string{"outcome"})
	TokensRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cms_tokens_revoked_total",
		Help: "Revocation requests accepted.",
	})
	RevocationsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cms_revocations_purged_total",
		Help: "Expired revocation entries removed.",
	})
	IndexReconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_index_reconciliations_total",
		Help: "Index reconciliation runs by result (clean, repaired, error).",
	}, []string{"result"})
	ContentCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_content_cache_total",
		Help: "Post cache lookups by result.",
	}, []string{"result"})
	AuditAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_audit_appends_total",
		Help: "Audit appends by result (ok, conflict, error).",
	}, []string{"result"})
	AuditShardCleanups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_audit_shard_cleanups_total",
		Help: "Audit shard cleanups by result.",
	}, []string{"result"})
	BackupRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_backup_runs_total",
		Help: "Backup runs by final status.",
	}, []string{"status"})
	BackupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cms_backup_duration_seconds",
		Help:    "Wall time of a backup run.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
	AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_alerts_raised_total",
		Help: "Operator alerts by kind.",
	}, []string{"kind"})
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cms_job_runs_total",
		Help: "Background job runs by job and result.",
	}, []string{"job", "result"})
)

var initOnce sync.Once

// Init registers every collector in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration)
		prometheus.MustRegister(
			TokensIssued, TokenVerifications, TokensRevoked, RevocationsPurged,
			IndexReconciliations, ContentCache,
			AuditAppends, AuditShardCleanups,
			BackupRuns, BackupDuration, AlertsRaised, JobRuns,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// parameterised route prefixes; the segment after the prefix is collapsed.
var pathParams = []struct {
	prefix string
	param  string
	tails  []string
}{
	{prefix: "/api/blog/post/", param: ":slug"},
	{prefix: "/api/blog/preview/", param: ":slug"},
	{prefix: "/api/admin/posts/", param: ":slug", tails: []string{"preview"}},
	{prefix: "/api/admin/users/", param: ":id", tails: []string{"role"}},
	{prefix: "/api/admin/audit/logs/", param: ":user_id"},
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for _, rule := range pathParams {
		if !strings.HasPrefix(p, rule.prefix) {
			continue
		}
		rest := strings.Split(strings.TrimPrefix(p, rule.prefix), "/")
		if rest[0] == "" {
			return p
		}
		switch len(rest) {
		case 1:
			return rule.prefix + rule.param
		case 2:
			for _, tail := range rule.tails {
				if rest[1] == tail {
					return rule.prefix + rule.param + "/" + tail
				}
			}
		}
		return p
	}
	return p
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
