package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the collectors.
const (
	OutcomeApplied     = "applied"
	OutcomeNoop        = "noop"
	OutcomeUnsupported = "unsupported"
	OutcomeDenied      = "denied"
	OutcomeFailed      = "failed"

	OutcomeAvailable = "available"
	OutcomeNoUpdate  = "no_update"
	OutcomeSkipped   = "skipped"

	OutcomeVerified = "verified"
	OutcomeRejected = "rejected"
)

// Collector Prometheus 指标收集器
type Collector struct {
	registry *prometheus.Registry

	featureApplyTotal  *prometheus.CounterVec
	featuresActive     prometheus.Gauge
	verificationsTotal *prometheus.CounterVec
	updateChecksTotal  *prometheus.CounterVec
	downloadBytesTotal prometheus.Counter
	installsTotal      *prometheus.CounterVec
	kioskSavesTotal    prometheus.Counter
	kioskItems         prometheus.Gauge
	bootTasksTotal     *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers all collectors on a private registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "devicelock"
	}
	reg := prometheus.NewRegistry()
	// 运行时与进程指标（内存、goroutine、GC）
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		featureApplyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_apply_total",
				Help:      "Protection feature apply calls by outcome",
			},
			[]string{"feature", "outcome"},
		),
		featuresActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "features_active",
				Help:      "Number of protection features active at the last status read",
			},
		),
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apk_verifications_total",
				Help:      "APK signature verifications by outcome",
			},
			[]string{"outcome"},
		),
		updateChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_checks_total",
				Help:      "Self-update checks by outcome",
			},
			[]string{"outcome"},
		),
		downloadBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_download_bytes_total",
				Help:      "Bytes of update APK downloaded",
			},
		),
		installsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_sessions_total",
				Help:      "Installer session results by status",
			},
			[]string{"status"},
		),
		kioskSavesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kiosk_layout_saves_total",
				Help:      "Kiosk layout persist operations",
			},
		),
		kioskItems: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kiosk_layout_items",
				Help:      "Top-level items in the kiosk layout at the last save",
			},
		),
		bootTasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boot_tasks_total",
				Help:      "Boot task runs by task and outcome",
			},
			[]string{"task", "outcome"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Status API requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Status API request latency",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method", "path"},
		),
	}
}

// Nil-safe recorders: components accept a nil *Collector.

func (c *Collector) RecordFeatureApply(feature, outcome string) {
	if c == nil {
		return
	}
	c.featureApplyTotal.WithLabelValues(feature, outcome).Inc()
}

func (c *Collector) SetFeaturesActive(n int) {
	if c == nil {
		return
	}
	c.featuresActive.Set(float64(n))
}

func (c *Collector) RecordVerification(outcome string) {
	if c == nil {
		return
	}
	c.verificationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordUpdateCheck(outcome string) {
	if c == nil {
		return
	}
	c.updateChecksTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) AddDownloadBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.downloadBytesTotal.Add(float64(n))
}

func (c *Collector) RecordInstall(status string) {
	if c == nil {
		return
	}
	c.installsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordKioskSave(items int) {
	if c == nil {
		return
	}
	c.kioskSavesTotal.Inc()
	c.kioskItems.Set(float64(items))
}

func (c *Collector) RecordBootTask(task, outcome string) {
	if c == nil {
		return
	}
	c.bootTasksTotal.WithLabelValues(task, outcome).Inc()
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler 暴露 /metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
