// Package metrics exposes Prometheus instrumentation for the acquisition and
// alarm engine. All recorders are no-ops until Init is called.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "batchhmi_"

	resultOK       = "ok"
	resultDegraded = "degraded"
	resultOverrun  = "overrun"
)

var (
	registerOnce sync.Once

	cycleTotal    *prometheus.CounterVec
	cycleLatency  *prometheus.HistogramVec
	readErrors    *prometheus.CounterVec
	blockDegraded *prometheus.CounterVec

	alarmTransitions *prometheus.CounterVec
	activeAlarms     prometheus.Gauge
	thresholdActive  *prometheus.GaugeVec

	persistFailures prometheus.Counter
	publishErrors   *prometheus.CounterVec
	providerMode    *prometheus.GaugeVec
)

// Init registers the metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycles_total",
				Help: "Poll cycles by loop and result",
			},
			[]string{"loop", "result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_duration_seconds",
				Help:    "Poll cycle duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"loop"},
		)
		readErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "tag_read_errors_total",
				Help: "Tag read errors by error kind",
			},
			[]string{"kind"},
		)
		blockDegraded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "block_chunks_degraded_total",
				Help: "Chunks of block reads that could not be read",
			},
			[]string{"tag"},
		)
		alarmTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_transitions_total",
				Help: "Alarm and threshold transitions by type",
			},
			[]string{"event"},
		)
		activeAlarms = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_alarms",
				Help: "Number of active alarms",
			},
		)
		thresholdActive = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "threshold_active",
				Help: "1 while a threshold watch is latched",
			},
			[]string{"watch"},
		)
		persistFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_persist_failures_total",
				Help: "Alarm events that could not be written to history",
			},
		)
		publishErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_errors_total",
				Help: "Publish failures by sink",
			},
			[]string{"sink"},
		)
		providerMode = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "provider_mode",
				Help: "1 for the active provider mode",
			},
			[]string{"mode"},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			readErrors,
			blockDegraded,
			alarmTransitions,
			activeAlarms,
			thresholdActive,
			persistFailures,
			publishErrors,
			providerMode,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records one poll cycle of loop.
func ObserveCycle(loop string, d time.Duration, degraded bool) {
	result := resultOK
	if degraded {
		result = resultDegraded
	}
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(loop, result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(loop).Observe(d.Seconds())
	}
}

// IncOverrun counts a cycle that outlasted its period.
func IncOverrun(loop string) {
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(loop, resultOverrun).Inc()
	}
}

// IncReadError counts a failed tag read.
func IncReadError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if readErrors != nil {
		readErrors.WithLabelValues(kind).Inc()
	}
}

// AddDegradedChunks counts unread chunks of a block tag.
func AddDegradedChunks(tagName string, n int) {
	if n <= 0 {
		return
	}
	if blockDegraded != nil {
		blockDegraded.WithLabelValues(tagName).Add(float64(n))
	}
}

// IncAlarmTransition counts an alarm or threshold transition.
func IncAlarmTransition(event string) {
	if alarmTransitions != nil {
		alarmTransitions.WithLabelValues(event).Inc()
	}
}

// SetActiveAlarms sets the active alarm gauge.
func SetActiveAlarms(n int) {
	if activeAlarms != nil {
		activeAlarms.Set(float64(n))
	}
}

// SetThresholdActive sets the latch gauge of a watch.
func SetThresholdActive(watch string, active bool) {
	if thresholdActive == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	thresholdActive.WithLabelValues(watch).Set(v)
}

// IncPersistFailure counts a failed history insert.
func IncPersistFailure() {
	if persistFailures != nil {
		persistFailures.Inc()
	}
}

// IncPublishError counts a failed publish to sink.
func IncPublishError(sink string) {
	if publishErrors != nil {
		publishErrors.WithLabelValues(sink).Inc()
	}
}

// SetProviderMode marks mode as the active provider.
func SetProviderMode(mode string, all ...string) {
	if providerMode == nil {
		return
	}
	for _, m := range all {
		providerMode.WithLabelValues(m).Set(0)
	}
	providerMode.WithLabelValues(mode).Set(1)
}
