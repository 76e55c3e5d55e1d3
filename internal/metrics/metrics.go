package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "meterlink_"

	ResultSuccess = "success"
	ResultError   = "error"
)

// States lists every acquisition state exported by the state gauge.
var States = []string{"idle", "connecting", "polling", "degraded", "disconnected"}

var (
	registerOnce sync.Once

	pollTotal   *prometheus.CounterVec
	pollLatency *prometheus.HistogramVec

	engineState   *prometheus.GaugeVec
	historyLength prometheus.Gauge

	reconnectTotal *prometheus.CounterVec
)

// Init registers acquisition metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		pollTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "polls_total",
				Help: "Total polls by source mode and result",
			},
			[]string{"mode", "result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Poll latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode", "result"},
		)
		engineState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "state",
				Help: "Acquisition state, 1 for the current state",
			},
			[]string{"state"},
		)
		historyLength = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "history_length",
				Help: "Readings held in the history buffer",
			},
		)
		reconnectTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnects_total",
				Help: "Total reconnect attempts by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			pollTotal,
			pollLatency,
			engineState,
			historyLength,
			reconnectTotal,
		)
	})
}

// ObservePoll records one poll. result is a failure kind or ResultSuccess.
func ObservePoll(mode, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if pollTotal != nil {
		pollTotal.WithLabelValues(mode, result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(mode, result).Observe(duration.Seconds())
	}
}

// SetState marks state as current.
func SetState(state string) {
	if engineState == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		engineState.WithLabelValues(s).Set(v)
	}
}

// SetHistoryLength exports the buffer length.
func SetHistoryLength(n int) {
	if historyLength != nil {
		historyLength.Set(float64(n))
	}
}

// IncReconnect counts a reconnect attempt.
func IncReconnect(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if reconnectTotal != nil {
		reconnectTotal.WithLabelValues(result).Inc()
	}
}
