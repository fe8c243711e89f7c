package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["otp_requests_admitted"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "otp_requests_admitted_total",
            Help: "Total number of OTP requests admitted past the fraud engine",
        },
        []string{"shadow_banned"},
    )

    pm.counters["otp_delivery_outcomes"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "otp_delivery_outcomes_total",
            Help: "Delivery status transitions by channel",
        },
        []string{"channel", "status"},
    )

    pm.counters["fraud_decisions"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "fraud_decisions_total",
            Help: "Fraud engine decisions by outcome",
        },
        []string{"outcome"},
    )

    pm.counters["breaker_state_changes"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "circuit_breaker_state_changes_total",
            Help: "Circuit breaker transitions by target state",
        },
        []string{"state"},
    )

    pm.counters["webhook_attempts"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "webhook_attempts_total",
            Help: "Webhook delivery attempts by outcome",
        },
        []string{"outcome"},
    )

    pm.counters["rate_learning_cycles"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "rate_learning_cycles_total",
            Help: "Completed rate-learning cycles",
        },
        []string{},
    )

    // Histograms
    pm.histograms["dispatch_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "dispatch_duration_seconds",
            Help:    "Time from admission to first delivery outcome",
            Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
        },
        []string{"channel"},
    )

    pm.histograms["fraud_evaluation_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "fraud_evaluation_duration_seconds",
            Help:    "Fraud engine pipeline duration",
            Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
        },
        []string{},
    )

    pm.histograms["webhook_delivery_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "webhook_delivery_duration_seconds",
            Help:    "Webhook POST round-trip time",
            Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
        },
        []string{"status"},
    )

    // Gauges
    pm.gauges["otp_requests_in_flight"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "otp_requests_in_flight",
            Help: "OTP requests not yet in a terminal delivery status",
        },
        []string{},
    )

    pm.gauges["bus_dropped_events"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "bus_dropped_events_total",
            Help: "Events dropped by best-effort bus subscribers on overflow",
        },
        []string{},
    )

    pm.gauges["carrier_rate_confidence"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "carrier_rate_confidence",
            Help: "Learned carrier rate confidence score per channel",
        },
        []string{"channel"},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, nil)
}
