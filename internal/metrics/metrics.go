// Package metrics holds the Prometheus collectors of the monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerwatch",
			Name:      "events_forwarded_total",
			Help:      "Broker events written to the output and acknowledged",
		},
		[]string{"broker"},
	)

	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerwatch",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		},
		[]string{"broker", "result"},
	)

	noticesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerwatch",
			Name:      "notices_total",
			Help:      "Connectivity notices emitted",
		},
		[]string{"broker", "kind"},
	)

	brokerConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "brokerwatch",
			Name:      "broker_connected",
			Help:      "1 while the broker connection is established",
		},
		[]string{"broker"},
	)

	adminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brokerwatch",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(eventsForwardedTotal, connectAttemptsTotal, noticesTotal, brokerConnected, adminRequestsTotal)
}

// EventForwarded counts one event delivered to the output.
func EventForwarded(broker string) {
	eventsForwardedTotal.WithLabelValues(broker).Inc()
}

// ConnectAttempt counts one connection attempt.
func ConnectAttempt(broker string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	connectAttemptsTotal.WithLabelValues(broker, result).Inc()
}

// Notice counts one connectivity notice and tracks the connected gauge.
func Notice(broker, kind string, connected bool) {
	noticesTotal.WithLabelValues(broker, kind).Inc()
	SetConnected(broker, connected)
}

// SetConnected sets the connected gauge for broker.
func SetConnected(broker string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	brokerConnected.WithLabelValues(broker).Set(v)
}

// AdminRequest counts one admin HTTP request.
func AdminRequest(path, method, status string) {
	adminRequestsTotal.WithLabelValues(path, method, status).Inc()
}
