package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "server",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
})

var broadcastCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "server",
	Name:      "status_broadcasts_total",
	Help:      "Total number of status updates fanned out to live connections.",
})

var sessionCounter = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "server",
	Name:      "sessions_created_total",
	Help:      "Total number of charging session records created.",
})

var storeErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "server",
	Name:      "store_errors_total",
	Help:      "Total number of failed store operations.",
}, []string{"operation"})

func observeConnections(count int) {
	connectionsGauge.Set(float64(count))
}

func observeBroadcast() {
	broadcastCounter.Inc()
}

func observeSession() {
	sessionCounter.Inc()
}

func observeStoreError(operation string) {
	if len(operation) == 0 {
		return
	}
	storeErrorCounter.With(prometheus.Labels{"operation": operation}).Inc()
}
