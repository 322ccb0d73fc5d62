package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devisr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"device"},
	)
	workerSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of failed worker spawns.",
		}, []string{"device"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of supervisor-initiated stops, by whether a force kill was needed.",
		}, []string{"device", "forced"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of unrequested worker exits, by how they were detected.",
		}, []string{"device", "reason"},
	)
	workerAdoptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "adoptions_total",
			Help:      "Number of live workers adopted at startup.",
		},
	)
	runningWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "Current number of tracked workers.",
		},
	)
	bridgeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connections",
			Help:      "Current number of open event bridge connections.",
		},
	)
	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Number of worker events mirrored by the bridge.",
		}, []string{"device"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Number of webhook deliveries by result (ok, failed, skipped).",
		}, []string{"result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		workerStarts, workerSpawnFailures, workerStops, workerExits, workerAdoptions, runningWorkers,
		bridgeConnections, bridgeMessages, webhookDeliveries, workerRSS, workerCPU,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves metrics from g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(device string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(device).Inc()
	}
}

func IncSpawnFailure(device string) {
	if regOK.Load() {
		workerSpawnFailures.WithLabelValues(device).Inc()
	}
}

func IncStop(device string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		workerStops.WithLabelValues(device, f).Inc()
	}
}

// IncExit counts an exit nobody asked for. reason is "exit" or "health".
func IncExit(device, reason string) {
	if regOK.Load() {
		workerExits.WithLabelValues(device, reason).Inc()
	}
}

func IncAdoption() {
	if regOK.Load() {
		workerAdoptions.Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningWorkers.Set(float64(n))
	}
}

func AddBridgeConnections(delta int) {
	if regOK.Load() {
		bridgeConnections.Add(float64(delta))
	}
}

func IncBridgeMessage(device string) {
	if regOK.Load() {
		bridgeMessages.WithLabelValues(device).Inc()
	}
}

func IncWebhook(result string) {
	if regOK.Load() {
		webhookDeliveries.WithLabelValues(result).Inc()
	}
}
