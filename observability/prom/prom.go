// Package prom exports the coordinator observers as Prometheus metrics.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doorfleet/doorfleet/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// HubObserver exports registry and broadcast metrics to Prometheus.
type HubObserver struct {
	observerGauge   prometheus.Gauge
	controllerGauge prometheus.Gauge
	broadcastTotal  *prometheus.CounterVec
	disconnectTotal *prometheus.CounterVec
	pongLatency     prometheus.Histogram
}

// NewHubObserver registers hub metrics on the registry.
func NewHubObserver(reg *prometheus.Registry) *HubObserver {
	o := &HubObserver{
		observerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorfleet_hub_observers",
			Help: "Current dashboard observer connection count.",
		}),
		controllerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorfleet_hub_controllers",
			Help: "Current door controller connection count.",
		}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorfleet_hub_broadcast_total",
			Help: "Broadcast messages by type.",
		}, []string{"type"}),
		disconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorfleet_hub_disconnect_total",
			Help: "Connection teardowns by role and reason.",
		}, []string{"role", "reason"}),
		pongLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "doorfleet_hub_pong_latency_seconds",
			Help:    "Latency from heartbeat ping to peer liveness signal.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.observerGauge,
		o.controllerGauge,
		o.broadcastTotal,
		o.disconnectTotal,
		o.pongLatency,
	)
	return o
}

func (o *HubObserver) ObserverCount(n int) {
	o.observerGauge.Set(float64(n))
}

func (o *HubObserver) ControllerCount(n int) {
	o.controllerGauge.Set(float64(n))
}

func (o *HubObserver) Broadcast(messageType string, fanout int) {
	o.broadcastTotal.WithLabelValues(messageType).Add(float64(fanout))
}

func (o *HubObserver) Disconnect(role string, reason observability.DisconnectReason) {
	o.disconnectTotal.WithLabelValues(role, string(reason)).Inc()
}

func (o *HubObserver) HeartbeatLatency(d time.Duration) {
	o.pongLatency.Observe(d.Seconds())
}

// AccessObserver exports authorization and dispatch metrics to Prometheus.
type AccessObserver struct {
	attemptTotal  *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	auditLogSize  prometheus.Gauge
}

// NewAccessObserver registers access metrics on the registry.
func NewAccessObserver(reg *prometheus.Registry) *AccessObserver {
	o := &AccessObserver{
		attemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorfleet_access_attempts_total",
			Help: "Access attempts by outcome and deny reason.",
		}, []string{"outcome", "reason"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorfleet_dispatch_total",
			Help: "Command dispatch results.",
		}, []string{"result"}),
		auditLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorfleet_audit_log_entries",
			Help: "Retained audit log entry count.",
		}),
	}
	reg.MustRegister(o.attemptTotal, o.dispatchTotal, o.auditLogSize)
	return o
}

func (o *AccessObserver) Attempt(outcome observability.AttemptOutcome, reason observability.DenyReason) {
	o.attemptTotal.WithLabelValues(string(outcome), string(reason)).Inc()
}

func (o *AccessObserver) Dispatch(result observability.DispatchResult) {
	o.dispatchTotal.WithLabelValues(string(result)).Inc()
}

func (o *AccessObserver) AuditLogSize(n int) {
	o.auditLogSize.Set(float64(n))
}
