// Package metrics exposes the controller's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Setup steps reported by IncSetupFailure.
const (
	StepPower   = "power"
	StepStack   = "stack"
	StepBridge  = "bridge"
	StepDevice  = "device"
	StepCommand = "command_mode"
	StepSignal  = "signal_quality"
	StepData    = "data_mode"
)

var (
	namespace = "cellmodem"

	connectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 stopped, 1 connecting, 2 connect notify, 3 connected, 4 disconnected)",
		},
	)

	signalRSSI = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_rssi",
			Help:      "Received signal strength indicator reported by +CSQ (0-31, 99 unknown)",
		},
	)

	signalBER = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_ber",
			Help:      "Bit error rate class reported by +CSQ (0-7, 99 unknown)",
		},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Connection state transitions performed by the polling step",
		},
		[]string{"to"},
	)

	setupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Setup failures by step",
		},
		[]string{"step"},
	)

	linkEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_events_total",
			Help:      "Network stack events received by the event bridge",
		},
		[]string{"base"},
	)
)

// SetConnectionState records the numeric connection state.
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

// ObserveSignalQuality records the last +CSQ reading.
func ObserveSignalQuality(rssi, ber int) {
	signalRSSI.Set(float64(rssi))
	signalBER.Set(float64(ber))
}

// IncTransition counts a transition into the named state.
func IncTransition(to string) {
	transitions.WithLabelValues(to).Inc()
}

// IncSetupFailure counts a setup failure at step.
func IncSetupFailure(step string) {
	setupFailures.WithLabelValues(step).Inc()
}

// IncLinkEvent counts an event of the named base.
func IncLinkEvent(base string) {
	linkEvents.WithLabelValues(base).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
