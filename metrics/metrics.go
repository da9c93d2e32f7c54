// Package metrics provides Prometheus collectors for call and media stream
// activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dialstream"

var (
	// framesTotal counts media frames by direction and outcome.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of media frames by direction and outcome",
		},
		[]string{"direction", "status"}, // direction: sent, received; status: ok, dropped, error
	)

	// playbackQueueDepth is the number of frames waiting to be rendered.
	playbackQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Number of frames queued for playback",
		},
		[]string{"track"},
	)

	// playbackDroppedTotal counts frames evicted from a full playback queue.
	playbackDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_dropped_total",
			Help:      "Total number of frames dropped from a full playback queue",
		},
		[]string{"track"},
	)

	// callStateTransitions counts session state transitions.
	callStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_state_transitions_total",
			Help:      "Total number of call session state transitions",
		},
		[]string{"state"},
	)

	// callsActive is 1 while a call is between dial and hangup.
	callsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently in progress",
		},
	)

	// providerRequestDuration observes call-control API latency.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of call-control API requests in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"action", "status"}, // status: success, error
	)

	allMetrics = []prometheus.Collector{
		framesTotal,
		playbackQueueDepth,
		playbackDroppedTotal,
		callStateTransitions,
		callsActive,
		providerRequestDuration,
	}
)

// Frame directions and outcomes
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	StatusOK      = "ok"
	StatusDropped = "dropped"
	StatusError   = "error"
)

// NewRegistry returns a registry with all collectors plus the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// RecordFrame counts one media frame.
func RecordFrame(direction, status string) {
	framesTotal.WithLabelValues(direction, status).Inc()
}

// SetPlaybackQueueDepth reports the playback queue length for a track.
func SetPlaybackQueueDepth(track string, depth int) {
	playbackQueueDepth.WithLabelValues(track).Set(float64(depth))
}

// RecordPlaybackDrop counts a frame evicted from the playback queue.
func RecordPlaybackDrop(track string) {
	playbackDroppedTotal.WithLabelValues(track).Inc()
}

// RecordStateTransition counts a session entering state.
func RecordStateTransition(state string) {
	callStateTransitions.WithLabelValues(state).Inc()
}

// RecordCallStart marks a call as active.
func RecordCallStart() {
	callsActive.Inc()
}

// RecordCallEnd marks a call as finished.
func RecordCallEnd() {
	callsActive.Dec()
}

// RecordProviderRequest observes one call-control API request.
func RecordProviderRequest(action, status string, seconds float64) {
	providerRequestDuration.WithLabelValues(action, status).Observe(seconds)
}
