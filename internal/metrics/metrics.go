package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	placeCallBucketStart  = 0.05
	placeCallBucketFactor = 2.0
	placeCallBucketCount  = 10
)

var CallsTriggered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "otp_calls_triggered_total",
		Help: "Outbound OTP calls requested, by result",
	},
	[]string{"result"},
)

var ProviderPlaceCallDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "otp_provider_place_call_seconds",
		Help: "Time taken by the telephony provider to accept an outbound call",
		Buckets: prometheus.ExponentialBuckets(
			placeCallBucketStart,
			placeCallBucketFactor,
			placeCallBucketCount,
		),
	},
)

var ProviderEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "otp_provider_events_total",
		Help: "Call status events received from the telephony provider",
	},
	[]string{"status"},
)

var DTMFSubmissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "otp_dtmf_submissions_total",
		Help: "Keypad submissions, by verification result",
	},
	[]string{"result"},
)

var BroadcastSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "otp_broadcast_subscribers",
		Help: "Live event subscribers on this instance",
	},
)

var BroadcastDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "otp_broadcast_dropped_total",
		Help: "Subscribers dropped because their queue was full",
	},
)

var RelayPublishFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "otp_relay_publish_failures_total",
		Help: "Events that could not be relayed through Redis",
	},
)

var TranscriptFragments = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "otp_transcript_fragments_total",
		Help: "Final transcript fragments recorded",
	},
)

func init() {
	prometheus.MustRegister(CallsTriggered)
	prometheus.MustRegister(ProviderPlaceCallDuration)
	prometheus.MustRegister(ProviderEvents)
	prometheus.MustRegister(DTMFSubmissions)
	prometheus.MustRegister(BroadcastSubscribers)
	prometheus.MustRegister(BroadcastDropped)
	prometheus.MustRegister(RelayPublishFailures)
	prometheus.MustRegister(TranscriptFragments)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
