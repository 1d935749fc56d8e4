package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starbridge_entries_enqueued_total",
			Help: "Total number of entries enqueued, by origin.",
		},
		[]string{"origin"}, // control, inbox, nsq
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starbridge_deliveries_total",
			Help: "Total number of strategy attempts by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starbridge_fallbacks_total",
			Help: "Total number of fallbacks away from a strategy, by reason.",
		},
		[]string{"from", "reason"},
	)

	ClipboardHandoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starbridge_clipboard_handoffs_total",
			Help: "Total number of clipboard hand-offs by result.",
		},
		[]string{"result"},
	)

	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starbridge_queue_pending",
			Help: "Current number of pending queue entries.",
		},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starbridge_delivery_latency_seconds",
			Help:    "Strategy attempt latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"strategy"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starbridge_dead_letters_total",
			Help: "Total number of failed entries published to the dead letter topic.",
		},
	)

	IntakeBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starbridge_intake_backlog",
			Help: "Submitted records waiting in the bridge's NSQ channel.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "starbridge_nsq_channel_depth",
			Help: "Depth of NSQ channels on the sources topic, by channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "starbridge_nsq_channel_inflight",
			Help: "In-flight messages of NSQ channels on the sources topic, by channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EntriesEnqueuedTotal,
		DeliveriesTotal,
		FallbacksTotal,
		ClipboardHandoffsTotal,
		QueuePending,
		DeliveryLatency,
		DeadLettersTotal,
		IntakeBacklog,
		NSQChannelDepth,
		NSQChannelInflight,
	)
}

// RecordEnqueued counts one accepted entry.
func RecordEnqueued(origin string) {
	EntriesEnqueuedTotal.WithLabelValues(origin).Inc()
}

// RecordAttempt counts one strategy attempt and observes its latency.
func RecordAttempt(strategy, outcome string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(strategy, outcome).Inc()
	DeliveryLatency.WithLabelValues(strategy).Observe(d.Seconds())
}

func RecordFallback(from, reason string) {
	FallbacksTotal.WithLabelValues(from, reason).Inc()
}

func RecordClipboard(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	ClipboardHandoffsTotal.WithLabelValues(result).Inc()
}

func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

// SetQueuePending matches the queue's OnChange hook signature.
func SetQueuePending(n int) {
	QueuePending.Set(float64(n))
}

// SetChannelStats records one NSQ channel's depth and in-flight count.
func SetChannelStats(topic, channel string, depth, inflight int64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	NSQChannelInflight.WithLabelValues(topic, channel).Set(float64(inflight))
}
