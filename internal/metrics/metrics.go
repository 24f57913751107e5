package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbornotify_tasks_total",
			Help: "Total number of send tasks processed by outcome.",
		},
		[]string{"outcome"}, // sent, canceled, not_supported, not_pending, not_installed, throttled_requeue, failed, malformed, error
	)

	SendResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbornotify_send_results_total",
			Help: "Total number of channel send results by result kind.",
		},
		[]string{"result"},
	)

	SendAttemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbornotify_send_attempt_failures_total",
			Help: "Failed send attempts by HTTP status and whether they were retried.",
		},
		[]string{"status", "retried"},
	)

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harbornotify_send_latency_seconds",
			Help:    "Wall time of one Sender invocation, retries included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ThrottleEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbornotify_throttle_events_total",
			Help: "Total number of times the global send throttle was set.",
		},
	)

	RequeuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbornotify_requeues_total",
			Help: "Total number of delayed requeues by reason.",
		},
		[]string{"reason"}, // globally_throttled, throttled
	)

	StatusWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbornotify_status_writes_total",
			Help: "Recipient status writes by delivery status.",
		},
		[]string{"delivery_status"},
	)

	CardCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbornotify_card_cache_total",
			Help: "Card content cache lookups by tier and result.",
		},
		[]string{"tier", "result"}, // tier: local|shared, result: hit|miss
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbornotify_dlq_total",
			Help: "Total number of send tasks moved to the DLQ.",
		},
	)

	// Total queue backlog - what we really care about
	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbornotify_queue_backlog",
			Help: "Messages waiting in the send workers channel.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbornotify_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbornotify_nsq_channel_inflight",
			Help: "In-flight messages of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksTotal,
		SendResultsTotal,
		SendAttemptFailuresTotal,
		SendLatency,
		ThrottleEventsTotal,
		RequeuesTotal,
		StatusWritesTotal,
		CardCacheTotal,
		DLQTotal,
		QueueBacklog,
		NSQChannelDepth,
		NSQChannelInflight,
	)
}

func RecordTask(outcome string) {
	TasksTotal.WithLabelValues(outcome).Inc()
}

func RecordSendResult(result string, latency time.Duration) {
	SendResultsTotal.WithLabelValues(result).Inc()
	SendLatency.Observe(latency.Seconds())
}

// RecordAttemptFailure counts one failed send attempt. Status 0 means the
// failure carried no HTTP status (network, encoding).
func RecordAttemptFailure(status int, retried bool) {
	SendAttemptFailuresTotal.WithLabelValues(strconv.Itoa(status), strconv.FormatBool(retried)).Inc()
}

func RecordThrottle() {
	ThrottleEventsTotal.Inc()
}

func RecordRequeue(reason string) {
	RequeuesTotal.WithLabelValues(reason).Inc()
}

func RecordStatusWrite(deliveryStatus string) {
	StatusWritesTotal.WithLabelValues(deliveryStatus).Inc()
}

func RecordCache(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CardCacheTotal.WithLabelValues(tier, result).Inc()
}

func RecordDLQ() {
	DLQTotal.Inc()
}

func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}

func UpdateNSQChannel(topic, channel string, depth, inflight float64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(depth)
	NSQChannelInflight.WithLabelValues(topic, channel).Set(inflight)
}
