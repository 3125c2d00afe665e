// Package metrics holds the Prometheus collectors shared by all bots.
// Collectors work unregistered; MustRegister exposes them on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callbots"

var (
	registerOnce sync.Once

	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Outbound messages delivered by the dispatcher.",
	}, []string{"bot"})

	messagesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_failed_total",
		Help:      "Outbound messages dropped after a failed attempt.",
	}, []string{"bot", "kind"})

	sendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "send_duration_seconds",
		Help:      "Duration of a single transport send, throttle delay excluded.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"bot"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_queue_depth",
		Help:      "Messages waiting in the dispatcher intake.",
	}, []string{"bot"})

	inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_in_flight",
		Help:      "Send tasks currently holding a dispatcher slot.",
	}, []string{"bot"})

	updatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Inbound Telegram updates by kind.",
	}, []string{"bot", "kind"})

	webhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Webhook HTTP requests by bot and status code.",
	}, []string{"bot", "code"})

	fsmOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fsm_inputs_total",
		Help:      "Free-text inputs handled by the conversation state machine.",
	}, []string{"bot", "outcome"})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Scheduled job executions by status.",
	}, []string{"job", "status"})
)

// MustRegister registers the package collectors with registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		registerer.MustRegister(
			messagesSent,
			messagesFailed,
			sendDuration,
			queueDepth,
			inFlight,
			updatesTotal,
			webhookRequests,
			fsmOutcomes,
			jobRuns,
		)
	})
}

// ObserveSend records one transport attempt.
func ObserveSend(bot, failKind string, d time.Duration) {
	sendDuration.WithLabelValues(bot).Observe(d.Seconds())
	if failKind == "" {
		messagesSent.WithLabelValues(bot).Inc()
		return
	}
	messagesFailed.WithLabelValues(bot, failKind).Inc()
}

// SetQueue publishes the dispatcher gauges.
func SetQueue(bot string, queued, running int) {
	queueDepth.WithLabelValues(bot).Set(float64(queued))
	inFlight.WithLabelValues(bot).Set(float64(running))
}

// ObserveUpdate counts one inbound update.
func ObserveUpdate(bot, kind string) {
	updatesTotal.WithLabelValues(bot, kind).Inc()
}

// ObserveWebhook counts one webhook request.
func ObserveWebhook(bot string, code int) {
	webhookRequests.WithLabelValues(bot, codeLabel(code)).Inc()
}

// ObserveInput counts one state machine decision.
func ObserveInput(bot, outcome string) {
	fsmOutcomes.WithLabelValues(bot, outcome).Inc()
}

// ObserveJob counts one scheduled job run.
func ObserveJob(job string, err error) {
	status := "ok"
	if err != nil {
		status = "fail"
	}
	jobRuns.WithLabelValues(job, status).Inc()
}

func codeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200 && code < 300:
		return "2xx"
	}
	return "other"
}
