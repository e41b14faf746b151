package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const _namespace = "notify_dispatch"

// Metrics is nil-safe: a nil receiver records nothing.
type Metrics struct {
	notificationsCreated *prometheus.CounterVec
	deliveries           *prometheus.CounterVec
	deliveryDuration     *prometheus.HistogramVec
	queueBatch           prometheus.Gauge
	ruleOutcomes         *prometheus.CounterVec
	campaignRecipients   *prometheus.CounterVec
	eventsConsumed       *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		notificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "notifications_created_total",
			Help:      "Notifications created, by type and initial status.",
		}, []string{"type", "status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		queueBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Name:      "queue_batch_size",
			Help:      "Items claimed by the last queue pass.",
		}),
		ruleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "rule_outcomes_total",
			Help:      "Rule evaluations by outcome.",
		}, []string{"outcome"}),
		campaignRecipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "campaign_recipients_total",
			Help:      "Campaign fan-out results.",
		}, []string{"outcome"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "events_consumed_total",
			Help:      "Domain events read from the broker, by source and result.",
		}, []string{"source", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.notificationsCreated,
			m.deliveries,
			m.deliveryDuration,
			m.queueBatch,
			m.ruleOutcomes,
			m.campaignRecipients,
			m.eventsConsumed,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

func (m *Metrics) NotificationCreated(typ, status string) {
	if m == nil {
		return
	}
	m.notificationsCreated.WithLabelValues(typ, status).Inc()
}

func (m *Metrics) Delivery(channel, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) QueueBatch(n int) {
	if m == nil {
		return
	}
	m.queueBatch.Set(float64(n))
}

func (m *Metrics) RuleOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ruleOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CampaignRecipient(outcome string) {
	if m == nil {
		return
	}
	m.campaignRecipients.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventConsumed(source, result string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(source, result).Inc()
}

// HTTPRequest records one served request. route is the matched pattern, not the raw path.
func (m *Metrics) HTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
