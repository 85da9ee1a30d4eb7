package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snooze"

// Registry owns the process counters and their private prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	alertHit       prometheus.Counter
	alertRejected  prometheus.Counter
	alertClosed    *prometheus.CounterVec
	alertThrottled *prometheus.CounterVec
	alertFlapping  *prometheus.CounterVec
	alertSnoozed   *prometheus.CounterVec
	alertNotified  *prometheus.CounterVec
	ruleHit        *prometheus.CounterVec
	aggregateHit   *prometheus.CounterVec
	recordsExpired *prometheus.CounterVec
}

// New creates a registry with all pipeline counters registered.
// Params: none.
// Returns: ready registry.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.alertHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_hit_total",
		Help:      "number of alerts entering the pipeline",
	})
	r.alertRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_rejected_total",
		Help:      "number of alerts rejected because of a processing error",
	})
	r.alertClosed = counterVec("alert_closed_total", "number of close signals received per aggregate rule", "name")
	r.alertThrottled = counterVec("alert_throttled_total", "number of duplicates discarded by throttling per aggregate rule", "name")
	r.alertFlapping = counterVec("alert_flapping_total", "number of duplicates suppressed as flapping per aggregate rule", "name")
	r.alertSnoozed = counterVec("alert_snoozed_total", "number of alerts snoozed per filter", "name")
	r.alertNotified = counterVec("alert_notified_total", "number of notification decisions per notification", "name")
	r.ruleHit = counterVec("rule_hit_total", "number of rule matches", "name")
	r.aggregateHit = counterVec("aggregate_hit_total", "number of aggregate rule matches", "name")
	r.recordsExpired = counterVec("records_expired_total", "number of documents removed by housekeeping per collection", "collection")

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.alertHit,
		r.alertRejected,
		r.alertClosed,
		r.alertThrottled,
		r.alertFlapping,
		r.alertSnoozed,
		r.alertNotified,
		r.ruleHit,
		r.aggregateHit,
		r.recordsExpired,
	)
	return r
}

func counterVec(name, help, label string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{label})
}

// Handler exposes the registry in Prometheus text format.
// Params: none.
// Returns: HTTP handler for /metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer returns the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Registry) AlertHit() {
	if r != nil {
		r.alertHit.Inc()
	}
}

func (r *Registry) AlertRejected() {
	if r != nil {
		r.alertRejected.Inc()
	}
}

func (r *Registry) AlertClosed(aggregate string) {
	if r != nil {
		r.alertClosed.WithLabelValues(aggregate).Inc()
	}
}

func (r *Registry) AlertThrottled(aggregate string) {
	if r != nil {
		r.alertThrottled.WithLabelValues(aggregate).Inc()
	}
}

func (r *Registry) AlertFlapping(aggregate string) {
	if r != nil {
		r.alertFlapping.WithLabelValues(aggregate).Inc()
	}
}

func (r *Registry) AlertSnoozed(filter string) {
	if r != nil {
		r.alertSnoozed.WithLabelValues(filter).Inc()
	}
}

func (r *Registry) AlertNotified(notification string) {
	if r != nil {
		r.alertNotified.WithLabelValues(notification).Inc()
	}
}

func (r *Registry) RuleHit(rule string) {
	if r != nil {
		r.ruleHit.WithLabelValues(rule).Inc()
	}
}

func (r *Registry) AggregateHit(aggregate string) {
	if r != nil {
		r.aggregateHit.WithLabelValues(aggregate).Inc()
	}
}

// RecordsExpired adds housekeeping deletions for one collection.
// Params: collection name and deleted count.
// Returns: none.
func (r *Registry) RecordsExpired(collection string, count int) {
	if r != nil && count > 0 {
		r.recordsExpired.WithLabelValues(collection).Add(float64(count))
	}
}
