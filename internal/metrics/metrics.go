// Package metrics holds the Prometheus collectors for the live channel backend.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crt80"

// Metrics groups every collector the service exports. A nil *Metrics is valid
// and records nothing, so components can be built without a registry in tests.
type Metrics struct {
	OpenConnections    prometheus.Gauge
	InboundMessages    *prometheus.CounterVec
	Broadcasts         *prometheus.CounterVec
	DroppedDeliveries  prometheus.Counter
	ChatMessages       *prometheus.CounterVec
	JoinAnnouncements  prometheus.Counter
	SchedulerTicks     *prometheus.CounterVec
	SchedulePromotions prometheus.Counter
	AnalyticsJobs      *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers the collectors on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "viewers",
			Name:      "open_connections",
			Help:      "Number of open realtime connections",
		}),
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewers",
			Name:      "inbound_messages_total",
			Help:      "Inbound realtime frames by message type",
		}, []string{"type"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewers",
			Name:      "broadcasts_total",
			Help:      "Broadcast fan-outs by message type",
		}, []string{"type"}),
		DroppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewers",
			Name:      "dropped_deliveries_total",
			Help:      "Messages dropped because a connection send buffer was full",
		}),
		ChatMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Chat messages by outcome",
		}, []string{"outcome"}),
		JoinAnnouncements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "join_announcements_total",
			Help:      "Viewer joined announcements sent",
		}),
		SchedulerTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome",
		}, []string{"outcome"}),
		SchedulePromotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "promotions_total",
			Help:      "Channels whose active block was changed by the scheduler",
		}),
		AnalyticsJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "jobs_total",
			Help:      "Analytics queue jobs by kind and outcome",
		}, []string{"kind", "outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// SetOpenConnections reports the registry's current connection count.
func (m *Metrics) SetOpenConnections(count int) {
	if m != nil {
		m.OpenConnections.Set(float64(count))
	}
}

func (m *Metrics) InboundMessage(messageType string) {
	if m != nil {
		m.InboundMessages.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) Broadcast(messageType string) {
	if m != nil {
		m.Broadcasts.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) DeliveryDropped() {
	if m != nil {
		m.DroppedDeliveries.Inc()
	}
}

func (m *Metrics) ChatMessage(outcome string) {
	if m != nil {
		m.ChatMessages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) JoinAnnounced() {
	if m != nil {
		m.JoinAnnouncements.Inc()
	}
}

func (m *Metrics) SchedulerTick(outcome string, promotions int) {
	if m == nil {
		return
	}
	m.SchedulerTicks.WithLabelValues(outcome).Inc()
	if promotions > 0 {
		m.SchedulePromotions.Add(float64(promotions))
	}
}

func (m *Metrics) AnalyticsJob(kind, outcome string) {
	if m != nil {
		m.AnalyticsJobs.WithLabelValues(kind, outcome).Inc()
	}
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
