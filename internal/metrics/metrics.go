// Package metrics holds the Prometheus collectors for the relay and the
// HTTP listener that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Result label values.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	RecipientsTotal    *prometheus.CounterVec
	MessagesTotal      *prometheus.CounterVec
	AttachmentsDropped prometheus.Counter
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of inbound SMTP connections",
		}),
		RecipientsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_total",
			Help:      "RCPT commands by admission result",
		}, []string{"result"}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages completing the DATA phase by reply result",
		}, []string{"result"}),
		AttachmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_dropped_total",
			Help:      "Attachments dropped because they carried no payload",
		}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by destination and result",
		}, []string{"destination", "result"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of delivery attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"destination"}),
	}
}

// Connection records an accepted inbound connection.
func (m *Metrics) Connection() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
}

// Recipient records a RCPT admission decision.
func (m *Metrics) Recipient(accepted bool) {
	if m == nil {
		return
	}
	m.RecipientsTotal.WithLabelValues(acceptedLabel(accepted)).Inc()
}

// Message records the reply given at the end of the DATA phase.
func (m *Metrics) Message(accepted bool) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(acceptedLabel(accepted)).Inc()
}

// DroppedAttachments records n dropped attachments.
func (m *Metrics) DroppedAttachments(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AttachmentsDropped.Add(float64(n))
}

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(destination string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	m.DeliveriesTotal.WithLabelValues(destination, result).Inc()
	m.DeliveryDuration.WithLabelValues(destination).Observe(d.Seconds())
}

func acceptedLabel(accepted bool) string {
	if accepted {
		return ResultAccepted
	}
	return ResultRejected
}
