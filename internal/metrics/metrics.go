package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tincan"

type Metrics struct {
	registry *prometheus.Registry

	LinkEvents           *prometheus.CounterVec
	CandidateSubmitFails prometheus.Counter
	TurnServersRejected  prometheus.Counter
	SendFailures         prometheus.Counter
	BytesSent            prometheus.Counter
	BytesReceived        prometheus.Counter
	LinksWritable        prometheus.Gauge
	ControlRequests      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LinkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_events_total",
			Help:      "Virtual link lifecycle events by kind.",
		}, []string{"kind"}),
		CandidateSubmitFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_submission_failures_total",
			Help:      "Remote candidate batches the engine refused.",
		}),
		TurnServersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_servers_rejected_total",
			Help:      "TURN descriptors dropped for bad address or credentials.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Frames the transport failed to send.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes handed to the transport.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes received from the transport.",
		}),
		LinksWritable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_writable",
			Help:      "Virtual links currently writable.",
		}),
		ControlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Controller requests by command and outcome.",
		}, []string{"command", "success"}),
	}

	m.registry.MustRegister(
		m.LinkEvents,
		m.CandidateSubmitFails,
		m.TurnServersRejected,
		m.SendFailures,
		m.BytesSent,
		m.BytesReceived,
		m.LinksWritable,
		m.ControlRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
