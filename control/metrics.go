// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for servers, queues and datagram transports.
// Every recording method is safe on a nil *Metrics.

package control

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the node collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	ActiveNodes   prometheus.Gauge
	AcceptedNodes prometheus.Counter
	RejectedNodes *prometheus.CounterVec
	ClosedNodes   prometheus.Counter
	AcceptErrors  prometheus.Counter
	Writes        *prometheus.CounterVec
	ReadBytes     prometheus.Counter
	QueueOps      *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	Datagrams     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Connections currently admitted.",
		}),
		AcceptedNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_nodes_total",
			Help:      "Connections admitted.",
		}),
		RejectedNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_nodes_total",
			Help:      "Connections dropped at accept time, by reason.",
		}, []string{"reason"}),
		ClosedNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closed_nodes_total",
			Help:      "Connections closed.",
		}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Listener accept failures.",
		}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Write requests by result (sent, queued, busy, closed, error).",
		}, []string{"result"}),
		ReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes received from stream peers.",
		}),
		QueueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_ops_total",
			Help:      "Message queue operations by queue and result.",
		}, []string{"queue", "result"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate occupied slots per queue.",
		}, []string{"queue"}),
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Datagrams by direction (in, out, error).",
		}, []string{"direction"}),
	}
	m.reg.MustRegister(
		m.ActiveNodes, m.AcceptedNodes, m.RejectedNodes, m.ClosedNodes, m.AcceptErrors,
		m.Writes, m.ReadBytes, m.QueueOps, m.QueueDepth, m.Datagrams,
	)
	return m
}

// Registry exposes the private registry, e.g. for promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// NodeAccepted records an admitted connection.
func (m *Metrics) NodeAccepted() {
	if m == nil {
		return
	}
	m.AcceptedNodes.Inc()
	m.ActiveNodes.Inc()
}

// NodeRejected records a connection dropped at accept time.
func (m *Metrics) NodeRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedNodes.WithLabelValues(reason).Inc()
}

// NodeClosed records a closed connection.
func (m *Metrics) NodeClosed() {
	if m == nil {
		return
	}
	m.ClosedNodes.Inc()
	m.ActiveNodes.Dec()
}

// AcceptError records a listener failure.
func (m *Metrics) AcceptError() {
	if m == nil {
		return
	}
	m.AcceptErrors.Inc()
}

// WriteResult records one write attempt.
func (m *Metrics) WriteResult(result string) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(result).Inc()
}

// BytesRead records inbound stream bytes.
func (m *Metrics) BytesRead(n int) {
	if m == nil {
		return
	}
	m.ReadBytes.Add(float64(n))
}

// QueueOp records an enqueue or dequeue on queue.
func (m *Metrics) QueueOp(queue, result string) {
	if m == nil {
		return
	}
	m.QueueOps.WithLabelValues(queue, result).Inc()
}

// SetQueueDepth publishes the occupancy of queue.
func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}

// Datagram records one datagram event.
func (m *Metrics) Datagram(direction string) {
	if m == nil {
		return
	}
	m.Datagrams.WithLabelValues(direction).Inc()
}

// Snapshot flattens the current values into name[.label...] keys.
func (m *Metrics) Snapshot() map[string]any {
	out := make(map[string]any)
	if m == nil {
		return out
	}
	mfs, err := m.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range mfs {
		for _, mt := range mf.GetMetric() {
			parts := []string{mf.GetName()}
			labels := mt.GetLabel()
			sort.Slice(labels, func(i, j int) bool { return labels[i].GetName() < labels[j].GetName() })
			for _, lp := range labels {
				parts = append(parts, lp.GetValue())
			}
			key := strings.Join(parts, ".")
			switch {
			case mt.GetCounter() != nil:
				out[key] = mt.GetCounter().GetValue()
			case mt.GetGauge() != nil:
				out[key] = mt.GetGauge().GetValue()
			}
		}
	}
	return out
}
