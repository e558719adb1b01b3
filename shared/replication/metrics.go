package replication

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts replication traffic. A nil *Metrics records nothing.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	receiptsLost   prometheus.Counter
	deltasBuffered prometheus.Counter
	pendingDrops   prometheus.Counter
	deltasRejected *prometheus.CounterVec
	replicas       prometheus.Gauge
}

// NewMetrics creates the replication collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "frames_sent_total",
			Help:      "Delta frames sent, by object type and serialization mode.",
		}, []string{"type", "mode"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "frame_bytes_sent_total",
			Help:      "Bytes of delta frames sent, by serialization mode.",
		}, []string{"mode"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "frames_received_total",
			Help:      "Delta frames applied, by object type.",
		}, []string{"type"}),
		receiptsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "receipts_lost_total",
			Help:      "Acked-mode sends that were never acknowledged.",
		}),
		deltasBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "deltas_buffered_total",
			Help:      "Deltas that arrived before their replica was constructed.",
		}),
		pendingDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "pending_deltas_dropped_total",
			Help:      "Deltas for unknown replicas dropped because a pending limit was reached.",
		}),
		deltasRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "deltas_rejected_total",
			Help:      "Inbound replica messages that were refused, by reason.",
		}, []string{"reason"}),
		replicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apertus",
			Subsystem: "replication",
			Name:      "replicas",
			Help:      "Replicas currently known to the manager.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.framesSent, m.bytesSent, m.framesReceived, m.receiptsLost,
			m.deltasBuffered, m.pendingDrops, m.deltasRejected, m.replicas)
	}
	return m
}

func (m *Metrics) frameSent(objectType string, mode Mode, n int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(objectType, mode.String()).Inc()
	m.bytesSent.WithLabelValues(mode.String()).Add(float64(n))
}

func (m *Metrics) frameReceived(objectType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(objectType).Inc()
}

func (m *Metrics) receiptLost() {
	if m == nil {
		return
	}
	m.receiptsLost.Inc()
}

func (m *Metrics) deltaBuffered() {
	if m == nil {
		return
	}
	m.deltasBuffered.Inc()
}

func (m *Metrics) pendingDropped() {
	if m == nil {
		return
	}
	m.pendingDrops.Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.deltasRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) setReplicas(n int) {
	if m == nil {
		return
	}
	m.replicas.Set(float64(n))
}
