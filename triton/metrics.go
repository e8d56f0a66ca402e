package triton

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons used as the "reason" label.
const (
	reasonExhausted = "exhausted"
	reasonTransport = "transport"
	reasonCodec     = "codec"
	reasonThrottled = "throttled"
)

// Metrics holds the producer's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RecordsDelivered   *prometheus.CounterVec
	RecordsRetried     *prometheus.CounterVec
	PutCalls           *prometheus.CounterVec
	GroupFailures      *prometheus.CounterVec
	TopologyRowsSaved  *prometheus.CounterVec
	TopologyChunkFails *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triton_records_delivered_total",
				Help: "Records accepted by the stream",
			},
			[]string{"stream"},
		),
		RecordsRetried: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triton_records_retried_total",
				Help: "Records resubmitted after being rejected",
			},
			[]string{"stream"},
		),
		PutCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triton_put_calls_total",
				Help: "PutRecords and PutRecord calls issued",
			},
			[]string{"stream", "api"},
		),
		GroupFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triton_group_failures_total",
				Help: "Groups or records given up on",
			},
			[]string{"stream", "reason"},
		),
		TopologyRowsSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triton_topology_rows_saved_total",
				Help: "Topology rows written to DynamoDB",
			},
			[]string{"table"},
		),
		TopologyChunkFails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triton_topology_chunk_failures_total",
				Help: "Topology chunks that could not be fully written",
			},
			[]string{"table"},
		),
	}
}

func (m *Metrics) delivered(stream string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsDelivered.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) retried(stream string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsRetried.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) putCall(stream, api string) {
	if m == nil {
		return
	}
	m.PutCalls.WithLabelValues(stream, api).Inc()
}

func (m *Metrics) groupFailure(stream, reason string) {
	if m == nil {
		return
	}
	m.GroupFailures.WithLabelValues(stream, reason).Inc()
}

func (m *Metrics) rowsSaved(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TopologyRowsSaved.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) chunkFailure(table string) {
	if m == nil {
		return
	}
	m.TopologyChunkFails.WithLabelValues(table).Inc()
}
