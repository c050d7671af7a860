// Package metrics exposes the sender and receiver loops' internal state as
// Prometheus metrics, in the style of runZeroInc-sockstats' exporter: a
// small struct of pre-registered collectors, one per protocol quantity,
// updated by the loop and served over promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sender bundles the gauges and counters the sender loop updates once per
// iteration.
type Sender struct {
	Cwnd              prometheus.Gauge
	EstRTT            prometheus.Gauge
	DevRTT            prometheus.Gauge
	RTO               prometheus.Gauge
	Base              prometheus.Gauge
	PacketsSent       prometheus.Counter
	Retransmits       prometheus.Counter
	FastRetransmits   prometheus.Counter
	DuplicateAcks     prometheus.Counter
	Timeouts          prometheus.Counter
}

// NewSender creates and registers a Sender's collectors, labeled with the
// given session ID so multiple runs in one process don't collide.
func NewSender(registry *prometheus.Registry, sessionID string) *Sender {
	labels := prometheus.Labels{"session": sessionID}
	s := &Sender{
		Cwnd:            newGauge(registry, "rudpxfer_sender_cwnd_packets", "Current congestion window, in packets.", labels),
		EstRTT:          newGauge(registry, "rudpxfer_sender_est_rtt_seconds", "Smoothed round-trip time.", labels),
		DevRTT:          newGauge(registry, "rudpxfer_sender_dev_rtt_seconds", "Mean RTT deviation.", labels),
		RTO:             newGauge(registry, "rudpxfer_sender_rto_seconds", "Current retransmission timeout.", labels),
		Base:            newGauge(registry, "rudpxfer_sender_base_seqnum", "Smallest unacknowledged sequence number.", labels),
		PacketsSent:     newCounter(registry, "rudpxfer_sender_packets_sent_total", "Data packets transmitted, including retransmits.", labels),
		Retransmits:     newCounter(registry, "rudpxfer_sender_retransmits_total", "Retransmissions triggered by timeout.", labels),
		FastRetransmits: newCounter(registry, "rudpxfer_sender_fast_retransmits_total", "Retransmissions triggered by triple duplicate ACK.", labels),
		DuplicateAcks:   newCounter(registry, "rudpxfer_sender_duplicate_acks_total", "Duplicate ACKs observed.", labels),
		Timeouts:        newCounter(registry, "rudpxfer_sender_timeouts_total", "Receive-timeout events.", labels),
	}
	return s
}

// Receiver bundles the gauges and counters the receiver loop updates.
type Receiver struct {
	ExpectedSeq     prometheus.Gauge
	BytesWritten    prometheus.Counter
	DuplicateAcksSent prometheus.Counter
	OutOfOrderBuffered prometheus.Counter
}

// NewReceiver creates and registers a Receiver's collectors.
func NewReceiver(registry *prometheus.Registry, sessionID string) *Receiver {
	labels := prometheus.Labels{"session": sessionID}
	return &Receiver{
		ExpectedSeq:        newGauge(registry, "rudpxfer_receiver_expected_seq", "Next in-order sequence number awaited.", labels),
		BytesWritten:       newCounter(registry, "rudpxfer_receiver_bytes_written_total", "Bytes appended to the output sink.", labels),
		DuplicateAcksSent:  newCounter(registry, "rudpxfer_receiver_duplicate_acks_sent_total", "Duplicate ACKs re-emitted for out-of-order or already-delivered packets.", labels),
		OutOfOrderBuffered: newCounter(registry, "rudpxfer_receiver_out_of_order_buffered_total", "Packets buffered because they arrived ahead of expected_seq.", labels),
	}
}

func newGauge(registry *prometheus.Registry, name, help string, labels prometheus.Labels) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	registry.MustRegister(g)
	return g
}

func newCounter(registry *prometheus.Registry, name, help string, labels ...prometheus.Labels) prometheus.Counter {
	var l prometheus.Labels
	if len(labels) > 0 {
		l = labels[0]
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: l})
	registry.MustRegister(c)
	return c
}

// Serve starts an HTTP server exposing registry on /metrics at addr. It
// runs until the process exits or the HTTP server fails; callers that want graceful
// shutdown should run it in a goroutine and not depend on Serve returning.
func Serve(addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
