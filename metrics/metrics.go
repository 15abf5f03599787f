// Package metrics exposes the panel's Prometheus collectors: per-bus
// poll/timeout/frame-invalid counters and online-device gauges, plus
// process-wide dispatcher gauges. Built on promauto the way
// ka9q_ubersdr's prometheus.go registers its collectors; every recording
// method is a nil-receiver no-op so Bus/ReplyDispatcher can hold a
// *Registry field without ever requiring one in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector the panel registers. A nil *Registry is
// valid and every method on it is a no-op.
type Registry struct {
	pollCycles        *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	frameInvalid      *prometheus.CounterVec
	devicesOnline     *prometheus.GaugeVec
	pendingRequests   prometheus.Gauge
	repliesTotal      *prometheus.CounterVec
}

// New registers and returns a Registry against the default Prometheus
// registerer.
func New() *Registry {
	return &Registry{
		pollCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osdp_bus_poll_cycles_total",
				Help: "Total poll cycles run by a bus.",
			},
			[]string{"connection_id"},
		),
		timeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osdp_bus_timeouts_total",
				Help: "Total poll cycles that ended in a reply-window timeout.",
			},
			[]string{"connection_id"},
		),
		frameInvalid: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osdp_bus_frame_invalid_total",
				Help: "Total frames that failed checksum/CRC or structural validation.",
			},
			[]string{"connection_id"},
		),
		devicesOnline: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "osdp_bus_devices_online",
				Help: "Current count of devices considered online on a bus.",
			},
			[]string{"connection_id"},
		),
		pendingRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "osdp_dispatcher_pending_requests",
				Help: "Current count of SendCommand/GetPIVData calls awaiting a reply.",
			},
		),
		repliesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osdp_dispatcher_replies_total",
				Help: "Total replies handled by the dispatcher, by reply type.",
			},
			[]string{"type"},
		),
	}
}

// RecordPollCycle increments the poll-cycle counter for connID.
func (r *Registry) RecordPollCycle(connID string) {
	if r == nil {
		return
	}
	r.pollCycles.WithLabelValues(connID).Inc()
}

// RecordTimeout increments the timeout counter for connID.
func (r *Registry) RecordTimeout(connID string) {
	if r == nil {
		return
	}
	r.timeouts.WithLabelValues(connID).Inc()
}

// RecordFrameInvalid increments the frame-invalid counter for connID.
func (r *Registry) RecordFrameInvalid(connID string) {
	if r == nil {
		return
	}
	r.frameInvalid.WithLabelValues(connID).Inc()
}

// SetDevicesOnline sets the online-device gauge for connID.
func (r *Registry) SetDevicesOnline(connID string, count int) {
	if r == nil {
		return
	}
	r.devicesOnline.WithLabelValues(connID).Set(float64(count))
}

// IncPendingRequests increments the process-wide pending-request gauge.
func (r *Registry) IncPendingRequests() {
	if r == nil {
		return
	}
	r.pendingRequests.Inc()
}

// DecPendingRequests decrements the process-wide pending-request gauge.
func (r *Registry) DecPendingRequests() {
	if r == nil {
		return
	}
	r.pendingRequests.Dec()
}

// RecordReply increments the replies-total counter for replyType.
func (r *Registry) RecordReply(replyType string) {
	if r == nil {
		return
	}
	r.repliesTotal.WithLabelValues(replyType).Inc()
}
