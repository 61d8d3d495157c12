// Package metrics instruments the control-protocol multiplexer with
// Prometheus counters and histograms. Every Recorder method is safe on a nil
// *Recorder and then records nothing; New(nil) returns a working Recorder
// whose collectors are not registered anywhere — callers that don't care
// about observability never have to special-case it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder wraps the multiplexer's Prometheus instrumentation. All methods
// are nil-receiver safe.
type Recorder struct {
	recordsRead        *prometheus.CounterVec
	controlRequestsOut *prometheus.CounterVec
	controlRequestsIn  *prometheus.CounterVec
	writeLatency       prometheus.Histogram
	bufferResets       prometheus.Counter
	errorsObserved     *prometheus.CounterVec
}

// New constructs a Recorder and registers its collectors with reg. A nil
// reg produces a Recorder that still works but registers nothing, matching
// the teacher's convention of treating observability hooks as optional.
//
// The transport and the control-protocol handler each hold their own
// Recorder but are commonly pointed at the same Registerer (one AgentOptions,
// one WithRegisterer call), so registration goes through registerOrReuse
// instead of MustRegister: a second New() against the same reg adopts the
// collectors the first call already registered rather than panicking on
// prometheus's AlreadyRegisteredError.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{}
	r.recordsRead = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliagent",
		Name:      "records_read_total",
		Help:      "NDJSON records read from the subprocess, by message type.",
	}, []string{"type"}))
	r.controlRequestsOut = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliagent",
		Name:      "control_requests_sent_total",
		Help:      "Outbound control requests sent to the subprocess, by subtype.",
	}, []string{"subtype"}))
	r.controlRequestsIn = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliagent",
		Name:      "control_requests_received_total",
		Help:      "Inbound control requests dispatched to callbacks, by subtype.",
	}, []string{"subtype"}))
	r.writeLatency = registerOrReuse(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cliagent",
		Name:      "stdin_write_seconds",
		Help:      "Time holding the transport write mutex per write.",
		Buckets:   prometheus.DefBuckets,
	}))
	r.bufferResets = registerOrReuse(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cliagent",
		Name:      "ndjson_buffer_resets_total",
		Help:      "Times the stdout reassembly buffer was cleared after overflow.",
	}))
	r.errorsObserved = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliagent",
		Name:      "errors_total",
		Help:      "SDK errors surfaced to a caller, by ErrorKind.",
	}, []string{"kind"}))
	return r
}

// registerOrReuse registers c with reg, or — if something with the same
// fully-qualified name is already registered — returns that existing
// collector instead. This lets New() be called more than once against the
// same Registerer (transport and the control handler each construct their
// own Recorder) without panicking.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Recorder) RecordRead(msgType string) {
	if r == nil {
		return
	}
	r.recordsRead.WithLabelValues(msgType).Inc()
}

func (r *Recorder) ControlRequestSent(subtype string) {
	if r == nil {
		return
	}
	r.controlRequestsOut.WithLabelValues(subtype).Inc()
}

func (r *Recorder) ControlRequestReceived(subtype string) {
	if r == nil {
		return
	}
	r.controlRequestsIn.WithLabelValues(subtype).Inc()
}

func (r *Recorder) ObserveWrite(start time.Time) {
	if r == nil {
		return
	}
	r.writeLatency.Observe(time.Since(start).Seconds())
}

func (r *Recorder) BufferReset() {
	if r == nil {
		return
	}
	r.bufferResets.Inc()
}

func (r *Recorder) ErrorObserved(kind string) {
	if r == nil {
		return
	}
	r.errorsObserved.WithLabelValues(kind).Inc()
}
