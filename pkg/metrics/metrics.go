// Package metrics records run-level metrics behind a pluggable backend.
//
// The default backend is a no-op, so every Record* call is safe when no
// backend is configured. Concrete systems live in the prompush and datadog
// subpackages; the rest of the code only sees Backend.
package metrics

import (
	"math/big"
	"time"
)

// Metric names.
const (
	PhaseTotal    = "dealqap_phase_total"
	PhaseDuration = "dealqap_phase_duration_seconds"
	RowsTotal     = "dealqap_rows_total"
	QAPBytes      = "dealqap_qap_bytes"
	PiecesIndexed = "dealqap_pieces_indexed"
	DeclaredBytes = "dealqap_declared_bytes"
	statusSuccess = "success"
	statusFailure = "failure"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a duration style value.
	ObserveHistogram(name string, value float64, labels Labels)
	// SetGauge records a point-in-time value.
	SetGauge(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) SetGauge(string, float64, Labels)         {}
func (nopBackend) Flush() error                             { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Current returns the installed backend.
func Current() Backend { return backend }

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordPhase counts one execution of a pipeline phase and its duration.
func RecordPhase(profile, phase string, err error, d time.Duration) {
	status := statusSuccess
	if err != nil {
		status = statusFailure
	}
	lbls := Labels{"profile": profile, "phase": phase, "status": status}
	backend.IncCounter(PhaseTotal, 1, lbls)
	backend.ObserveHistogram(PhaseDuration, d.Seconds(), lbls)
}

// RecordRows adds delta to the row counter of the given kind. Kinds mirror
// the aggregator counters: examined, matched, skipped_epoch, unmatched,
// verified.
func RecordRows(profile, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RowsTotal, float64(delta), Labels{"profile": profile, "kind": kind})
}

// RecordIndex records the size of the piece index.
func RecordIndex(pieces int, declared *big.Int) {
	backend.SetGauge(PiecesIndexed, float64(pieces), nil)
	backend.SetGauge(DeclaredBytes, bigFloat(declared), nil)
}

// RecordTotal records the final QAP total of a completed run. Totals beyond
// 2^53 lose precision in the gauge; the report keeps the exact value.
func RecordTotal(profile string, total *big.Int) {
	backend.SetGauge(QAPBytes, bigFloat(total), Labels{"profile": profile})
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
