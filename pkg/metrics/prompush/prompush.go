// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. A tally is a batch job with no scrape window, so the
// registry is pushed once at the end of the run.
package prompush

import (
	"fmt"

	"github.com/eunmann/deal-qap/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	phaseCounter  *prometheus.CounterVec
	phaseDuration *prometheus.SummaryVec
	rowCounter    *prometheus.CounterVec
	qapBytes      *prometheus.GaugeVec
	pieces        prometheus.Gauge
	declared      prometheus.Gauge
}

// NewBackend constructs a Pushgateway backend. jobName is the Pushgateway
// grouping job and defaults to "dealqap".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "dealqap"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		phaseCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.PhaseTotal,
			Help: "Pipeline phase executions by profile, phase and status.",
		}, []string{"profile", "phase", "status"}),
		phaseDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.PhaseDuration,
			Help:       "Pipeline phase duration in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"profile", "phase", "status"}),
		rowCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Deal rows by outcome (examined, matched, skipped_epoch, unmatched, verified).",
		}, []string{"profile", "kind"}),
		qapBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metrics.QAPBytes,
			Help: "Total QAP bytes of the last completed run.",
		}, []string{"profile"}),
		pieces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metrics.PiecesIndexed,
			Help: "Distinct pieces in the size index.",
		}),
		declared: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metrics.DeclaredBytes,
			Help: "Sum of declared piece sizes in the size index.",
		}),
	}

	collectors := []prometheus.Collector{b.phaseCounter, b.phaseDuration, b.rowCounter, b.qapBytes, b.pieces, b.declared}
	for _, c := range collectors {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.PhaseTotal:
		if b.phaseCounter != nil {
			b.phaseCounter.WithLabelValues(labels["profile"], labels["phase"], labels["status"]).Add(delta)
		}
	case metrics.RowsTotal:
		if b.rowCounter != nil {
			b.rowCounter.WithLabelValues(labels["profile"], labels["kind"]).Add(delta)
		}
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.PhaseDuration || b.phaseDuration == nil {
		return
	}
	b.phaseDuration.WithLabelValues(labels["profile"], labels["phase"], labels["status"]).Observe(value)
}

// SetGauge implements metrics.Backend.
func (b *Backend) SetGauge(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.QAPBytes:
		if b.qapBytes != nil {
			b.qapBytes.WithLabelValues(labels["profile"]).Set(value)
		}
	case metrics.PiecesIndexed:
		if b.pieces != nil {
			b.pieces.Set(value)
		}
	case metrics.DeclaredBytes:
		if b.declared != nil {
			b.declared.Set(value)
		}
	}
}

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
