package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eunmann/deal-qap/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func readCounter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func readGauge(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Gauge.Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewBackend(t *testing.T) {
	if _, err := NewBackend("job", ""); err == nil {
		t.Fatal("expected error without a gateway URL")
	}
	b, err := NewBackend("", "http://pushgateway:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.jobName != "dealqap" {
		t.Errorf("jobName = %q, want default dealqap", b.jobName)
	}
}

func TestRouting(t *testing.T) {
	b, err := NewBackend("dealqap", "http://example.com")
	if err != nil {
		t.Fatal(err)
	}

	b.IncCounter(metrics.RowsTotal, 4, metrics.Labels{"profile": "weighted", "kind": "examined"})
	b.IncCounter(metrics.RowsTotal, 2, metrics.Labels{"profile": "weighted", "kind": "examined"})
	b.IncCounter(metrics.PhaseTotal, 1, metrics.Labels{"profile": "weighted", "phase": "build_index", "status": "success"})
	b.IncCounter("unknown_metric", 10, nil)
	b.SetGauge(metrics.QAPBytes, 110, metrics.Labels{"profile": "weighted"})
	b.SetGauge(metrics.PiecesIndexed, 3, nil)

	if got := readCounter(t, b.rowCounter.WithLabelValues("weighted", "examined")); got != 6 {
		t.Errorf("rows examined = %v, want 6", got)
	}
	if got := readCounter(t, b.phaseCounter.WithLabelValues("weighted", "build_index", "success")); got != 1 {
		t.Errorf("phase counter = %v, want 1", got)
	}
	if got := readGauge(t, b.qapBytes.WithLabelValues("weighted")); got != 110 {
		t.Errorf("qap bytes = %v, want 110", got)
	}
	if got := readGauge(t, b.pieces); got != 3 {
		t.Errorf("pieces = %v, want 3", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	b := &Backend{}
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "examined"})
	b.IncCounter(metrics.PhaseTotal, 1, nil)
	b.ObserveHistogram(metrics.PhaseDuration, 1, nil)
	b.SetGauge(metrics.QAPBytes, 1, nil)
	b.SetGauge(metrics.DeclaredBytes, 1, nil)
}

func TestFlush(t *testing.T) {
	type pushed struct {
		method string
		path   string
		body   string
	}
	reqCh := make(chan pushed, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushed{r.Method, r.URL.Path, string(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("dealqap", server.URL)
	if err != nil {
		t.Fatal(err)
	}
	b.SetGauge(metrics.QAPBytes, 110, metrics.Labels{"profile": "weighted"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	select {
	case got := <-reqCh:
		if got.method != http.MethodPut {
			t.Errorf("method = %s, want PUT", got.method)
		}
		if !strings.Contains(got.path, "/job/dealqap") {
			t.Errorf("path = %s, want the dealqap job group", got.path)
		}
		if len(got.body) == 0 {
			t.Error("push body is empty")
		}
	default:
		t.Fatal("Flush() did not reach the Pushgateway")
	}
}
