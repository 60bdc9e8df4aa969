// Package memdiag samples heap usage for progress events and optionally serves pprof.
//
// Enable heap sampling with DEALQAP_MEM_DEBUG=1.
// Enable a pprof server with DEALQAP_PPROF_ADDR=localhost:6060.
package memdiag

import (
	"net/http"
	"runtime"
	"time"

	// Registers pprof handlers on DefaultServeMux for the pprof HTTP server.
	_ "net/http/pprof"

	"github.com/rs/zerolog"
)

// Config holds configuration for memory diagnostics.
type Config struct {
	// Enabled turns on heap sampling.
	Enabled bool

	// PprofAddr starts a pprof server when non-empty.
	PprofAddr string

	// MinInterval bounds how often runtime.ReadMemStats runs; it stops the world.
	MinInterval time.Duration
}

// FromEnv builds a Config from the given environment lookup.
func FromEnv(getenv func(string) string) Config {
	return Config{
		Enabled:     getenv("DEALQAP_MEM_DEBUG") == "1",
		PprofAddr:   getenv("DEALQAP_PPROF_ADDR"),
		MinInterval: time.Second,
	}
}

// Stats is the subset of runtime.MemStats reported in logs.
type Stats struct {
	HeapAlloc uint64
	HeapSys   uint64
	Sys       uint64
	NumGC     uint32
}

// Read reads current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc: m.HeapAlloc,
		HeapSys:   m.HeapSys,
		Sys:       m.Sys,
		NumGC:     m.NumGC,
	}
}

// Sampler rate-limits heap reads and tracks the peak. A nil or disabled
// Sampler reports zero. It is not safe for concurrent use.
type Sampler struct {
	cfg      Config
	last     time.Time
	lastHeap uint64
	peak     uint64
	now      func() time.Time
	read     func() Stats
}

// NewSampler creates a sampler for cfg.
func NewSampler(cfg Config) *Sampler {
	return &Sampler{cfg: cfg, now: time.Now, read: Read}
}

// Heap returns the current heap allocation, refreshing at most once per
// MinInterval. Returns 0 when disabled.
func (s *Sampler) Heap() uint64 {
	if s == nil || !s.cfg.Enabled {
		return 0
	}
	now := s.now()
	if s.last.IsZero() || now.Sub(s.last) >= s.cfg.MinInterval {
		s.lastHeap = s.read().HeapAlloc
		s.last = now
		if s.lastHeap > s.peak {
			s.peak = s.lastHeap
		}
	}
	return s.lastHeap
}

// Peak returns the highest heap allocation sampled.
func (s *Sampler) Peak() uint64 {
	if s == nil {
		return 0
	}
	return s.peak
}

// StartPprof serves net/http/pprof on cfg.PprofAddr in the background.
func StartPprof(cfg Config, log zerolog.Logger) {
	if cfg.PprofAddr == "" {
		return
	}
	go func() {
		log.Info().Str("addr", cfg.PprofAddr).Msg("starting pprof server")
		if err := http.ListenAndServe(cfg.PprofAddr, nil); err != nil {
			log.Error().Err(err).Msg("pprof server failed")
		}
	}()
}
