package logging

import (
	"math/big"
	"time"

	"github.com/eunmann/deal-qap/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// DefaultProgressEvery is the row cadence of progress events.
const DefaultProgressEvery = 100_000

// RowProgress logs a progress event every N ticks. It is owned by a single
// goroutine and is not safe for concurrent use.
//
// The progress and completion helpers in this file take the phase from log,
// which should come from WithPhase or logctx.Phase.
type RowProgress struct {
	log       zerolog.Logger
	every     int64
	startTime time.Time
	lastTime  time.Time
	lastRows  int64
	emitted   int64
}

// NewRowProgress creates a progress logger that fires every `every` ticks.
// A non-positive cadence falls back to DefaultProgressEvery.
func NewRowProgress(log zerolog.Logger, every int64) *RowProgress {
	if every <= 0 {
		every = DefaultProgressEvery
	}
	now := time.Now()
	return &RowProgress{
		log:       log,
		every:     every,
		startTime: now,
		lastTime:  now,
	}
}

// Every returns the configured cadence.
func (p *RowProgress) Every() int64 { return p.every }

// Due reports whether tick n lands on the cadence.
func (p *RowProgress) Due(n int64) bool {
	return n > 0 && n%p.every == 0
}

// Emitted returns how many progress events were logged.
func (p *RowProgress) Emitted() int64 { return p.emitted }

// Log emits a progress event for the given counters. total may be nil when
// the phase has no running total; heapBytes is zero when heap diagnostics are
// off.
func (p *RowProgress) Log(rows, matched int64, total *big.Int, heapBytes uint64) {
	now := time.Now()
	window := now.Sub(p.lastTime)

	e := p.log.Info().
		Str("event", "progress").
		Int64("rows", rows).
		Int64("matched", matched).
		Int64("elapsed_ms", now.Sub(p.startTime).Milliseconds())

	if total != nil {
		e = e.Str("total_bytes", total.String())
	}

	if heapBytes > 0 {
		e = e.Uint64("heap_bytes", heapBytes)
	}
	if IsPrettyMode() {
		e = e.Str("rows_h", humanfmt.Count(rows)).
			Str("rate_h", humanfmt.Rate(rows-p.lastRows, window))
		if total != nil {
			e = e.Str("total_h", humanfmt.BigBytes(total))
		}
		if heapBytes > 0 {
			e = e.Str("heap_h", humanfmt.BytesUint64(heapBytes))
		}
	}
	e.Msgf("Processed %d pieces with deals.", rows)

	p.lastTime = now
	p.lastRows = rows
	p.emitted++
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int64 adds an int64 field.
func (ce *CompletionEvent) Int64(key string, val int64) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Count adds count with optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// BigBytes adds an arbitrary-precision byte total as a decimal string, with
// an optional human-readable companion.
func (ce *CompletionEvent) BigBytes(key string, b *big.Int) *CompletionEvent {
	ce.fields[key] = b.String()
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.BigBytes(b)
	}
	return ce
}

// Rate adds a rows-per-second field computed from the event's elapsed time.
func (ce *CompletionEvent) Rate(key string, rows int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields[key] = float64(rows) / ce.elapsed.Seconds()
		if IsPrettyMode() {
			ce.fields[key+"_h"] = humanfmt.Rate(rows, ce.elapsed)
		}
	}
	return ce
}

// Log emits the completion event.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the completion event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// PhaseComplete logs a phase completion event.
func PhaseComplete(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", elapsed)
}

// PhaseFailed logs a phase failure event. Failure events never carry totals.
func PhaseFailed(log zerolog.Logger, elapsed time.Duration, err error) {
	log.Error().
		Str("event", "phase_failed").
		Int64("duration_ms", elapsed.Milliseconds()).
		Err(err).
		Msg("phase failed")
}
