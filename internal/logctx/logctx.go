// Package logctx carries a run-scoped logger through context.Context.
//
// The CLI attaches a logger enriched with run_id and profile; the piece index,
// the deal aggregator and the sources pick it up with FromContext so every
// event of a run can be correlated.
//
//	ctx = logctx.WithRun(ctx, logging.WithPhase("tally"), runID, "weighted")
//	log := logctx.FromContext(ctx)
package logctx

import (
	"context"

	"github.com/eunmann/deal-qap/pkg/logging"
	"github.com/rs/zerolog"
)

// loggerKey is the private key type for storing loggers in context.
type loggerKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context. If the context is nil
// or carries no logger, the global logging.L() logger is returned.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr returns a new context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithRun attaches base enriched with the run id and aggregation profile.
func WithRun(ctx context.Context, base zerolog.Logger, runID, profile string) context.Context {
	logger := base.With().Str("run_id", runID).Str("profile", profile).Logger()
	return WithLogger(ctx, logger)
}

// Phase returns the context logger with the phase field set.
func Phase(ctx context.Context, phase string) zerolog.Logger {
	return FromContext(ctx).With().Str("phase", phase).Logger()
}
