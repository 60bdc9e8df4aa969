// Package cli implements the command-line interface for dealqap.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eunmann/deal-qap/internal/config"
	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/dealagg"
	"github.com/eunmann/deal-qap/pkg/fileutil"
	"github.com/eunmann/deal-qap/pkg/humanfmt"
	"github.com/eunmann/deal-qap/pkg/logging"
	"github.com/eunmann/deal-qap/pkg/membudget"
	"github.com/eunmann/deal-qap/pkg/memdiag"
	"github.com/eunmann/deal-qap/pkg/metrics"
	"github.com/eunmann/deal-qap/pkg/metrics/datadog"
	"github.com/eunmann/deal-qap/pkg/metrics/prompush"
	"github.com/eunmann/deal-qap/pkg/report"
	"github.com/eunmann/deal-qap/pkg/s3fetch"
	"github.com/eunmann/deal-qap/pkg/source/sqlitesource"
	"github.com/eunmann/deal-qap/pkg/sysmem"
	"github.com/eunmann/deal-qap/pkg/tally"
	"github.com/google/uuid"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

const usage = "usage: dealqap <command> [options]\ncommands: tally, index, snapshot, version"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	return run(context.Background(), args, os.Getenv, os.Stdout)
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "tally":
		return runTally(ctx, args[1:], getenv, stdout)
	case "index":
		return runIndex(ctx, args[1:], getenv, stdout)
	case "snapshot":
		return runSnapshot(ctx, args[1:], getenv, stdout)
	case "version":
		_, err := fmt.Fprintf(stdout, "dealqap %s\n", Version)
		return err
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// session is the state every command shares once flags are parsed.
type session struct {
	cfg     *config.Config
	ctx     context.Context
	runID   string
	profile dealagg.Profile
	s3      *s3fetch.Client

	prevMetrics metrics.Backend
}

func newSession(ctx context.Context, fs *flag.FlagSet, args []string, getenv func(string) string, piecesOnly bool) (*session, error) {
	cfg, err := config.LoadFromArgs(fs, getenv, args)
	if err != nil {
		return nil, err
	}
	if piecesOnly {
		err = cfg.ValidatePieces()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	profile, err := dealagg.ProfileByName(cfg.Profile)
	if err != nil {
		return nil, err
	}

	logging.Init(cfg.LogDebug, cfg.LogHuman)
	runID := uuid.NewString()
	s := &session{
		cfg:     cfg,
		ctx:     logctx.WithRun(ctx, *logging.L(), runID, profile.Name),
		runID:   runID,
		profile: profile,
	}

	backend, err := newMetricsBackend(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	if backend != nil {
		s.prevMetrics = metrics.Current()
		metrics.SetBackend(backend)
	}
	return s, nil
}

// needS3 creates the S3 client when any of paths is an s3:// URI.
func (s *session) needS3(paths ...string) error {
	for _, p := range paths {
		if !s3fetch.IsURI(p) {
			continue
		}
		dlCfg := s3fetch.DefaultDownloaderConfig()
		dlCfg.TempDir = s.cfg.TempDir
		client, err := s3fetch.NewClient(s.ctx, dlCfg)
		if err != nil {
			return err
		}
		s.s3 = client
		return nil
	}
	return nil
}

func (s *session) fetcher() tally.Fetcher {
	if s.s3 == nil {
		return nil
	}
	return s.s3
}

func (s *session) uploader() report.Uploader {
	if s.s3 == nil {
		return nil
	}
	return s.s3
}

// close flushes the metrics backend and restores the previous one.
func (s *session) close() {
	if s.prevMetrics == nil {
		return
	}
	if err := metrics.Flush(); err != nil {
		log := logctx.FromContext(s.ctx)
		log.Warn().Err(err).Msg("failed to flush metrics")
	}
	metrics.SetBackend(s.prevMetrics)
}

type sourcesCloser interface {
	Close(ctx context.Context) error
}

// closeSources releases srcs, logging rather than returning a close failure.
func (s *session) closeSources(srcs sourcesCloser) {
	if err := srcs.Close(s.ctx); err != nil {
		log := logctx.FromContext(s.ctx)
		log.Warn().Err(err).Msg("failed to close sources")
	}
}

func newMetricsBackend(mc config.MetricsConfig) (metrics.Backend, error) {
	switch mc.Backend {
	case config.MetricsPromPush:
		b, err := prompush.NewBackend(mc.PushJob, mc.PushgatewayURL)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.MetricsDatadog:
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       mc.DatadogAddr,
			Namespace:  mc.DatadogNamespace,
			GlobalTags: mc.DatadogTags,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, nil
	}
}

// logBudget records the index budget next to what the machine reports.
func logBudget(ctx context.Context, b *membudget.Budget) {
	mem := sysmem.Total()
	limit := "unlimited"
	if !b.Unlimited() {
		limit = humanfmt.BytesUint64(b.Total())
	}
	log := logctx.Phase(ctx, tally.PhaseBuildIndex)
	log.Info().
		Str("budget", limit).
		Str("budget_source", string(b.Source())).
		Str("system_total", humanfmt.BytesUint64(mem.TotalBytes)).
		Str("system_available", humanfmt.BytesUint64(mem.AvailableBytes)).
		Bool("system_detected", mem.Reliable).
		Msg("piece index memory budget")
}

func runTally(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tally", flag.ContinueOnError)
	s, err := newSession(ctx, fs, args, getenv, false)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.needS3(s.cfg.Pieces.Path, s.cfg.Deals.Path, s.cfg.Report); err != nil {
		return err
	}

	budget, err := s.cfg.Budget()
	if err != nil {
		return err
	}
	logBudget(s.ctx, budget)
	diag := memdiag.FromEnv(getenv)
	memdiag.StartPprof(diag, logctx.Phase(s.ctx, "pprof"))

	srcs, err := tally.Open(s.ctx, s.cfg, s.fetcher())
	if err != nil {
		return err
	}
	defer s.closeSources(srcs)

	rep, err := tally.Run(s.ctx, srcs.Pieces, srcs.Deals, tally.Options{
		RunID:         s.runID,
		Profile:       s.profile,
		BatchSize:     s.cfg.BatchSize,
		ProgressEvery: s.cfg.ProgressEvery,
		Budget:        budget,
		Heap:          memdiag.NewSampler(diag),
	})
	if err != nil {
		return err
	}

	if err := rep.Summary(stdout); err != nil {
		return err
	}
	if s.cfg.Report != "" {
		if err := rep.Save(s.ctx, s.cfg.Report, s.uploader()); err != nil {
			return err
		}
		log := logctx.FromContext(s.ctx)
		log.Info().Str("report", s.cfg.Report).Msg("wrote report")
	}
	return nil
}

func runIndex(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	s, err := newSession(ctx, fs, args, getenv, true)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.needS3(s.cfg.Pieces.Path); err != nil {
		return err
	}

	budget, err := s.cfg.Budget()
	if err != nil {
		return err
	}
	logBudget(s.ctx, budget)
	srcs, err := tally.OpenPieces(s.ctx, s.cfg, s.fetcher())
	if err != nil {
		return err
	}
	defer s.closeSources(srcs)

	idx, err := tally.BuildIndex(s.ctx, srcs.Pieces, tally.Options{Profile: s.profile, Budget: budget})
	if err != nil {
		return err
	}
	defer idx.Release(budget)

	declared := idx.DeclaredBytes()
	_, err = fmt.Fprintf(stdout, "Indexed %d pieces from %d rows (%d duplicate CIDs)\nDeclared size: %s bytes (%s)\n",
		idx.Len(), idx.Rows(), idx.Duplicates(), declared, humanfmt.BigBytes(declared))
	return err
}

func runSnapshot(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	out := fs.String("out", "", "SQLite file to write")
	insertBatch := fs.Int("insert-batch", 0, "rows per INSERT statement")
	force := fs.Bool("force", false, "replace an existing snapshot")

	s, err := newSession(ctx, fs, args, getenv, false)
	if err != nil {
		return err
	}
	defer s.close()
	if *out == "" {
		return errors.New("--out is required")
	}
	if s3fetch.IsURI(*out) {
		return errors.New("--out must be a local path")
	}
	if fileutil.IsNonEmpty(*out) && !*force {
		return fmt.Errorf("%s already exists; pass --force to replace it", *out)
	}
	if err := fileutil.RemoveStaleTmp(*out); err != nil {
		return err
	}
	if err := s.needS3(s.cfg.Pieces.Path, s.cfg.Deals.Path); err != nil {
		return err
	}

	srcs, err := tally.Open(s.ctx, s.cfg, s.fetcher())
	if err != nil {
		return err
	}
	defer s.closeSources(srcs)

	start := time.Now()
	stats, err := tally.Snapshot(s.ctx, srcs.Pieces, srcs.Deals, *out, s.cfg.BatchSize, sqlitesource.SnapshotOptions{
		InsertBatch:   *insertBatch,
		ProgressEvery: s.cfg.ProgressEvery,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "Wrote %d pieces and %d deals to %s in %s\n",
		stats.Pieces, stats.Deals, *out, humanfmt.Duration(time.Since(start)))
	return err
}
