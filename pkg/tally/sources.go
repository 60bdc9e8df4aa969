package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/eunmann/deal-qap/internal/config"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/s3fetch"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/eunmann/deal-qap/pkg/source/marketdeals"
	"github.com/eunmann/deal-qap/pkg/source/parquetsource"
	"github.com/eunmann/deal-qap/pkg/source/pgsource"
	"github.com/eunmann/deal-qap/pkg/source/sqlitesource"
	"golang.org/x/sync/errgroup"
)

// Fetcher downloads s3:// inputs to local files.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*s3fetch.LocalFile, error)
}

// Sources holds the two opened datasets.
type Sources struct {
	Pieces source.BulkReader
	Deals  source.Opener

	sides [2]*side
}

type closer func(ctx context.Context) error

type side struct {
	pieces  source.BulkReader
	deals   source.Opener
	closers []closer
}

func (s *side) onClose(fn closer) { s.closers = append(s.closers, fn) }

// close runs the closers newest first so a database closes before the file
// under it is removed.
func (s *side) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open connects both datasets concurrently. Remote files are fetched through
// fetch, which may be nil when no path is an s3:// URI. Nothing is queried:
// the index build and the deal stream still run strictly one after the other.
func Open(ctx context.Context, cfg *config.Config, fetch Fetcher) (*Sources, error) {
	pieces, deals := &side{}, &side{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return openPieces(gctx, pieces, cfg.Pieces, fetch) })
	g.Go(func() error { return openDeals(gctx, deals, cfg.Deals, fetch) })
	err := g.Wait()

	s := &Sources{Pieces: pieces.pieces, Deals: deals.deals, sides: [2]*side{pieces, deals}}
	if err != nil {
		if cerr := s.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	return s, nil
}

// OpenPieces opens only the piece dataset. Deals is left nil.
func OpenPieces(ctx context.Context, cfg *config.Config, fetch Fetcher) (*Sources, error) {
	pieces := &side{}
	s := &Sources{sides: [2]*side{pieces, nil}}
	if err := openPieces(ctx, pieces, cfg.Pieces, fetch); err != nil {
		if cerr := s.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	s.Pieces = pieces.pieces
	return s, nil
}

// Close releases both datasets, pieces first.
func (s *Sources) Close(ctx context.Context) error {
	var errs []error
	for _, sd := range s.sides {
		if sd == nil {
			continue
		}
		if err := sd.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openPieces(ctx context.Context, s *side, sc config.SourceConfig, fetch Fetcher) error {
	const name = "pieces"
	switch sc.Kind {
	case config.KindPostgres:
		db, err := pgsource.Connect(ctx, "Singularity", sc.Postgres.ConnString())
		if err != nil {
			return err
		}
		s.onClose(db.Close)
		s.pieces = db.Pieces(sc.Query)
	case config.KindSQLite:
		db, err := openSQLite(ctx, s, name, sc.Path, fetch)
		if err != nil {
			return err
		}
		s.pieces = db.Pieces(sc.Query)
	case config.KindParquet:
		f, err := openParquet(ctx, s, name, sc.Path, fetch)
		if err != nil {
			return err
		}
		s.pieces = f.Pieces()
	default:
		return fmt.Errorf("%s: unsupported source kind %q", name, sc.Kind)
	}
	return nil
}

func openDeals(ctx context.Context, s *side, sc config.SourceConfig, fetch Fetcher) error {
	const name = "deals"
	switch sc.Kind {
	case config.KindPostgres:
		db, err := pgsource.Connect(ctx, "StateMarketDeals", sc.Postgres.ConnString())
		if err != nil {
			return err
		}
		s.onClose(db.Close)
		s.deals = db.Deals(sc.Table, sc.Query)
	case config.KindSQLite:
		db, err := openSQLite(ctx, s, name, sc.Path, fetch)
		if err != nil {
			return err
		}
		s.deals = db.Deals(sc.Query)
	case config.KindParquet:
		f, err := openParquet(ctx, s, name, sc.Path, fetch)
		if err != nil {
			return err
		}
		s.deals = f.Deals()
	case config.KindMarketDeals:
		path, err := localPath(ctx, s, name, sc.Path, fetch)
		if err != nil {
			return err
		}
		s.deals = marketdeals.Opener(path)
	default:
		return fmt.Errorf("%s: unsupported source kind %q", name, sc.Kind)
	}
	return nil
}

func openSQLite(ctx context.Context, s *side, name, path string, fetch Fetcher) (*sqlitesource.DB, error) {
	local, err := localPath(ctx, s, name, path, fetch)
	if err != nil {
		return nil, err
	}
	db, err := sqlitesource.Open(ctx, name, local)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) error { return db.Close() })
	return db, nil
}

func openParquet(ctx context.Context, s *side, name, path string, fetch Fetcher) (*parquetsource.File, error) {
	local, err := localPath(ctx, s, name, path, fetch)
	if err != nil {
		return nil, err
	}
	f, err := parquetsource.Open(ctx, name, local)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) error { return f.Close() })
	return f, nil
}

// localPath returns path unchanged, or downloads it when it is an s3:// URI
// and schedules the download for removal.
func localPath(ctx context.Context, s *side, name, path string, fetch Fetcher) (string, error) {
	if !s3fetch.IsURI(path) {
		return path, nil
	}
	if fetch == nil {
		return "", fmt.Errorf("%s: %s is on S3 but no S3 client is configured", name, path)
	}
	f, err := fetch.Fetch(ctx, path)
	if err != nil {
		return "", qaperr.Unavailable(name, err)
	}
	s.onClose(func(context.Context) error { return f.Remove() })
	return f.Path, nil
}
