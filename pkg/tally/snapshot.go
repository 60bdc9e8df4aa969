package tally

import (
	"context"
	"fmt"

	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/eunmann/deal-qap/pkg/source/sqlitesource"
)

// Snapshot copies both datasets into a SQLite file that later runs can read
// with the sqlite source kind. Deals are copied unfiltered and with their
// verification flag so either profile can run against the snapshot.
func Snapshot(ctx context.Context, pieces source.BulkReader, deals source.Opener, path string, batchSize int, opts sqlitesource.SnapshotOptions) (sqlitesource.SnapshotStats, error) {
	streamOpts := source.StreamOptions{BatchSize: batchSize, IncludeVerified: true}
	streamOpts.Normalize()
	stream, err := deals(ctx, streamOpts)
	if err != nil {
		return sqlitesource.SnapshotStats{}, fmt.Errorf("open deal stream: %w", err)
	}
	defer stream.Close()
	return sqlitesource.WriteSnapshot(ctx, path, pieces, stream, opts)
}
