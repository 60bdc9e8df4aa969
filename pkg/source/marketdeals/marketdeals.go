// Package marketdeals streams deals out of a StateMarketDeals chain dump: one
// JSON object keyed by deal ID, optionally zstd-compressed. The object is read
// token by token so only one deal is decoded at a time.
package marketdeals

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// deal is the subset of a market deal the tally needs.
type deal struct {
	Proposal struct {
		PieceCID struct {
			Root string `json:"/"`
		} `json:"PieceCID"`
		VerifiedDeal *bool `json:"VerifiedDeal"`
	} `json:"Proposal"`
	State struct {
		SectorStartEpoch *int64 `json:"SectorStartEpoch"`
	} `json:"State"`
}

// Opener returns a source.Opener reading the dump at path. Compression is
// detected from the content, not the file name.
func Opener(path string) source.Opener {
	return func(ctx context.Context, opts source.StreamOptions) (source.RowStream, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, qaperr.Unavailable("deals", err)
		}
		s, err := NewStream(f, opts)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.file = f
		log := logctx.FromContext(ctx)
		log.Info().
			Str("path", path).
			Bool("zstd", s.zr != nil).
			Msg("streaming StateMarketDeals dump")
		return s, nil
	}
}

// Stream implements source.RowStream over a dump.
type Stream struct {
	dec          *json.Decoder
	zr           *zstd.Decoder
	file         io.Closer
	withVerified bool
	activeOnly   bool
	row          int64
	started      bool
	term         source.Terminal
}

// NewStream reads a dump from r, decompressing it when it starts with the
// zstd frame magic. Closing the stream does not close r.
func NewStream(r io.Reader, opts source.StreamOptions) (*Stream, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	s := &Stream{withVerified: opts.IncludeVerified, activeOnly: opts.ActiveOnly}

	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, qaperr.Unavailable("deals", err)
	}
	var in io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, qaperr.Unavailable("deals", fmt.Errorf("zstd: %w", err))
		}
		s.zr = zr
		in = zr
	}
	s.dec = json.NewDecoder(in)
	return s, nil
}

// Next implements source.RowStream.
func (s *Stream) Next(ctx context.Context) (source.DealRow, error) {
	for {
		if err := s.term.Done(); err != nil {
			return source.DealRow{}, err
		}
		if err := ctx.Err(); err != nil {
			return source.DealRow{}, s.term.Finish(err)
		}
		row, err := s.next()
		if err != nil {
			return source.DealRow{}, s.term.Finish(err)
		}
		if s.activeOnly && row.SectorStartEpoch < 0 {
			continue
		}
		return row, nil
	}
}

func (s *Stream) next() (source.DealRow, error) {
	if !s.started {
		if err := s.expectDelim('{'); err != nil {
			return source.DealRow{}, err
		}
		s.started = true
	}
	if !s.dec.More() {
		if err := s.expectDelim('}'); err != nil {
			return source.DealRow{}, err
		}
		return source.DealRow{}, io.EOF
	}

	s.row++
	key, err := s.dec.Token()
	if err != nil {
		return source.DealRow{}, fmt.Errorf("read deal %d key: %w", s.row, err)
	}
	id, _ := key.(string)

	var d deal
	if err := s.dec.Decode(&d); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) || errors.Is(err, io.ErrUnexpectedEOF) {
			return source.DealRow{}, fmt.Errorf("deal %s: %w", id, err)
		}
		return source.DealRow{}, qaperr.Malformed("deals", s.row, "row", fmt.Errorf("deal %s: %w", id, err))
	}
	return s.toRow(id, d)
}

func (s *Stream) toRow(id string, d deal) (source.DealRow, error) {
	if d.Proposal.PieceCID.Root == "" {
		return source.DealRow{}, qaperr.Malformed("deals", s.row, "piece_cid", fmt.Errorf("deal %s has no Proposal.PieceCID", id))
	}
	if d.State.SectorStartEpoch == nil {
		return source.DealRow{}, qaperr.Malformed("deals", s.row, "sector_start_epoch", fmt.Errorf("deal %s has no State.SectorStartEpoch", id))
	}
	row := source.DealRow{
		PieceCID:         d.Proposal.PieceCID.Root,
		SectorStartEpoch: *d.State.SectorStartEpoch,
	}
	if s.withVerified {
		if d.Proposal.VerifiedDeal == nil {
			return source.DealRow{}, qaperr.Malformed("deals", s.row, "verified_deal", fmt.Errorf("deal %s has no Proposal.VerifiedDeal", id))
		}
		row.Verified = *d.Proposal.VerifiedDeal
		row.HasVerified = true
	}
	return row, nil
}

func (s *Stream) expectDelim(want json.Delim) error {
	tok, err := s.dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("dump ended before %q: %w", want, io.ErrUnexpectedEOF)
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return qaperr.Malformed("deals", s.row, "row", fmt.Errorf("expected %q, got %v", want, tok))
	}
	return nil
}

// Close implements source.RowStream.
func (s *Stream) Close() error {
	if s.zr != nil {
		s.zr.Close()
		s.zr = nil
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
