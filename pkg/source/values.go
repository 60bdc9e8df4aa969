package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/eunmann/deal-qap/pkg/qaperr"
)

var (
	errMissing  = errors.New("value is missing")
	errNegative = errors.New("value is negative")
)

// DecodeCID converts a positional column value into a piece identifier.
func DecodeCID(v any) (string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", errMissing
	case string:
		s = x
	case []byte:
		s = string(x)
	case fmt.Stringer:
		s = x.String()
	default:
		return "", fmt.Errorf("unsupported identifier type %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errMissing
	}
	return s, nil
}

// DecodeSize converts a positional column value into a non-negative byte count.
// Integral floats are accepted because JSON-typed columns decode numbers as float64.
func DecodeSize(v any) (uint64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errMissing
	case uint64:
		return x, nil
	case uint32:
		return uint64(x), nil
	case int64:
		return nonNegative(x)
	case int32:
		return nonNegative(int64(x))
	case int16:
		return nonNegative(int64(x))
	case int:
		return nonNegative(int64(x))
	case float64:
		if x < 0 {
			return 0, errNegative
		}
		if x != math.Trunc(x) || x > 1<<53 {
			return 0, fmt.Errorf("size %v is not an exact integer", x)
		}
		return uint64(x), nil
	case json.Number:
		return parseSize(x.String())
	case string:
		return parseSize(x)
	case []byte:
		return parseSize(string(x))
	default:
		return 0, fmt.Errorf("unsupported size type %T", v)
	}
}

func nonNegative(n int64) (uint64, error) {
	if n < 0 {
		return 0, errNegative
	}
	return uint64(n), nil
}

func parseSize(s string) (uint64, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return 0, errMissing
	}
	if strings.HasPrefix(s, "-") {
		return 0, errNegative
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	return n, nil
}

// DecodeEpoch converts a positional column value into a chain epoch. Negative
// values are valid and mean the sector has not started.
func DecodeEpoch(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errMissing
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			return 0, fmt.Errorf("epoch %v is not an exact integer", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported epoch type %T", v)
	}
}

// DecodeBool converts a positional column value into a verification flag.
// SQLite stores booleans as integers, Postgres text output uses t/f.
func DecodeBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, errMissing
	case bool:
		return x, nil
	case int64:
		return intBool(x)
	case int32:
		return intBool(int64(x))
	case int:
		return intBool(int64(x))
	case string:
		return textBool(x)
	case []byte:
		return textBool(string(x))
	default:
		return false, fmt.Errorf("unsupported flag type %T", v)
	}
}

func intBool(n int64) (bool, error) {
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("flag %d is not 0 or 1", n)
}

func textBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "1":
		return true, nil
	case "f", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("flag %q is not a boolean", s)
}

// DecodePieceValues decodes a positional (cid, size) row. row is the 1-based
// row number used in error reports.
func DecodePieceValues(values []any, row int64) (Piece, error) {
	if len(values) < 2 {
		return Piece{}, malformed("pieces", row, "row", fmt.Errorf("expected 2 columns, got %d", len(values)))
	}
	cid, err := DecodeCID(values[0])
	if err != nil {
		return Piece{}, malformed("pieces", row, "piece_cid", err)
	}
	size, err := DecodeSize(values[1])
	if err != nil {
		return Piece{}, malformed("pieces", row, "piece_size", err)
	}
	return Piece{CID: cid, Size: size}, nil
}

// DecodeDealValues decodes a positional deal row: (cid, verified, epoch) when
// withVerified is set, (cid, epoch) otherwise.
func DecodeDealValues(values []any, withVerified bool, row int64) (DealRow, error) {
	want := 2
	if withVerified {
		want = 3
	}
	if len(values) < want {
		return DealRow{}, malformed("deals", row, "row", fmt.Errorf("expected %d columns, got %d", want, len(values)))
	}
	cid, err := DecodeCID(values[0])
	if err != nil {
		return DealRow{}, malformed("deals", row, "piece_cid", err)
	}
	d := DealRow{PieceCID: cid}
	epochIdx := 1
	if withVerified {
		d.Verified, err = DecodeBool(values[1])
		if err != nil {
			return DealRow{}, malformed("deals", row, "verified_deal", err)
		}
		d.HasVerified = true
		epochIdx = 2
	}
	d.SectorStartEpoch, err = DecodeEpoch(values[epochIdx])
	if err != nil {
		return DealRow{}, malformed("deals", row, "sector_start_epoch", err)
	}
	return d, nil
}

func malformed(src string, row int64, column string, err error) error {
	return qaperr.Malformed(src, row, column, err)
}
