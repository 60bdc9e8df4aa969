package report

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eunmann/deal-qap/pkg/dealagg"
)

func weightedResult() *dealagg.Result {
	return &dealagg.Result{
		Counters: dealagg.Counters{
			RowsExamined:     4,
			RowsMatched:      2,
			RowsSkippedEpoch: 1,
			RowsUnmatched:    1,
			VerifiedMatched:  1,
		},
		Profile:   "weighted",
		TotalSize: big.NewInt(110),
	}
}

func TestNew(t *testing.T) {
	start := time.Now().Add(-time.Second)
	r := New("run-1", start, IndexStats{Pieces: 2, Declared: big.NewInt(30)}, weightedResult())

	if r.TotalSizeBytes != "110" || r.DeclaredBytes != "30" {
		t.Errorf("totals = %s / %s", r.TotalSizeBytes, r.DeclaredBytes)
	}
	if r.RowsExamined != 4 || r.RowsMatched != 2 || r.Profile != "weighted" {
		t.Errorf("counters not copied: %+v", r)
	}
	if r.DurationMS < 1000 {
		t.Errorf("DurationMS = %d, want >= 1000", r.DurationMS)
	}
	if r.Total().Cmp(big.NewInt(110)) != 0 {
		t.Errorf("Total() = %s", r.Total())
	}

	// The report keeps its own copy of the total.
	res := weightedResult()
	r = New("run-2", start, IndexStats{}, res)
	res.TotalSize.SetInt64(1)
	if r.TotalSizeBytes != "110" || r.Total().Int64() != 110 {
		t.Error("report total aliases the result")
	}
}

func TestSummary(t *testing.T) {
	total, _ := new(big.Int).SetString("2305843009213693952", 10) // 2 EiB
	res := weightedResult()
	res.TotalSize = total
	r := New("run", time.Now(), IndexStats{}, res)

	var buf bytes.Buffer
	if err := r.Summary(&buf); err != nil {
		t.Fatal(err)
	}
	want := "Total size of QAP with deals: 2305843009213693952 bytes\n This is equivalent to 2.000000 EiB\n"
	if buf.String() != want {
		t.Errorf("Summary =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestWriteJSONAndLoad(t *testing.T) {
	total, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	res := weightedResult()
	res.TotalSize = total
	r := New("run", time.Now(), IndexStats{Pieces: 7, Duplicates: 1, Declared: big.NewInt(9)}, res)

	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"total_size_bytes": "123456789012345678901234567890"`) {
		t.Errorf("total not written as an exact string:\n%s", buf.String())
	}

	back, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Total().Cmp(total) != 0 || back.PiecesIndexed != 7 || back.DuplicatePieces != 1 {
		t.Errorf("round trip = %+v", back)
	}

	if _, err := Load(strings.NewReader(`{"total_size_bytes": "1e9"}`)); err == nil {
		t.Error("expected error for a non-integer total")
	}
}

type fakeUploader struct {
	uri  string
	body []byte
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, uri string, body []byte, _ string) error {
	f.uri, f.body = uri, body
	return f.err
}

func TestSave(t *testing.T) {
	r := New("run", time.Now(), IndexStats{}, weightedResult())

	t.Run("local", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reports", "run.json")
		if err := r.Save(context.Background(), path, nil); err != nil {
			t.Fatalf("Save: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Contains(data, []byte(`"run_id": "run"`)) {
			t.Errorf("unexpected file:\n%s", data)
		}
	})

	t.Run("s3", func(t *testing.T) {
		up := &fakeUploader{}
		if err := r.Save(context.Background(), "s3://bucket/run.json", up); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if up.uri != "s3://bucket/run.json" || !bytes.Contains(up.body, []byte(`"total_size_bytes": "110"`)) {
			t.Errorf("upload = %s %s", up.uri, up.body)
		}

		up.err = errors.New("AccessDenied")
		if err := r.Save(context.Background(), "s3://bucket/run.json", up); err == nil {
			t.Error("expected upload failure to surface")
		}
	})

	t.Run("s3 without uploader", func(t *testing.T) {
		if err := r.Save(context.Background(), "s3://bucket/run.json", nil); !errors.Is(err, ErrNoUploader) {
			t.Errorf("err = %v, want ErrNoUploader", err)
		}
	})
}
