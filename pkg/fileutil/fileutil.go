// Package fileutil provides tmp+rename file writes so readers never observe a
// half-written snapshot or report.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eunmann/deal-qap/pkg/logging"
)

// TmpSuffix marks in-progress files.
const TmpSuffix = ".tmp"

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsNonEmpty returns true if the file exists and has non-zero size.
func IsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// WriteTmpThenMove lets writeFunc produce outPath+".tmp" in the destination
// directory, fsyncs it, and renames it over outPath. On any failure the
// temporary file is removed and outPath is untouched.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + TmpSuffix
	if err := RemoveStaleTmp(outPath); err != nil {
		return err
	}

	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

// WriteFileAtomic streams write into outPath through WriteTmpThenMove.
func WriteFileAtomic(outPath string, write func(w io.Writer) error) error {
	return WriteTmpThenMove(outPath, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		if err := write(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// RemoveStaleTmp removes outPath's own leftover tmp file, such as one from a
// run that was killed mid-write. Other files in the directory are untouched.
func RemoveStaleTmp(outPath string) error {
	tmpPath := outPath + TmpSuffix
	err := os.Remove(tmpPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove stale temp file: %w", err)
	}
	logging.L().Debug().Str("path", tmpPath).Msg("removed stale tmp file")
	return nil
}
