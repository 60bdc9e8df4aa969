package s3fetch

import (
	"context"
	"fmt"
	"os"
	"path"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: NumCPU clamped to [4, 16].
	Concurrency int

	// PartSize is the size of each download part in bytes.
	// Default: 16MB.
	PartSize int64

	// TempDir is the directory for downloaded inputs.
	// If empty, os.TempDir() is used.
	TempDir string
}

// DefaultDownloaderConfig returns defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := min(max(runtime.NumCPU(), 4), 16)
	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    16 * 1024 * 1024,
	}
}

func (c DownloaderConfig) withDefaults() DownloaderConfig {
	def := DefaultDownloaderConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PartSize <= 0 {
		c.PartSize = def.PartSize
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

// Downloader wraps the AWS S3 Download Manager. Snapshot, parquet and dump
// inputs are pulled in parallel ranges into a local file because the SQLite
// and parquet readers need random access.
type Downloader struct {
	manager *manager.Downloader
	config  DownloaderConfig
}

// NewDownloader creates a Downloader over any client that can GetObject.
func NewDownloader(api manager.DownloadAPIClient, cfg DownloaderConfig) *Downloader {
	cfg = cfg.withDefaults()
	mgr := manager.NewDownloader(api, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
		d.BufferProvider = manager.NewPooledBufferedWriterReadFromProvider(int(cfg.PartSize))
	})
	return &Downloader{manager: mgr, config: cfg}
}

// Config returns the downloader configuration.
func (d *Downloader) Config() DownloaderConfig { return d.config }

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	Duration        time.Duration
	Concurrency     int
	PartSize        int64
}

// LocalFile is a downloaded object. Remove deletes it; it is safe to call
// more than once.
type LocalFile struct {
	Path   string
	Result DownloadResult
	remove bool
}

// TempFile wraps an existing local file that Remove should delete.
func TempFile(path string) *LocalFile { return &LocalFile{Path: path, remove: true} }

// Remove deletes the file if it was created as a temporary download.
func (f *LocalFile) Remove() error {
	if f == nil || !f.remove {
		return nil
	}
	f.remove = false
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove downloaded file: %w", err)
	}
	return nil
}

// DownloadToTemp downloads the object into a new file under TempDir. The file
// name keeps the key's base name so extension-based logging stays readable.
func (d *Downloader) DownloadToTemp(ctx context.Context, u URI) (*LocalFile, error) {
	tmp, err := os.CreateTemp(d.config.TempDir, "dealqap-*-"+path.Base(u.Key))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	res, err := d.download(ctx, tmp, u)
	closeErr := tmp.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &LocalFile{Path: tmp.Name(), Result: res, remove: true}, nil
}

// DownloadToFile downloads the object to destPath. The file is kept.
func (d *Downloader) DownloadToFile(ctx context.Context, u URI, destPath string) (*LocalFile, error) {
	file, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create destination file: %w", err)
	}
	res, err := d.download(ctx, file, u)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close destination file: %w", closeErr)
	}
	if err != nil {
		os.Remove(destPath)
		return nil, err
	}
	return &LocalFile{Path: destPath, Result: res}, nil
}

func (d *Downloader) download(ctx context.Context, file *os.File, u URI) (DownloadResult, error) {
	start := time.Now()
	n, err := d.manager.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
	})
	if err != nil {
		return DownloadResult{}, fmt.Errorf("download %s: %w", u, err)
	}
	return DownloadResult{
		BytesDownloaded: n,
		Duration:        time.Since(start),
		Concurrency:     d.config.Concurrency,
		PartSize:        d.config.PartSize,
	}, nil
}
