// Package s3fetch moves run inputs and reports between S3 and the local disk.
package s3fetch

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/humanfmt"
)

// API is the subset of *s3.Client the package uses.
type API interface {
	manager.DownloadAPIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client provides the S3 operations of a run.
type Client struct {
	api        API
	downloader *Downloader
}

// NewClient creates a client from the default AWS configuration chain.
func NewClient(ctx context.Context, cfg DownloaderConfig) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithAPI(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewClientWithAPI creates a client over an existing S3 API implementation.
func NewClientWithAPI(api API, cfg DownloaderConfig) *Client {
	return &Client{api: api, downloader: NewDownloader(api, cfg)}
}

// Fetch downloads uri into a temporary file. The caller removes it with
// LocalFile.Remove once the source built on it is closed.
func (c *Client) Fetch(ctx context.Context, uri string) (*LocalFile, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	log := logctx.Phase(ctx, "fetch")
	log.Info().Str("uri", uri).Msg("Downloading input...")

	f, err := c.downloader.DownloadToTemp(ctx, u)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("uri", uri).
		Str("path", f.Path).
		Int64("bytes", f.Result.BytesDownloaded).
		Str("bytes_h", humanfmt.Bytes(f.Result.BytesDownloaded)).
		Int64("duration_ms", f.Result.Duration.Milliseconds()).
		Msg("input downloaded")
	return f, nil
}

// Upload writes body to uri with a single PutObject.
func (c *Client) Upload(ctx context.Context, uri string, body []byte, contentType string) error {
	u, err := ParseURI(uri)
	if err != nil {
		return err
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.Bucket),
		Key:           aws.String(u.Key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", u, err)
	}
	log := logctx.FromContext(ctx)
	log.Info().Str("uri", uri).Int("bytes", len(body)).Msg("uploaded")
	return nil
}
