package s3fetch

import (
	"errors"
	"strings"
)

// Scheme prefixes every S3 location accepted on the command line.
const Scheme = "s3://"

// URI is a parsed s3://bucket/key location.
type URI struct {
	Bucket string
	Key    string
}

func (u URI) String() string { return Scheme + u.Bucket + "/" + u.Key }

// IsURI reports whether s names an S3 object rather than a local path.
func IsURI(s string) bool { return strings.HasPrefix(s, Scheme) }

// ParseURI parses an S3 URI (s3://bucket/key). The key is required.
func ParseURI(uri string) (URI, error) {
	if !IsURI(uri) {
		return URI{}, errors.New("invalid S3 URI: must start with s3://")
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(uri, Scheme), "/")
	if bucket == "" {
		return URI{}, errors.New("invalid S3 URI: missing bucket name")
	}
	if key == "" {
		return URI{}, errors.New("invalid S3 URI: missing object key")
	}
	return URI{Bucket: bucket, Key: key}, nil
}
