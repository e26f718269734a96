// Package reportstore persists report blobs content-addressed under
// reports/{domain}/{hash}.json.gz. Writes are deduplicated by an existence
// check, so re-uploading identical content is a cheap no-op.
package reportstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"lazypagespeed/contenthash"
)

var (
	ErrNotFound    = errors.New("report not found")
	ErrInvalidHash = errors.New("content hash must be 16 lowercase hex chars")
	ErrInvalidURL  = errors.New("invalid url format")
)

type PutStatus string

const (
	PutUploaded      PutStatus = "uploaded"
	PutAlreadyExists PutStatus = "already_exists"
)

const (
	contentTypeJSON = "application/json"
	encodingGzip    = "gzip"
)

// ObjectStore is the raw keyed-blob backend. The OSS implementation is
// used in production; the in-memory one backs tests and single-pod runs.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body []byte, contentType, contentEncoding string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Store struct {
	objects ObjectStore
}

func New(objects ObjectStore) *Store {
	return &Store{objects: objects}
}

// DomainForURL derives the storage partition from a report's source URL.
// Partitioning is by hostname: identical content under different hostnames
// is stored separately, intentionally.
func DomainForURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "", ErrInvalidURL
	}
	return u.Hostname(), nil
}

// ObjectKey builds the blob key for a validated (domain, hash) pair.
func ObjectKey(domain, hash string) string {
	return path.Join("reports", domain, hash+".json.gz")
}

// Put stores one gzip-compressed report blob. The hash is validated before
// it touches storage; a malformed token is rejected rather than joined
// into a key. Returns PutAlreadyExists without transferring bytes when the
// key is already present.
func (s *Store) Put(ctx context.Context, domain, hash string, gzBody []byte) (PutStatus, error) {
	if strings.TrimSpace(domain) == "" {
		return "", ErrInvalidURL
	}
	if !contenthash.ValidReportID(hash) {
		return "", ErrInvalidHash
	}

	key := ObjectKey(domain, hash)
	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("existence check failed: %w", err)
	}
	if exists {
		return PutAlreadyExists, nil
	}
	if err := s.objects.Put(ctx, key, gzBody, contentTypeJSON, encodingGzip); err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return PutUploaded, nil
}

// Get returns the compressed blob for a (domain, hash) pair; the caller
// decompresses.
func (s *Store) Get(ctx context.Context, domain, hash string) ([]byte, error) {
	if strings.TrimSpace(domain) == "" {
		return nil, ErrInvalidURL
	}
	if !contenthash.ValidReportID(hash) {
		return nil, ErrInvalidHash
	}
	return s.objects.Get(ctx, ObjectKey(domain, hash))
}

// Gzip compresses a serialized report for upload.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip restores a stored blob to its original bytes.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
