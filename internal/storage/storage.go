// Package storage keeps chat attachments in an S3-compatible bucket
// (Cloudflare R2 in production) and serves them back for download.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/xid"
)

var (
	ErrFileTooLarge   = errors.New("file too large")
	ErrTypeNotAllowed = errors.New("file type not allowed")
	ErrInvalidURL     = errors.New("invalid file url")
	ErrNotFound       = errors.New("file not found")
)

// AllowedTypes are the MIME types accepted for upload.
var AllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"video/mp4",
	"video/webm",
	"audio/mpeg",
	"audio/wav",
}

func TypeAllowed(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range AllowedTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is the subset of the S3 API used here.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string, metadata map[string]string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

type Config struct {
	Bucket    string
	PublicURL string
	MaxBytes  int64
}

type Service struct {
	objects   ObjectStore
	bucket    string
	publicURL string
	maxBytes  int64
	now       func() time.Time
}

func NewService(objects ObjectStore, cfg Config) *Service {
	return &Service{
		objects:   objects,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		maxBytes:  cfg.MaxBytes,
		now:       time.Now,
	}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// File is the result of a successful upload.
type File struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	URL          string `json:"url"`
}

// Upload validates and stores an attachment under a fresh unique key.
func (s *Service) Upload(ctx context.Context, r io.Reader, size int64, originalName, contentType, uploadedBy string) (File, error) {
	if s.maxBytes > 0 && size > s.maxBytes {
		return File{}, ErrFileTooLarge
	}
	if !TypeAllowed(contentType) {
		return File{}, fmt.Errorf("%w: %s", ErrTypeNotAllowed, contentType)
	}

	now := s.now().UTC()
	key := s.newKey(now, originalName)
	metadata := map[string]string{
		// S3 metadata must be ASCII.
		"originalName": url.QueryEscape(originalName),
		"uploadedBy":   uploadedBy,
		"uploadTime":   now.Format(time.RFC3339),
	}
	if err := s.objects.Put(ctx, s.bucket, key, r, size, contentType, metadata); err != nil {
		return File{}, fmt.Errorf("put object %s: %w", key, err)
	}

	return File{
		Filename:     key,
		OriginalName: originalName,
		Size:         size,
		Type:         contentType,
		URL:          s.publicURL + "/" + key,
	}, nil
}

func (s *Service) newKey(now time.Time, originalName string) string {
	ext := strings.TrimPrefix(path.Ext(originalName), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%d-%s.%s", now.UnixMilli(), xid.NewWithTime(now).String(), strings.ToLower(ext))
}

// KeyFromURL returns the object key of a public file URL. URLs outside the
// public bucket are rejected.
func (s *Service) KeyFromURL(fileURL string) (string, error) {
	prefix := s.publicURL + "/"
	if s.publicURL == "" || !strings.HasPrefix(fileURL, prefix) {
		return "", ErrInvalidURL
	}
	raw := strings.TrimPrefix(fileURL, prefix)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	key, err := url.PathUnescape(raw)
	if err != nil || key == "" || strings.Contains(key, "..") {
		return "", ErrInvalidURL
	}
	return key, nil
}

// Open streams the object behind a public file URL.
func (s *Service) Open(ctx context.Context, fileURL string) (io.ReadCloser, ObjectInfo, error) {
	key, err := s.KeyFromURL(fileURL)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return s.objects.Get(ctx, s.bucket, key)
}

// Ping checks that the bucket is reachable.
func (s *Service) Ping(ctx context.Context) error {
	exists, err := s.objects.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
