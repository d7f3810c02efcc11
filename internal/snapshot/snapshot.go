// Package snapshot stores preview screenshots as JPEG files or objects.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store persists one encoded screenshot and returns where it went.
type Store interface {
	Save(ctx context.Context, ts time.Time, jpeg []byte) (string, error)
}

// FileName is the screenshot name for ts, e.g.
// emotion_screenshot_20260117_142503.120.jpg.
func FileName(ts time.Time) string {
	return "emotion_screenshot_" + ts.Format("20060102_150405.000") + ".jpg"
}

// DirStore writes screenshots into a local directory.
type DirStore struct {
	dir string
}

// NewDirStore creates dir if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Save never overwrites: a name collision gets a numeric suffix.
func (s *DirStore) Save(_ context.Context, ts time.Time, jpeg []byte) (string, error) {
	base := FileName(ts)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for i := 0; i < 100; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(s.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create screenshot: %w", err)
		}
		if _, err := f.Write(jpeg); err != nil {
			f.Close()
			return "", fmt.Errorf("write screenshot: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close screenshot: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("screenshot name %s: too many collisions", base)
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinIOStore uploads screenshots to an S3-compatible bucket.
type MinIOStore struct {
	client *miniogo.Client
	bucket string
}

func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *MinIOStore) Save(ctx context.Context, ts time.Time, jpeg []byte) (string, error) {
	key := ts.Format("2006/01/02/") + FileName(ts)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(jpeg), int64(len(jpeg)), miniogo.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
