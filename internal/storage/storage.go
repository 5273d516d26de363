// Package storage uploads finished clips to MinIO or any S3 compatible store.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the subset of *minio.Client used for uploads.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader copies clips under an s3://bucket/prefix destination.
type Uploader struct {
	client ObjectStore
	bucket string
	prefix string
	region string
	logger *slog.Logger
}

// ParseDestination splits "s3://bucket/some/prefix" into bucket and prefix.
func ParseDestination(dest string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(dest, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid s3 destination %q: must start with s3://", dest)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid s3 destination %q: missing bucket", dest)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// New connects to the configured endpoint.
func New(cfg config.S3Config, logger *slog.Logger) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	u, err := NewWithClient(client, cfg.Destination, logger)
	if err != nil {
		return nil, err
	}
	u.region = cfg.Region
	return u, nil
}

// NewWithClient builds an uploader on an existing client.
func NewWithClient(client ObjectStore, dest string, logger *slog.Logger) (*Uploader, error) {
	bucket, prefix, err := ParseDestination(dest)
	if err != nil {
		return nil, err
	}
	return &Uploader{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// Upload stores the file at localPath under the destination prefix, creating the bucket
// if needed, and returns its s3:// location.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		u.logger.Info("creating bucket", "bucket", u.bucket)
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return "", fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	object := path.Join(u.prefix, filepath.Base(localPath))
	info, err := u.client.FPutObject(ctx, u.bucket, object, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", localPath, err)
	}

	location := fmt.Sprintf("s3://%s/%s", u.bucket, object)
	u.logger.Info("uploaded clip", "location", location, "bytes", info.Size)
	return location, nil
}

// ContentType maps clip and playlist extensions to MIME types.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ts", ".m2ts", ".mts":
		return "video/mp2t"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".m4a":
		return "audio/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	default:
		return "application/octet-stream"
	}
}
