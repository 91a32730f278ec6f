package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reflectai/api/internal/config"
)

// Uploader stores exports in an S3-compatible bucket and hands out
// presigned download links.
type Uploader struct {
	client     *minio.Client
	bucket     string
	presignTTL time.Duration
}

func NewUploader(cfg config.ExportConfig) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Uploader{client: client, bucket: cfg.Bucket, presignTTL: ttl}, nil
}

// EnsureBucket creates the export bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Upload stores data under objectName and returns a presigned GET URL.
func (u *Uploader) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectName)))
	link, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, u.presignTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	return link.String(), nil
}
