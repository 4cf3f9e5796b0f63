package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectPutter is the part of *minio.Client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// BucketConfig points at an S3-compatible bucket. PublicURL is the prefix objects
// are served from; it defaults to the path-style bucket URL.
type BucketConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Insecure  bool
	PublicURL string
}

// BucketStore uploads deliverables to object storage and hands out public URLs.
type BucketStore struct {
	client    ObjectPutter
	bucket    string
	publicURL string
}

func NewBucketStore(cfg BucketConfig) (*BucketStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage client: %w", err)
	}
	public := cfg.PublicURL
	if public == "" {
		public = client.EndpointURL().String() + "/" + cfg.Bucket
	}
	return NewBucketStoreWithClient(client, cfg.Bucket, public), nil
}

func NewBucketStoreWithClient(client ObjectPutter, bucket, publicURL string) *BucketStore {
	return &BucketStore{client: client, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/")}
}

func (s *BucketStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := "deliverables/" + uuid.NewString() + extensionFor(contentType)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return s.publicURL + "/" + name, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "text/markdown":
		return ".md"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
