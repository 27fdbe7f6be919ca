package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds the connection settings of an S3 compatible bucket.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	// Prefix is prepended to every name, allowing several checkpoints per bucket.
	Prefix string
}

// MinIO stores blobs as objects in an S3 compatible bucket. A single PutObject
// call is atomic for readers, so no temp-and-rename step is needed.
type MinIO struct {
	mc     *minio.Client
	bucket string
	prefix string
}

var _ Store = (*MinIO)(nil)

// NewMinIO connects to the endpoint and creates the bucket if it does not exist.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: minio endpoint and bucket are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blob: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blob: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIO{mc: mc, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (m *MinIO) key(name string) string {
	return Join(m.prefix, name)
}

func (m *MinIO) Put(ctx context.Context, name string, data []byte) error {
	_, err := m.mc.PutObject(ctx, m.bucket, m.key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", name, err)
	}
	return nil
}

func (m *MinIO) Get(ctx context.Context, name string) ([]byte, error) {
	obj, err := m.mc.GetObject(ctx, m.bucket, m.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, m.translate(name, err)
	}
	defer obj.Close()
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		return nil, m.translate(name, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.translate(name, err)
	}
	return data, nil
}

func (m *MinIO) List(ctx context.Context, dir string) ([]string, error) {
	prefix := m.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	var names []string
	for obj := range m.mc.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: false}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("blob: list %s: %w", dir, obj.Err)
		}
		// Non-recursive listings report sub-directories as common prefixes.
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		names = append(names, path.Base(obj.Key))
	}
	sort.Strings(names)
	return names, nil
}

func (m *MinIO) Delete(ctx context.Context, name string) error {
	if err := m.mc.RemoveObject(ctx, m.bucket, m.key(name), minio.RemoveObjectOptions{}); err != nil {
		return m.translate(name, err)
	}
	return nil
}

func (m *MinIO) translate(name string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("blob: %s: %w", name, err)
}
