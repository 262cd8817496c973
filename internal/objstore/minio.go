package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fernwatch/camtrap/internal/config"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
)

type minioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the configured S3-compatible endpoint.
func NewMinioStore(cfg config.StorageConfig) (Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &minioStore{client: client}, nil
}

func (s *minioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, pkgerrors.Transient(fmt.Sprintf("failed to open object %s/%s", bucket, key), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, pkgerrors.Transient(fmt.Sprintf("failed to read object %s/%s", bucket, key), err)
	}
	return data, nil
}

func (s *minioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (string, error) {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{})
	if err != nil {
		return "", pkgerrors.Transient(fmt.Sprintf("failed to put object %s/%s", bucket, key), err)
	}
	return key, nil
}
