package objstore

import (
	"context"
	"io"
)

// Store is the content-addressable object storage capability: get/put of
// image bytes by bucket+key.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (string, error)
}
