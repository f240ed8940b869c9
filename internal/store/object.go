package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/animus-labs/animus-train/internal/storage/objectstore"
)

// ObjectStore keeps artifacts in a bucket under a key prefix.
type ObjectStore struct {
	layout
	objects objectstore.Store
	bucket  string
}

func NewObjectStore(objects objectstore.Store, bucket, prefix string) (*ObjectStore, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectStore{
		layout:  layout{root: strings.Trim(strings.TrimSpace(prefix), "/")},
		objects: objects,
		bucket:  bucket,
	}, nil
}

func (s *ObjectStore) Bucket() string {
	return s.bucket
}

func (s *ObjectStore) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.objects.Stat(ctx, s.bucket, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, objectstore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *ObjectStore) Read(ctx context.Context, p string) ([]byte, error) {
	body, _, err := s.objects.Get(ctx, s.bucket, p)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (s *ObjectStore) Write(ctx context.Context, p string, data []byte) error {
	return s.objects.Put(ctx, s.bucket, p, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
}

func (s *ObjectStore) Delete(ctx context.Context, p string) error {
	return s.objects.Delete(ctx, s.bucket, p)
}
