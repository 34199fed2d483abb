package archive

import (
	"bytes"
	"context"
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
)

// ObjectStore is the archival target. Put must overwrite an existing
// object so re-running a sync after a partial failure is idempotent.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// SupabaseStore archives into a Supabase storage bucket.
type SupabaseStore struct {
	client *storage_go.Client
	bucket string
}

// NewSupabaseStore wraps an authenticated storage client.
func NewSupabaseStore(url, serviceKey, bucket string) *SupabaseStore {
	return &SupabaseStore{
		client: storage_go.NewClient(url, serviceKey, nil),
		bucket: bucket,
	}
}

func (s *SupabaseStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	upsert := true
	opts := storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}
	if _, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (s *SupabaseStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}
