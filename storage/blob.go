package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioBlobStore keeps code artifacts in an S3-compatible object store.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// MinioConfig holds object-store connection parameters.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Secure    bool   `yaml:"secure" json:"secure"`
}

// NewMinioBlobStore connects to the object store and ensures the bucket
// exists.
func NewMinioBlobStore(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*MinioBlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object-store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to probe bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioBlobStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(zap.String("component", "blob_store")),
	}, nil
}

// Put stores one blob under key.
func (m *MinioBlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to store blob %q: %w", key, err)
	}
	return nil
}

// Get loads one blob.
func (m *MinioBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %q: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %q: %w", key, err)
	}
	return data, nil
}

// Delete removes one blob. Deleting an absent key is not an error.
func (m *MinioBlobStore) Delete(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

// Ping checks object-store connectivity.
func (m *MinioBlobStore) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

// FileBlobStore keeps blobs on the local filesystem, one file per key.
// A single-host alternative when no object store is configured.
type FileBlobStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileBlobStore roots a FileBlobStore at dir, creating it if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FileBlobStore{root: dir}, nil
}

func (f *FileBlobStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

// Put stores one blob under key.
func (f *FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Get loads one blob.
func (f *FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return os.ReadFile(f.path(key))
}

// Delete removes one blob; absent keys succeed.
func (f *FileBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryBlobStore is the in-process blob store used by tests.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (m *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[key] = cp
	return nil
}

// Get loads one blob.
func (m *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes one blob; absent keys succeed.
func (m *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}
