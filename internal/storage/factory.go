package storage

import (
	"strings"

	"github.com/timmy/reclaim/internal/config"
)

// NewPhotoStore creates a PhotoStore from configuration.
// Parameters:
//   - cfg: storage configuration including endpoint, credentials, and bucket.
// Returns:
//   - PhotoStore: S3-compatible client, or an in-memory store for type "memory".
//   - error: non-nil if the client cannot be created.
func NewPhotoStore(cfg *config.StorageConfig) (PhotoStore, error) {
	if cfg.Type == "memory" {
		return NewMemoryStore(cfg.PublicURL), nil
	}

	storeType := StorageType(cfg.Type)
	if storeType == "" || storeType == "minio" {
		storeType = detectStorageType(cfg.Endpoint)
	}
	return NewS3Storage(&S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)
	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case endpoint == "" || strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
