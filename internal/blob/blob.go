// Package blob is the object storage collaborator: direct-upload grants,
// uploads, downloads and removal of objects addressed by key.
package blob

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// ErrExists is returned when a single-use upload targets an existing object.
var ErrExists = errors.New("blob: object already exists")

var (
	ErrInvalidToken = errors.New("blob: invalid upload token")
	ErrTooLarge     = errors.New("blob: upload too large")
)

// UploadGrant lets a client write one object directly to storage.
type UploadGrant struct {
	Key       string            `json:"file_path"`
	URL       string            `json:"upload_url"`
	Method    string            `json:"method"`
	Token     string            `json:"upload_token"`
	Headers   map[string]string `json:"upload_headers"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Store is implemented by the S3 and local filesystem backends.
type Store interface {
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (UploadGrant, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, keys ...string) error
}

// CleanKey normalises a key and rejects ones that escape the store root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("blob: empty key")
	}
	cleaned := path.Clean("/" + key)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.Contains(key, "..") {
		return "", errors.New("blob: invalid key")
	}
	return cleaned, nil
}
