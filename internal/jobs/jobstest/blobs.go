package jobstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"document-formatter/internal/blob"
)

// Blobs is an in-memory blob.Store. Setting a Fail* field makes the matching
// operation return that error.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte

	FailPresign error
	FailPut     error
	FailGet     error
	FailRemove  error
}

var _ blob.Store = (*Blobs)(nil)

func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string][]byte)}
}

func (b *Blobs) PresignUpload(_ context.Context, key string, ttl time.Duration) (blob.UploadGrant, error) {
	if b.FailPresign != nil {
		return blob.UploadGrant{}, b.FailPresign
	}
	return blob.UploadGrant{
		Key:       key,
		URL:       "https://blobs.test/" + key + "?sig=test",
		Method:    "PUT",
		Headers:   map[string]string{},
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

func (b *Blobs) Put(_ context.Context, key string, body []byte, _ string) error {
	if b.FailPut != nil {
		return b.FailPut
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), body...)
	return nil
}

func (b *Blobs) Get(_ context.Context, key string) ([]byte, error) {
	if b.FailGet != nil {
		return nil, b.FailGet
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (b *Blobs) Remove(_ context.Context, keys ...string) error {
	if b.FailRemove != nil {
		return b.FailRemove
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.objects, k)
	}
	return nil
}

// Has reports whether key is stored.
func (b *Blobs) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

// Keys lists stored keys in order.
func (b *Blobs) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
