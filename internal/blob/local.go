package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const uploadAudience = "blob-upload"

// LocalStore keeps objects under a directory and issues signed upload URLs
// that the API accepts on PUT /api/uploads.
type LocalStore struct {
	baseDir   string
	publicURL string
	secret    []byte
}

type uploadClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// NewLocalStore builds a filesystem store rooted at baseDir. publicURL is the
// externally reachable API base used in upload grants.
func NewLocalStore(baseDir, publicURL, secret string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, errors.New("local blob: empty base dir")
	}
	if secret == "" {
		return nil, errors.New("local blob: empty signing secret")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalStore{
		baseDir:   baseDir,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    []byte(secret),
	}, nil
}

func (l *LocalStore) PresignUpload(_ context.Context, key string, ttl time.Duration) (UploadGrant, error) {
	key, err := CleanKey(key)
	if err != nil {
		return UploadGrant{}, err
	}
	now := time.Now()
	expires := now.Add(ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, uploadClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{uploadAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}).SignedString(l.secret)
	if err != nil {
		return UploadGrant{}, fmt.Errorf("sign upload token: %w", err)
	}
	return UploadGrant{
		Key:       key,
		URL:       l.publicURL + "/api/uploads?token=" + url.QueryEscape(token),
		Method:    "PUT",
		Token:     token,
		Headers:   map[string]string{"Content-Type": "application/octet-stream"},
		ExpiresAt: expires.UTC(),
	}, nil
}

// Accept stores the body of a direct upload authorised by token. The object
// must not exist yet, so each token writes at most once.
func (l *LocalStore) Accept(_ context.Context, token string, body io.Reader, maxBytes int64) (string, error) {
	claims := &uploadClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return l.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(uploadAudience), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	key, err := CleanKey(claims.Key)
	if err != nil {
		return "", err
	}
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", ErrExists
		}
		return "", fmt.Errorf("create object: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(body, maxBytes+1))
	closeErr := f.Close()
	if err == nil && n > maxBytes {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, maxBytes)
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return key, nil
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (l *LocalStore) Remove(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if k == "" {
			continue
		}
		key, err := CleanKey(k)
		if err != nil {
			return err
		}
		if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(key))
}
