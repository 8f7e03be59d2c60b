package blob

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestLocalStoreUploadFlow(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir(), "http://api.test/", "secret")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	grant, err := st.PresignUpload(ctx, "documents/u1/1700000000_abc.docx", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(grant.URL, "http://api.test/api/uploads?token=") || grant.Method != "PUT" {
		t.Fatalf("unexpected grant %+v", grant)
	}
	u, _ := url.Parse(grant.URL)
	token := u.Query().Get("token")

	key, err := st.Accept(ctx, token, strings.NewReader("hello"), 1024)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if key != grant.Key {
		t.Fatalf("expected key %s, got %s", grant.Key, key)
	}

	if _, err := st.Accept(ctx, token, strings.NewReader("again"), 1024); !errors.Is(err, ErrExists) {
		t.Fatalf("expected single-use token, got %v", err)
	}

	data, err := st.Get(ctx, key)
	if err != nil || string(data) != "hello" {
		t.Fatalf("get: %q %v", data, err)
	}

	if err := st.Remove(ctx, key, "", "formatted/missing.docx"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestLocalStoreRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	st, _ := NewLocalStore(t.TempDir(), "http://api.test", "secret")
	other, _ := NewLocalStore(t.TempDir(), "http://api.test", "other-secret")

	grant, _ := other.PresignUpload(ctx, "documents/u1/x.docx", time.Minute)
	if _, err := st.Accept(ctx, grant.Token, strings.NewReader("x"), 10); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	expired, _ := st.PresignUpload(ctx, "documents/u1/y.docx", -time.Minute)
	if _, err := st.Accept(ctx, expired.Token, strings.NewReader("x"), 10); err == nil {
		t.Fatalf("expected expired token failure")
	}

	big, _ := st.PresignUpload(ctx, "documents/u1/z.docx", time.Minute)
	if _, err := st.Accept(ctx, big.Token, strings.NewReader("0123456789ABC"), 10); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected size failure, got %v", err)
	}
	if _, err := st.Get(ctx, "documents/u1/z.docx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("oversized upload must not persist, got %v", err)
	}
}

func TestCleanKey(t *testing.T) {
	if _, err := CleanKey("../etc/passwd"); err == nil {
		t.Fatalf("expected traversal rejection")
	}
	got, err := CleanKey("/documents//a.docx")
	if err != nil || got != "documents/a.docx" {
		t.Fatalf("unexpected clean result %q %v", got, err)
	}
}
