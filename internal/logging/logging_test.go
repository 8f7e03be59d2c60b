package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContext(t *testing.T) {
	var fallbackBuf, ctxBuf bytes.Buffer
	fallback := zerolog.New(&fallbackBuf)

	l := FromContext(context.Background(), fallback)
	l.Info().Msg("no request")
	if !strings.Contains(fallbackBuf.String(), "no request") {
		t.Fatalf("expected fallback logger, got %q", fallbackBuf.String())
	}

	scoped := zerolog.New(&ctxBuf).With().Str("req_id", "abc").Logger()
	l = FromContext(scoped.WithContext(context.Background()), fallback)
	l.Info().Msg("in request")
	if !strings.Contains(ctxBuf.String(), `"req_id":"abc"`) {
		t.Fatalf("expected context logger, got %q", ctxBuf.String())
	}
	if strings.Contains(fallbackBuf.String(), "in request") {
		t.Fatal("fallback must not receive request-scoped entries")
	}
}

func TestNewWithWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn", "json")
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
