package classifier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"document-formatter/internal/apperr"
	"document-formatter/internal/docx"
	"document-formatter/internal/engine"
)

func TestClassify(t *testing.T) {
	c := Default()
	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"malformed category", engine.Fail("gemini", engine.CategoryMalformed, errors.New("bad json")), apperr.EngineMalformedResponse},
		{"connection category", engine.Fail("openai", engine.CategoryConnectionLost, errors.New("reset")), apperr.EngineConnectionLost},
		{"timeout category", engine.Fail("remote", engine.CategoryTimeout, context.DeadlineExceeded), apperr.EngineConnectionLost},
		{"legacy malformed text", errors.New("JSON Parsing Error: Unexpected end of input"), apperr.EngineMalformedResponse},
		{"legacy connection text", errors.New("httpx: peer closed connection without sending complete message body (incomplete chunked read)"), apperr.EngineConnectionLost},
		{"source download", apperr.Wrap(errors.New("NoSuchKey"), apperr.SourceUnavailable, "Formatting failed: the uploaded document could not be downloaded."), apperr.SourceUnavailable},
		{"cancelled", fmt.Errorf("transform: %w", context.Canceled), apperr.Cancelled},
		{"unknown", errors.New("segfault in codec"), apperr.Internal},
		{"unknown category", engine.Fail("basic", engine.CategoryUnknown, errors.New("disk full")), apperr.Internal},
		{"unreadable source", engine.Fail("simulated", engine.CategoryRejected, fmt.Errorf("%w: bufio.Scanner: token too long", docx.ErrUnreadable)), apperr.InvalidArgument},
		{"unreadable engine output", engine.Fail("remote", engine.CategoryMalformed, fmt.Errorf("unreadable formatter response: %w", docx.ErrUnreadable)), apperr.EngineMalformedResponse},
		{"typed error around unknown category", apperr.Wrap(engine.Fail("basic", engine.CategoryUnknown, errors.New("quota")), apperr.RateLimited, "Too many requests."), apperr.RateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.err)
			if got.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Kind)
			}
			if got.Message == "" {
				t.Fatalf("message must not be empty")
			}
			if got.Detail != tc.err.Error() {
				t.Fatalf("detail must preserve original text, got %q", got.Detail)
			}
		})
	}
}

func TestClassifyCustomRules(t *testing.T) {
	c := New([]Rule{{Category: "quota", Kind: apperr.UpstreamUnavailable, Message: "Formatting quota exhausted."}},
		[]Pattern{{Contains: "429", Category: "quota"}})

	got := c.Classify(errors.New("status 429 from provider"))
	if got.Kind != apperr.UpstreamUnavailable || got.Message != "Formatting quota exhausted." {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Default().Classify(nil); got.Kind != "" {
		t.Fatalf("nil error should classify to zero result, got %+v", got)
	}
}

func TestClassifyKeepsApplicationMessageForUnmappedCategory(t *testing.T) {
	err := apperr.Wrap(engine.Fail("remote", engine.CategoryUnknown, errors.New("503")), apperr.UpstreamUnavailable, "Formatter is unavailable.")
	got := Default().Classify(err)
	if got.Kind != apperr.UpstreamUnavailable || got.Message != "Formatter is unavailable." {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestClassifyUnreadableDocument(t *testing.T) {
	_, perr := docx.Parse([]byte("%PDF-1.4\n\x00\x01\x02\xff\xfe"))
	if perr == nil {
		t.Fatal("expected parse error")
	}
	got := Default().Classify(perr)
	if got.Kind != apperr.InvalidArgument || got.Message != unreadableMessage {
		t.Fatalf("unexpected result %+v", got)
	}
}
