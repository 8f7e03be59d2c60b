package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"document-formatter/internal/docx"
)

// Remote delegates formatting to an HTTP formatter service. The service
// receives the raw document as the request body and answers with the
// formatted .docx.
type Remote struct {
	endpoint   string
	httpClient *http.Client
	maxBytes   int64
}

// NewRemote builds the HTTP backend.
func NewRemote(endpoint string, timeout time.Duration) (*Remote, error) {
	if endpoint == "" {
		return nil, errors.New("remote engine: empty endpoint")
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Remote{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   200 * 1024 * 1024,
	}, nil
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Transform(ctx context.Context, req Request) (Stats, error) {
	body, err := os.ReadFile(req.InputPath)
	if err != nil {
		return Stats{}, Fail(r.Name(), CategoryRejected, err)
	}

	u, err := url.Parse(r.endpoint)
	if err != nil {
		return Stats{}, Fail(r.Name(), CategoryUnknown, fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	q.Set("style", req.Style)
	q.Set("variant", req.Variant)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Stats{}, Fail(r.Name(), CategoryUnknown, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", docx.ContentType)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return Stats{}, FailTransport(r.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Stats{}, Fail(r.Name(), statusCategory(resp.StatusCode), fmt.Errorf("formatter status %d", resp.StatusCode))
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return Stats{}, FailTransport(r.Name(), err)
	}
	if int64(len(out)) > r.maxBytes {
		return Stats{}, Fail(r.Name(), CategoryMalformed, fmt.Errorf("formatter response too large (>%d bytes)", r.maxBytes))
	}
	paras, err := docx.Parse(out)
	if err != nil || len(paras) == 0 {
		if err == nil {
			err = errors.New("empty document")
		}
		return Stats{}, Fail(r.Name(), CategoryMalformed, fmt.Errorf("unreadable formatter response: %w", err))
	}
	if err := os.WriteFile(req.OutputPath, out, 0o644); err != nil {
		return Stats{}, Fail(r.Name(), CategoryUnknown, fmt.Errorf("write output: %w", err))
	}
	return Stats{Backend: r.Name(), Paragraphs: len(paras), WordCount: docx.WordCount(paras)}, nil
}

func statusCategory(code int) Category {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return CategoryConnectionLost
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return CategoryTimeout
	}
	if code < http.StatusInternalServerError {
		return CategoryRejected
	}
	return CategoryUnknown
}
