// Package engine defines the content-transformation collaborator and its
// concrete backends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Request describes one transformation: read InputPath, write OutputPath.
type Request struct {
	InputPath  string
	OutputPath string
	Style      string
	Variant    string
}

// Stats summarises a successful transformation.
type Stats struct {
	Backend    string
	Model      string
	Paragraphs int
	WordCount  int
}

// Engine transforms a document on disk into its formatted counterpart.
type Engine interface {
	Name() string
	Transform(ctx context.Context, req Request) (Stats, error)
}

// Category is the backend-independent reason a transformation failed.
type Category string

const (
	CategoryMalformed      Category = "malformed_response"
	CategoryConnectionLost Category = "connection_lost"
	CategoryTimeout        Category = "timeout"
	CategoryRejected       Category = "rejected"
	CategoryUnknown        Category = "unknown"
)

// Failure is the error type every backend returns for transformation failures.
type Failure struct {
	Backend  string
	Category Category
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s engine: %s: %v", f.Backend, f.Category, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps err as a Failure of the given category.
func Fail(backend string, category Category, err error) error {
	if err == nil {
		return nil
	}
	var existing *Failure
	if errors.As(err, &existing) {
		return err
	}
	return &Failure{Backend: backend, Category: category, Err: err}
}

// FailTransport wraps a network-level error, deriving its category.
func FailTransport(backend string, err error) error {
	return Fail(backend, TransportCategory(err), err)
}

// TransportCategory inspects a network-level error.
func TransportCategory(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return CategoryConnectionLost
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnectionLost
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "peer closed connection") || strings.Contains(msg, "incomplete chunked read") ||
		strings.Contains(msg, "connection reset") {
		return CategoryConnectionLost
	}
	return CategoryUnknown
}
