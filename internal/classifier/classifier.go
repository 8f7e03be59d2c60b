// Package classifier maps low-level pipeline failures onto the user-facing
// error vocabulary.
package classifier

import (
	"context"
	"errors"
	"strings"

	"document-formatter/internal/apperr"
	"document-formatter/internal/docx"
	"document-formatter/internal/engine"
)

// Result is a classified failure ready to be recorded on a job.
type Result struct {
	Kind    apperr.Kind
	Message string
	// Detail is the original diagnostic text, kept for operators.
	Detail string
}

// Rule maps an engine failure category to a kind and message.
type Rule struct {
	Category engine.Category
	Kind     apperr.Kind
	Message  string
}

// Pattern is a text fallback for failures that arrive without a category.
type Pattern struct {
	Contains string
	Category engine.Category
}

// Classifier applies rules in order: cancellation, engine categories,
// unreadable input, typed application errors, text patterns, then the
// generic fallback.
type Classifier struct {
	rules    map[engine.Category]Rule
	patterns []Pattern
	fallback string
}

// DefaultRules is the built-in category table.
var DefaultRules = []Rule{
	{engine.CategoryMalformed, apperr.EngineMalformedResponse, "Formatting failed: AI response was malformed. Please try again."},
	{engine.CategoryConnectionLost, apperr.EngineConnectionLost, "Formatting failed: Connection to AI server lost. Please try again."},
	{engine.CategoryTimeout, apperr.EngineConnectionLost, "Formatting failed: AI server did not respond in time. Please try again."},
	{engine.CategoryRejected, apperr.InvalidArgument, "Formatting failed: the document could not be read."},
}

const unreadableMessage = "Formatting failed: the document could not be read. Please upload a .docx or plain-text file."

// DefaultPatterns recognise failure text produced by engines that predate categories.
var DefaultPatterns = []Pattern{
	{"JSON Parsing Error", engine.CategoryMalformed},
	{"Unexpected end of input", engine.CategoryMalformed},
	{"peer closed connection", engine.CategoryConnectionLost},
	{"incomplete chunked read", engine.CategoryConnectionLost},
}

// New builds a classifier from the given tables.
func New(rules []Rule, patterns []Pattern) *Classifier {
	c := &Classifier{
		rules:    make(map[engine.Category]Rule, len(rules)),
		patterns: patterns,
		fallback: "Formatting failed due to an unexpected error. Please try again.",
	}
	for _, r := range rules {
		c.rules[r.Category] = r
	}
	return c
}

// Default returns a classifier using DefaultRules and DefaultPatterns.
func Default() *Classifier {
	return New(DefaultRules, DefaultPatterns)
}

// Classify never returns an empty Kind or Message for a non-nil err.
func (c *Classifier) Classify(err error) Result {
	if err == nil {
		return Result{}
	}
	detail := err.Error()

	if errors.Is(err, context.Canceled) {
		return Result{Kind: apperr.Cancelled, Message: "Processing cancelled.", Detail: detail}
	}

	var f *engine.Failure
	if errors.As(err, &f) {
		if r, ok := c.rules[f.Category]; ok {
			return Result{Kind: r.Kind, Message: r.Message, Detail: detail}
		}
	}

	if errors.Is(err, docx.ErrUnreadable) {
		return Result{Kind: apperr.InvalidArgument, Message: unreadableMessage, Detail: detail}
	}

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.Internal {
		return Result{Kind: ae.Kind, Message: ae.Message, Detail: detail}
	}

	for _, p := range c.patterns {
		if strings.Contains(detail, p.Contains) {
			if r, ok := c.rules[p.Category]; ok {
				return Result{Kind: r.Kind, Message: r.Message, Detail: detail}
			}
		}
	}

	return Result{Kind: apperr.Internal, Message: c.fallback, Detail: detail}
}
