package engine

import (
	"context"
	"strings"
	"unicode"

	"document-formatter/internal/docx"
)

// Basic is an offline backend: it collapses whitespace, styles the first
// paragraph as the title and promotes short unterminated lines to headings.
type Basic struct{}

// NewBasic builds the offline backend.
func NewBasic() *Basic { return &Basic{} }

func (b *Basic) Name() string { return "basic" }

func (b *Basic) Transform(ctx context.Context, req Request) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, Fail(b.Name(), CategoryTimeout, err)
	}
	in, err := docx.ReadFile(req.InputPath)
	if err != nil {
		return Stats{}, Fail(b.Name(), CategoryRejected, err)
	}
	out := make([]docx.Paragraph, 0, len(in))
	for i, p := range in {
		text := strings.Join(strings.Fields(p.Text), " ")
		if text == "" {
			continue
		}
		style := p.Style
		switch {
		case i == 0 && style == "":
			style = "Title"
		case style == "" && looksLikeHeading(text):
			style = "Heading1"
		}
		out = append(out, docx.Paragraph{Style: style, Text: text})
	}
	if err := docx.WriteFile(req.OutputPath, out); err != nil {
		return Stats{}, Fail(b.Name(), CategoryUnknown, err)
	}
	return Stats{Backend: b.Name(), Paragraphs: len(out), WordCount: docx.WordCount(out)}, nil
}

func looksLikeHeading(text string) bool {
	if len(strings.Fields(text)) > 8 {
		return false
	}
	last := []rune(text)[len([]rune(text))-1]
	return !unicode.IsPunct(last) || last == ':'
}
