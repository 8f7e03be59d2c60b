package docx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadParagraphs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.docx")
	in := []Paragraph{
		{Style: "Title", Text: "On Tides & Moons"},
		{Text: "Body text with <angle> brackets."},
	}
	if err := WriteFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(got))
	}
	if got[0] != in[0] || got[1] != in[1] {
		t.Fatalf("paragraph mismatch: %+v", got)
	}
	if WordCount(got) != 9 {
		t.Fatalf("expected 9 words, got %d", WordCount(got))
	}
}

func TestParsePlainText(t *testing.T) {
	got, err := Parse([]byte("first line\r\n\n  \nsecond line\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[1].Text != "second line" || got[0].Text != "first line" {
		t.Fatalf("unexpected paragraphs: %+v", got)
	}
}

func TestParsePlainTextLineTooLong(t *testing.T) {
	data := "first paragraph\n" + strings.Repeat("x", 5*1024*1024) + "\nlast paragraph\n"
	got, err := Parse([]byte(data))
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v with %d paragraphs", err, len(got))
	}
}

func TestParseRejectsBinary(t *testing.T) {
	cases := map[string][]byte{
		"pdf":        []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n\x00\x01\x02\xff\xfe\nendobj\n"),
		"legacy doc": {0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1, 0x00, 0x00},
		"nul bytes":  []byte("looks like text\x00but is not"),
		"bad zip":    []byte("PK\x03\x04 truncated"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(data); !errors.Is(err, ErrUnreadable) {
				t.Fatalf("expected ErrUnreadable, got %v", err)
			}
		})
	}
}

func TestParsePlainTextAcceptsUnicode(t *testing.T) {
	got, err := Parse([]byte("Résumé\tdraft\n\fÜber alles\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0].Text != "Résumé\tdraft" {
		t.Fatalf("unexpected paragraphs: %+v", got)
	}
}

func TestTrackedFileSkipsDeletedTextOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracked.docx")
	before := []Paragraph{{Text: "teh intro"}, {Text: "same"}}
	after := []Paragraph{{Style: "Heading1", Text: "The Intro"}, {Text: "same"}, {Text: "added"}}
	if err := WriteTrackedFile(path, before, after, Revision{At: time.Unix(0, 0)}); err != nil {
		t.Fatalf("write tracked: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 || got[0].Text != "The Intro" || got[2].Text != "added" {
		t.Fatalf("tracked read should yield accepted text, got %+v", got)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !strings.HasPrefix(string(raw), "PK") {
		t.Fatalf("expected zip package")
	}
}

func TestParseRejectsZipWithoutDocument(t *testing.T) {
	// An empty zip archive: end-of-central-directory record only.
	empty := []byte{'P', 'K', 5, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := Parse(empty); err != ErrNoDocumentPart {
		t.Fatalf("expected ErrNoDocumentPart, got %v", err)
	}
}
