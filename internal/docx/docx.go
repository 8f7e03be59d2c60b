// Package docx reads and writes the paragraph layer of WordprocessingML
// documents. Only paragraph text, paragraph style and insert/delete revisions
// are modelled; everything else in the source package is ignored.
package docx

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// ContentType is the MIME type of .docx files.
const ContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

const documentPart = "word/document.xml"

// Paragraph is one block of text with an optional paragraph style id.
type Paragraph struct {
	Style string `json:"style"`
	Text  string `json:"text"`
}

// ErrNoDocumentPart is returned for zip archives without word/document.xml.
var ErrNoDocumentPart = errors.New("docx: missing word/document.xml")

// ErrUnreadable is returned for input that is neither a zip archive nor
// clean UTF-8 text.
var ErrUnreadable = errors.New("docx: document could not be read")

// ReadFile loads paragraphs from path. Files that are not zip archives are
// treated as UTF-8 plain text, one paragraph per non-empty line.
func ReadFile(path string) ([]Paragraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes paragraphs from raw file bytes.
func Parse(data []byte) ([]Paragraph, error) {
	if !bytes.HasPrefix(data, []byte("PK")) {
		return parsePlain(data)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open docx: %v", ErrUnreadable, err)
	}
	for _, f := range zr.File {
		if f.Name != documentPart {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", documentPart, err)
		}
		defer rc.Close()
		return parseDocumentXML(rc)
	}
	return nil, ErrNoDocumentPart
}

// maxLine bounds a single plain-text paragraph.
const maxLine = 4 * 1024 * 1024

func parsePlain(data []byte) ([]Paragraph, error) {
	if !isText(data) {
		return nil, fmt.Errorf("%w: not a .docx archive or UTF-8 text", ErrUnreadable)
	}
	var out []Paragraph
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, Paragraph{Text: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return out, nil
}

// isText reports whether data is valid UTF-8 without control bytes other
// than tab, newline, form feed and carriage return.
func isText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\f' && b != '\r' {
			return false
		}
		if b == 0x7f {
			return false
		}
	}
	return true
}

func parseDocumentXML(r io.Reader) ([]Paragraph, error) {
	dec := xml.NewDecoder(r)
	var (
		out     []Paragraph
		current *Paragraph
		text    strings.Builder
		inText  bool
		deleted int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				current = &Paragraph{}
				text.Reset()
			case "pStyle":
				if current != nil {
					current.Style = attr(t, "val")
				}
			case "t":
				inText = deleted == 0
			case "tab":
				if current != nil && deleted == 0 {
					text.WriteByte('\t')
				}
			case "br":
				if current != nil && deleted == 0 {
					text.WriteByte('\n')
				}
			case "del":
				deleted++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if current != nil {
					current.Text = text.String()
					out = append(out, *current)
					current = nil
				}
			case "t":
				inText = false
			case "del":
				if deleted > 0 {
					deleted--
				}
			}
		case xml.CharData:
			if inText && current != nil {
				text.Write(t)
			}
		}
	}
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// WordCount counts whitespace separated words across paragraphs.
func WordCount(paras []Paragraph) int {
	n := 0
	for _, p := range paras {
		n += len(strings.Fields(p.Text))
	}
	return n
}

// WriteFile writes paragraphs as a minimal .docx package.
func WriteFile(path string, paras []Paragraph) error {
	var body bytes.Buffer
	for _, p := range paras {
		writeParagraphOpen(&body, p.Style)
		writeRun(&body, "t", p.Text)
		body.WriteString("</w:p>")
	}
	return writePackage(path, body.Bytes())
}

// Revision identifies the author and time stamped on tracked changes.
type Revision struct {
	Author string
	At     time.Time
}

// WriteTrackedFile writes after as the accepted text, with deletions and
// insertions against before recorded as tracked revisions.
func WriteTrackedFile(path string, before, after []Paragraph, rev Revision) error {
	if rev.Author == "" {
		rev.Author = "Formatter"
	}
	stamp := rev.At.UTC().Format(time.RFC3339)
	id := 0
	next := func() int { id++; return id }

	var body bytes.Buffer
	n := len(before)
	if len(after) > n {
		n = len(after)
	}
	for i := 0; i < n; i++ {
		var old, cur *Paragraph
		if i < len(before) {
			old = &before[i]
		}
		if i < len(after) {
			cur = &after[i]
		}
		style := ""
		if cur != nil {
			style = cur.Style
		} else if old != nil {
			style = old.Style
		}
		writeParagraphOpen(&body, style)
		switch {
		case old != nil && cur != nil && old.Text == cur.Text:
			writeRun(&body, "t", cur.Text)
		default:
			if old != nil && old.Text != "" {
				fmt.Fprintf(&body, `<w:del w:id="%d" w:author="%s" w:date="%s">`, next(), escape(rev.Author), stamp)
				writeRun(&body, "delText", old.Text)
				body.WriteString("</w:del>")
			}
			if cur != nil && cur.Text != "" {
				fmt.Fprintf(&body, `<w:ins w:id="%d" w:author="%s" w:date="%s">`, next(), escape(rev.Author), stamp)
				writeRun(&body, "t", cur.Text)
				body.WriteString("</w:ins>")
			}
		}
		body.WriteString("</w:p>")
	}
	return writePackage(path, body.Bytes())
}

func writeParagraphOpen(buf *bytes.Buffer, style string) {
	buf.WriteString("<w:p>")
	if style != "" {
		fmt.Fprintf(buf, `<w:pPr><w:pStyle w:val="%s"/></w:pPr>`, escape(style))
	}
}

func writeRun(buf *bytes.Buffer, elem, text string) {
	fmt.Fprintf(buf, `<w:r><w:%s xml:space="preserve">%s</w:%s></w:r>`, elem, escape(text), elem)
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`

const documentHead = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`

const documentTail = `</w:body></w:document>`

func writePackage(path string, body []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	zw := zip.NewWriter(f)
	parts := []struct {
		name string
		data []byte
	}{
		{"[Content_Types].xml", []byte(contentTypesXML)},
		{"_rels/.rels", []byte(relsXML)},
		{documentPart, append(append([]byte(documentHead), body...), documentTail...)},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("add %s: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finish docx: %w", err)
	}
	return f.Close()
}
