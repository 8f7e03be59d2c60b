package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"document-formatter/internal/docx"
)

// Completer sends one prompt to a language model and returns its raw reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLM formats documents by asking a language model to restyle paragraphs and
// reply with JSON matching replySchema.
type LLM struct {
	name      string
	model     string
	completer Completer
	schema    *jsonschema.Schema
}

const replySchema = `{
  "type": "object",
  "required": ["paragraphs"],
  "properties": {
    "paragraphs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text"],
        "properties": {
          "style": {"type": "string"},
          "text": {"type": "string"}
        }
      }
    }
  }
}`

const systemPrompt = `You are an academic document formatter. You receive the paragraphs of a document as JSON and return the same content restyled for the requested citation style and English variant. Keep the meaning of every paragraph. Use Word paragraph style ids such as Title, Heading1, Heading2, Normal, Quote, Bibliography. Reply with JSON only: {"paragraphs":[{"style":"...","text":"..."}]}.`

// NewLLM wraps a Completer as an Engine.
func NewLLM(name, model string, c Completer) (*LLM, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reply.json", strings.NewReader(replySchema)); err != nil {
		return nil, fmt.Errorf("add reply schema: %w", err)
	}
	schema, err := compiler.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	return &LLM{name: name, model: model, completer: c, schema: schema}, nil
}

func (l *LLM) Name() string { return l.name }

func (l *LLM) Transform(ctx context.Context, req Request) (Stats, error) {
	in, err := docx.ReadFile(req.InputPath)
	if err != nil {
		return Stats{}, Fail(l.name, CategoryRejected, err)
	}
	payload, err := json.Marshal(struct {
		Style      string           `json:"style"`
		Variant    string           `json:"english_variant"`
		Paragraphs []docx.Paragraph `json:"paragraphs"`
	}{req.Style, req.Variant, in})
	if err != nil {
		return Stats{}, Fail(l.name, CategoryUnknown, err)
	}

	reply, err := l.completer.Complete(ctx, systemPrompt, string(payload))
	if err != nil {
		return Stats{}, FailTransport(l.name, err)
	}

	out, err := l.parseReply(reply)
	if err != nil {
		return Stats{}, Fail(l.name, CategoryMalformed, err)
	}
	if err := docx.WriteFile(req.OutputPath, out); err != nil {
		return Stats{}, Fail(l.name, CategoryUnknown, err)
	}
	return Stats{Backend: l.name, Model: l.model, Paragraphs: len(out), WordCount: docx.WordCount(out)}, nil
}

func (l *LLM) parseReply(reply string) ([]docx.Paragraph, error) {
	raw := []byte(stripFence(reply))
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("JSON Parsing Error: %w", err)
	}
	if err := l.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("reply does not match schema: %w", err)
	}
	var decoded struct {
		Paragraphs []docx.Paragraph `json:"paragraphs"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("JSON Parsing Error: %w", err)
	}
	if len(decoded.Paragraphs) == 0 {
		return nil, fmt.Errorf("reply contains no paragraphs")
	}
	return decoded.Paragraphs, nil
}

// stripFence removes a surrounding markdown code fence, which models add
// despite being asked for bare JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
