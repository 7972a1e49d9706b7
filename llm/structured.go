package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema for one structured reply shape.
type Schema struct {
	name string
	raw  string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// NewSchema declares a schema. Compilation happens on first use.
func NewSchema(name, raw string) *Schema {
	return &Schema{name: name, raw: raw}
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		url := s.name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(s.raw)); err != nil {
			s.err = fmt.Errorf("load schema %s: %w", s.name, err)
			return
		}
		s.compiled, s.err = compiler.Compile(url)
	})
	return s.compiled, s.err
}

// Validate checks a JSON document against the schema.
func (s *Schema) Validate(doc json.RawMessage) error {
	schema, err := s.compile()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("does not match schema %s: %w", s.name, err)
	}
	return nil
}

// CompleteJSON asks for a JSON reply, recovers it from fences or chatter,
// validates it against schema and decodes it into out. Parse and validation
// failures wrap ErrMalformedResponse; provider errors pass through.
func CompleteJSON(ctx context.Context, c Completer, system, user string, schema *Schema, out any) error {
	reply, err := c.Complete(ctx, system+"\n\nRespond with a single JSON object and nothing else.", user)
	if err != nil {
		return err
	}
	doc, err := parseStructuredJSON(reply)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if schema != nil {
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// parseStructuredJSON parses JSON from model output, with lightweight
// recovery for markdown code fences and surrounding text.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONObject(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	for _, candidate := range candidates {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, fmt.Errorf("no JSON object in reply")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}
