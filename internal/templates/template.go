// Package templates manages the reasoning-template library: parsing source
// documents, embedding them, and retrieving the closest matches for a query.
package templates

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is one parsed reasoning template.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Domain      string   `json:"domain,omitempty"`
	Complexity  string   `json:"complexity,omitempty"`
	Methodology string   `json:"methodology,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Description string   `json:"description,omitempty"`
	Body        string   `json:"body"`
	UseCount    int64    `json:"useCount"`
}

// Match is a retrieval result: the template reference plus its similarity.
type Match struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
	Body        string  `json:"body"`
}

type header struct {
	Name        string   `yaml:"name"`
	Domain      string   `yaml:"domain"`
	Complexity  string   `yaml:"complexity"`
	Methodology string   `yaml:"methodology"`
	Keywords    []string `yaml:"keywords"`
	Description string   `yaml:"description"`
}

const fence = "---"

// ParseFile reads a template source document: a YAML metadata header between
// --- fences followed by the template body.
func ParseFile(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	return Parse(string(raw))
}

// Parse parses template source text.
func Parse(source string) (*Template, error) {
	text := strings.TrimLeft(source, "\r\n \t")
	if !strings.HasPrefix(text, fence) {
		return nil, fmt.Errorf("missing metadata header fence")
	}
	rest := strings.TrimPrefix(text, fence)
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return nil, fmt.Errorf("unterminated metadata header")
	}
	headerText := rest[:idx]
	body := rest[idx+len(fence)+1:]
	body = strings.TrimPrefix(body, "\n")

	var meta header
	if err := yaml.Unmarshal([]byte(headerText), &meta); err != nil {
		return nil, fmt.Errorf("parse metadata header: %w", err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return nil, fmt.Errorf("metadata header missing name")
	}

	return &Template{
		ID:          Slug(meta.Name),
		Name:        meta.Name,
		Domain:      meta.Domain,
		Complexity:  meta.Complexity,
		Methodology: meta.Methodology,
		Keywords:    meta.Keywords,
		Description: meta.Description,
		Body:        strings.TrimSpace(body),
	}, nil
}

// Slug derives a stable id from a template name: lowercase with
// non-alphanumeric runs collapsed to single dashes.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// embedText builds the composite string the retriever embeds for a template.
func embedText(t *Template) string {
	const bodyPrefixLimit = 512

	parts := []string{t.Name}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	if len(t.Keywords) > 0 {
		parts = append(parts, strings.Join(t.Keywords, " "))
	}
	if t.Domain != "" {
		parts = append(parts, t.Domain)
	}
	if t.Methodology != "" {
		parts = append(parts, t.Methodology)
	}
	body := t.Body
	if len(body) > bodyPrefixLimit {
		body = body[:bodyPrefixLimit]
	}
	if body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n")
}
