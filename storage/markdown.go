package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/horosafe"
)

// FrontMatter is the YAML header of a mirrored document.
type FrontMatter struct {
	ID          string    `yaml:"id"`
	Symbol      string    `yaml:"symbol"`
	SourceURL   string    `yaml:"source_url"`
	Title       string    `yaml:"title"`
	ContentType string    `yaml:"content_type"`
	Fingerprint string    `yaml:"fingerprint"`
	Relevance   float64   `yaml:"relevance"`
	Overall     float64   `yaml:"overall"`
	PublishedAt string    `yaml:"published_at,omitempty"`
	StoredAt    time.Time `yaml:"stored_at"`
}

// MarkdownSink writes documents as <dir>/<SYMBOL>/<id>.md. Files are written
// to a .tmp sibling and renamed so readers never see a partial file.
type MarkdownSink struct {
	dir string
}

// NewMarkdownSink targets dir, created on first write.
func NewMarkdownSink(dir string) *MarkdownSink { return &MarkdownSink{dir: dir} }

// Write mirrors doc and returns the written path.
func (m *MarkdownSink) Write(symbol, id string, doc content.Result, storedAt time.Time) (string, error) {
	sub := horosafe.FileName(symbol)
	dir, err := horosafe.SafePath(m.dir, sub)
	if err != nil {
		return "", fmt.Errorf("storage: sink dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	target, err := horosafe.SafePath(dir, horosafe.FileName(id)+".md")
	if err != nil {
		return "", fmt.Errorf("storage: sink path: %w", err)
	}

	fm := FrontMatter{
		ID:          id,
		Symbol:      symbol,
		SourceURL:   doc.URL,
		Title:       doc.Title,
		ContentType: string(doc.ContentType),
		Fingerprint: doc.Fingerprint,
		Relevance:   doc.RelevanceScore,
		Overall:     doc.OverallScore,
		StoredAt:    storedAt.UTC(),
	}
	if !doc.PublishedAt.IsZero() {
		fm.PublishedAt = doc.PublishedAt.UTC().Format(time.RFC3339)
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("storage: front matter: %w", err)
	}

	body := doc.Markdown
	if body == "" {
		body = doc.ExtractedText
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(body)
	buf.WriteString("\n")

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("storage: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storage: rename: %w", err)
	}
	return target, nil
}

// ReadFrontMatter parses the header of a mirrored file.
func ReadFrontMatter(path string) (FrontMatter, string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return FrontMatter{}, "", err
	}
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return FrontMatter{}, "", fmt.Errorf("storage: %s: missing front matter", path)
	}
	head, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return FrontMatter{}, "", fmt.Errorf("storage: %s: unterminated front matter", path)
	}
	var fm FrontMatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return FrontMatter{}, "", fmt.Errorf("storage: %s: %w", path, err)
	}
	return fm, string(bytes.TrimSpace(body)), nil
}
