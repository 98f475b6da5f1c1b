package state

import (
	"encoding/json"
	"fmt"
)

// EvidenceItem is one retrieved passage.
type EvidenceItem struct {
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	DocumentID string         `json:"document_id,omitempty"`
	ChunkID    string         `json:"chunk_id,omitempty"`
	ID         string         `json:"id,omitempty"`
	Similarity *float64       `json:"similarity,omitempty"`
}

// Key is the deduplication identity: chunk_id, falling back to id.
func (e EvidenceItem) Key() string {
	if e.ChunkID != "" {
		return e.ChunkID
	}
	return e.ID
}

// Compressed reports whether the item carries the compressed marker.
func (e EvidenceItem) Compressed() bool {
	v, ok := e.Metadata["compressed"].(bool)
	return ok && v
}

// MetaString returns the first non-empty string metadata value among keys.
func (e EvidenceItem) MetaString(keys ...string) string {
	for _, k := range keys {
		switch v := e.Metadata[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case fmt.Stringer:
			if s := v.String(); s != "" {
				return s
			}
		}
	}
	return ""
}

// MetaStrings returns a list-valued metadata entry, accepting a bare string too.
func (e EvidenceItem) MetaStrings(key string) []string {
	switch v := e.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// WithMetadata returns a copy of e whose metadata has the given entries added.
func (e EvidenceItem) WithMetadata(kv map[string]any) EvidenceItem {
	md := make(map[string]any, len(e.Metadata)+len(kv))
	for k, v := range e.Metadata {
		md[k] = v
	}
	for k, v := range kv {
		md[k] = v
	}
	e.Metadata = md
	return e
}

// ToolResult wraps the raw output of one tool invocation.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Raw      json.RawMessage `json:"raw_result"`
}

// Context is either an ordered list of evidence items or a single tool result.
type Context struct {
	Items []EvidenceItem `json:"items,omitempty"`
	Tool  *ToolResult    `json:"tool,omitempty"`
}

// Empty reports whether the context carries nothing.
func (c Context) Empty() bool { return len(c.Items) == 0 && c.Tool == nil }

// Citation is a source record derived from an evidence item.
type Citation struct {
	ID            string   `json:"id,omitempty"`
	ChunkID       string   `json:"chunk_id,omitempty"`
	DocumentID    string   `json:"document_id,omitempty"`
	Title         string   `json:"title,omitempty"`
	ArticleURL    string   `json:"article_url,omitempty"`
	PublishedDate string   `json:"published_date,omitempty"`
	Similarity    *float64 `json:"similarity,omitempty"`
}

// Key is the deduplication identity of a citation.
func (c Citation) Key() string {
	if c.ChunkID != "" {
		return c.ChunkID
	}
	if c.ID != "" {
		return c.ID
	}
	return c.ArticleURL
}

// CitationFromEvidence resolves URL and date from the item's metadata.
func CitationFromEvidence(e EvidenceItem) Citation {
	return Citation{
		ID:            e.ID,
		ChunkID:       e.ChunkID,
		DocumentID:    e.DocumentID,
		Title:         e.MetaString("document_name", "title"),
		ArticleURL:    e.MetaString("article_url", "url", "source_url"),
		PublishedDate: e.MetaString("published_date", "date"),
		Similarity:    e.Similarity,
	}
}

// CitationsFromEvidence maps every item to its citation, preserving order.
func CitationsFromEvidence(items []EvidenceItem) []Citation {
	out := make([]Citation, 0, len(items))
	for _, it := range items {
		out = append(out, CitationFromEvidence(it))
	}
	return out
}
