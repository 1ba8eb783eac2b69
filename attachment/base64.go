package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
)

// Base64Extractor recognizes data-URL strings ("data:<mime>;base64,...")
// anywhere inside a payload structure, including nested maps and lists.
// Decoded content at least minSize bytes large is extracted and the inline
// value replaced with a short placeholder naming the attachment; smaller
// or undecodable values are left untouched.
type Base64Extractor struct{}

// NewBase64Extractor creates the default extractor.
func NewBase64Extractor() *Base64Extractor {
	return &Base64Extractor{}
}

// Extract scans payload for base64 data URLs. The returned structure is a
// copy; the input is never mutated.
func (e *Base64Extractor) Extract(ctx context.Context, payload map[string]any, source Context, minSize int) ([]Extracted, map[string]any, error) {
	var found []Extracted
	shrunk, _ := e.walkMap(payload, minSize, &found)
	return found, shrunk, nil
}

func (e *Base64Extractor) walkMap(m map[string]any, minSize int, found *[]Extracted) (map[string]any, bool) {
	changed := false
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, ch := e.walkValue(v, minSize, found)
		out[k] = nv
		changed = changed || ch
	}
	return out, changed
}

func (e *Base64Extractor) walkValue(v any, minSize int, found *[]Extracted) (any, bool) {
	switch t := v.(type) {
	case string:
		return e.walkString(t, minSize, found)
	case map[string]any:
		return e.walkMap(t, minSize, found)
	case []any:
		changed := false
		out := make([]any, len(t))
		for i, item := range t {
			nv, ch := e.walkValue(item, minSize, found)
			out[i] = nv
			changed = changed || ch
		}
		return out, changed
	default:
		return v, false
	}
}

func (e *Base64Extractor) walkString(s string, minSize int, found *[]Extracted) (any, bool) {
	const marker = ";base64,"

	if !strings.HasPrefix(s, "data:") {
		return s, false
	}
	idx := strings.Index(s, marker)
	if idx < 0 {
		return s, false
	}

	contentType := s[len("data:"):idx]
	data, err := base64.StdEncoding.DecodeString(s[idx+len(marker):])
	if err != nil {
		// Not actually base64 content; leave it inline.
		return s, false
	}
	if len(data) < minSize {
		return s, false
	}

	name := uuid.NewString() + extensionFor(contentType)
	*found = append(*found, Extracted{
		FileName:    name,
		ContentType: contentType,
		Data:        data,
	})
	return fmt.Sprintf("[attachment %s]", name), true
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

// Compile-time check
var _ Extractor = (*Base64Extractor)(nil)
