package parser

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FrontmatterFormat identifies the fence style a document used.
type FrontmatterFormat string

const (
	FrontmatterNone FrontmatterFormat = ""
	FrontmatterYAML FrontmatterFormat = "yaml"
	FrontmatterTOML FrontmatterFormat = "toml"
)

// Frontmatter holds a document's metadata fence, parsed lazily on first
// lookup and cached. Parse failures are recoverable: the holder reports an
// empty map and keeps the error as a diagnostic.
type Frontmatter struct {
	raw    []byte
	format FrontmatterFormat

	once   sync.Once
	values map[string]any
	err    error
}

// newFrontmatter wraps raw fence content without parsing it.
func newFrontmatter(raw []byte, format FrontmatterFormat) *Frontmatter {
	return &Frontmatter{raw: raw, format: format}
}

// parse decodes the raw fence exactly once.
func (f *Frontmatter) parse() {
	f.once.Do(func() {
		f.values = make(map[string]any)
		if len(f.raw) == 0 || f.format == FrontmatterNone {
			return
		}

		switch f.format {
		case FrontmatterYAML:
			var parsed map[string]any
			if err := yaml.Unmarshal(f.raw, &parsed); err != nil {
				f.err = fmt.Errorf("failed to parse YAML frontmatter: %w", err)
				return
			}
			if parsed != nil {
				f.values = parsed
			}
		case FrontmatterTOML:
			var parsed map[string]any
			if err := toml.Unmarshal(f.raw, &parsed); err != nil {
				f.err = fmt.Errorf("failed to parse TOML frontmatter: %w", err)
				return
			}
			if parsed != nil {
				f.values = parsed
			}
		}
	})
}

// Map returns all frontmatter keys. The map is parsed on first call; a parse
// failure yields an empty map (see Err).
func (f *Frontmatter) Map() map[string]any {
	f.parse()
	return f.values
}

// Get looks up a possibly nested key path like "project.status".
func (f *Frontmatter) Get(path string) (any, bool) {
	f.parse()
	return lookupPath(f.values, path)
}

// Err reports the parse failure, if any. Lookups before Err never fail; the
// document is still produced with empty frontmatter.
func (f *Frontmatter) Err() error {
	f.parse()
	return f.err
}

// Format returns the fence style found in the document.
func (f *Frontmatter) Format() FrontmatterFormat {
	return f.format
}

// lookupPath resolves a dotted path against nested maps.
func lookupPath(values map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = values
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// extractFrontmatter splits the raw file into fence content, body, and the
// byte offset where the body begins. YAML fences use ---, TOML fences +++;
// the fence must open on the first line.
func extractFrontmatter(content []byte) (raw []byte, format FrontmatterFormat, bodyOffset int) {
	for _, fence := range []struct {
		marker []byte
		format FrontmatterFormat
	}{
		{[]byte("---"), FrontmatterYAML},
		{[]byte("+++"), FrontmatterTOML},
	} {
		open := append(append([]byte{}, fence.marker...), '\n')
		openCRLF := append(append([]byte{}, fence.marker...), '\r', '\n')
		if !bytes.HasPrefix(content, open) && !bytes.HasPrefix(content, openCRLF) {
			continue
		}

		lines := bytes.Split(content, []byte("\n"))
		offset := len(lines[0]) + 1
		for i := 1; i < len(lines); i++ {
			line := bytes.TrimRight(lines[i], "\r")
			if bytes.Equal(bytes.TrimSpace(line), fence.marker) {
				rawStart := len(lines[0]) + 1
				if rawStart < offset {
					raw = content[rawStart : offset-1]
				}
				bodyOffset = offset + len(lines[i]) + 1
				if bodyOffset > len(content) {
					bodyOffset = len(content)
				}
				return raw, fence.format, bodyOffset
			}
			offset += len(lines[i]) + 1
		}
		// Unterminated fence: treat the whole file as body.
		return nil, FrontmatterNone, 0
	}
	return nil, FrontmatterNone, 0
}
