// Package parser turns Markdown files into structured documents: frontmatter,
// ordered content-addressed blocks with byte ranges, wikilinks, and tags.
// Parsing is pure CPU work; only ParseFile touches the filesystem.
package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/wikilink"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/hash"
)

// DefaultMaxFileBytes caps parser input size.
const DefaultMaxFileBytes = 10 * 1024 * 1024

// ExcerptLimit bounds the plain-text excerpt length.
const ExcerptLimit = 1000

// Stats aggregates simple document metrics.
type Stats struct {
	WordCount      int `json:"wordCount"`
	CharCount      int `json:"charCount"`
	HeadingCount   int `json:"headingCount"`
	CodeBlockCount int `json:"codeBlockCount"`
}

// ParsedDocument is the parser's output for a single note.
type ParsedDocument struct {
	Path        string
	Title       string
	Content     string
	Frontmatter *Frontmatter
	Excerpt     string
	Blocks      []domain.Block
	Wikilinks   []domain.Wikilink
	Tags        []string
	Stats       Stats
	ContentSize int
	ContentHash domain.Hash
	ModifiedAt  time.Time
	Diagnostics []string
}

// Parser converts Markdown bytes into ParsedDocuments.
type Parser struct {
	md           goldmark.Markdown
	hasher       *hash.Hasher
	maxFileBytes int
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxFileBytes overrides the input size cap.
func WithMaxFileBytes(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxFileBytes = n
		}
	}
}

// WithHasher overrides the content hasher.
func WithHasher(h *hash.Hasher) Option {
	return func(p *Parser) { p.hasher = h }
}

// New creates a Parser with the wikilink extension enabled.
func New(opts ...Option) *Parser {
	p := &Parser{
		md: goldmark.New(
			goldmark.WithExtensions(
				&wikilink.Extender{},
			),
		),
		hasher:       hash.Default(),
		maxFileBytes: DefaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile reads and parses a Markdown file. A missing file or an input
// larger than the configured cap is fatal.
func (p *Parser) ParseFile(path string) (*ParsedDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &domain.ParseError{Path: path, Reason: "failed to stat file", Err: err}
	}
	if info.Size() > int64(p.maxFileBytes) {
		return nil, &domain.ParseError{
			Path:     path,
			Reason:   fmt.Sprintf("file size %d exceeds limit %d", info.Size(), p.maxFileBytes),
			TooLarge: true,
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ParseError{Path: path, Reason: "failed to read file", Err: err}
	}

	doc, err := p.ParseContent(content, path)
	if err != nil {
		return nil, err
	}
	doc.ModifiedAt = info.ModTime()
	return doc, nil
}

// ParseContent parses raw Markdown bytes. Pure: no I/O, no suspension; this
// is the unit handed to the pipeline's CPU worker pool. The pathHint names
// the document in errors and becomes the fallback title.
func (p *Parser) ParseContent(content []byte, pathHint string) (*ParsedDocument, error) {
	if len(content) > p.maxFileBytes {
		return nil, &domain.ParseError{
			Path:     pathHint,
			Reason:   fmt.Sprintf("content size %d exceeds limit %d", len(content), p.maxFileBytes),
			TooLarge: true,
		}
	}

	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "�"))
	}

	doc := &ParsedDocument{
		Path:        pathHint,
		Content:     string(content),
		ContentSize: len(content),
		ContentHash: p.hasher.Sum(content),
	}

	rawFM, fmFormat, bodyOffset := extractFrontmatter(content)
	doc.Frontmatter = newFrontmatter(rawFM, fmFormat)
	body := content[bodyOffset:]

	root := p.md.Parser().Parse(text.NewReader(body))

	doc.Blocks = p.extractBlocks(root, body, bodyOffset, doc)
	doc.Wikilinks = extractWikilinks(root, body, bodyOffset, pathHint)
	doc.Tags = p.extractTags(doc, body)
	doc.Title = p.extractTitle(doc, root, body)
	doc.Excerpt = buildExcerpt(body)
	doc.Stats = buildStats(body, doc.Blocks)

	if err := doc.Frontmatter.Err(); err != nil {
		doc.Diagnostics = append(doc.Diagnostics, err.Error())
	}

	return doc, nil
}

// extractTitle prefers a frontmatter title, then the first level-1 heading,
// then the file name.
func (p *Parser) extractTitle(doc *ParsedDocument, root ast.Node, body []byte) string {
	if title, ok := doc.Frontmatter.Get("title"); ok {
		if s, ok := title.(string); ok && s != "" {
			return s
		}
	}

	var title string
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			heading := n.(*ast.Heading)
			if heading.Level == 1 {
				title = string(nodeText(heading, body))
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	if title != "" {
		return title
	}

	if doc.Path == "" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(doc.Path), filepath.Ext(doc.Path))
}

// extractTags collects body tags (#tag, #parent/child) and frontmatter tags,
// deduplicated in first-seen order.
func (p *Parser) extractTags(doc *ParsedDocument, body []byte) []string {
	tags := []string{}
	seen := make(map[string]bool)

	add := func(name string) {
		name = strings.TrimPrefix(strings.TrimSpace(name), "#")
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		tags = append(tags, name)
	}

	if fmTags, ok := doc.Frontmatter.Get("tags"); ok {
		switch t := fmTags.(type) {
		case []any:
			for _, tag := range t {
				if s, ok := tag.(string); ok {
					add(s)
				}
			}
		case []string:
			for _, tag := range t {
				add(tag)
			}
		case string:
			add(t)
		}
	}

	for _, match := range tagPattern.FindAllSubmatch(body, -1) {
		if len(match) > 1 {
			add(string(match[1]))
		}
	}

	return tags
}

// buildExcerpt produces a plain-text excerpt of at most ExcerptLimit chars.
func buildExcerpt(body []byte) string {
	plain := stripMarkdown(string(body))
	if len(plain) <= ExcerptLimit {
		return plain
	}
	cut := plain[:ExcerptLimit]
	// Avoid splitting a multi-byte rune at the boundary.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// stripMarkdown removes common Markdown syntax for excerpt and indexing use.
func stripMarkdown(s string) string {
	s = codeFencePattern.ReplaceAllString(s, " ")
	s = wikilinkPattern.ReplaceAllStringFunc(s, func(m string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(m, "!"), "[["), "]]")
		if idx := strings.IndexByte(inner, '|'); idx >= 0 {
			return inner[idx+1:]
		}
		return inner
	})
	s = mdLinkPattern.ReplaceAllString(s, "$1")
	s = strings.NewReplacer("#", "", "*", "", "_", "", "`", "", ">", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// buildStats derives word/char/heading/code-block counts.
func buildStats(body []byte, blocks []domain.Block) Stats {
	stats := Stats{
		WordCount: len(strings.Fields(string(body))),
		CharCount: utf8.RuneCount(body),
	}
	for _, b := range blocks {
		switch b.Type {
		case domain.BlockTypeHeading:
			stats.HeadingCount++
		case domain.BlockTypeCode:
			stats.CodeBlockCount++
		}
	}
	return stats
}

// nodeText collects the raw text of a node's inline content.
func nodeText(n ast.Node, source []byte) []byte {
	var out []byte
	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			out = append(out, t.Segment.Value(source)...)
		}
		return ast.WalkContinue, nil
	})
	return out
}
