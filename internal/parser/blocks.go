package parser

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark/ast"

	"github.com/mootikins/crucible/internal/domain"
)

var (
	tagPattern       = regexp.MustCompile(`(?:^|[^a-zA-Z0-9])#([a-zA-Z_][a-zA-Z0-9_-]*(?:/[a-zA-Z0-9_-]+)*)`)
	wikilinkPattern  = regexp.MustCompile(`!?\[\[[^\[\]]+\]\]`)
	mdLinkPattern    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	codeFencePattern = regexp.MustCompile("(?s)```.*?```")
	calloutPattern   = regexp.MustCompile(`^\[!([a-zA-Z-]+)\]`)
	slugStrip        = regexp.MustCompile(`[^a-z0-9\s-]`)
)

// extractBlocks walks the document's top-level AST nodes and produces ordered
// blocks with [start, end) byte ranges relative to the whole note. Nested
// structure stays inside the outer block; type-specific details land in
// metadata. A node whose range cannot be recovered becomes a parse-error
// block when it carries text, and is skipped otherwise.
func (p *Parser) extractBlocks(root ast.Node, body []byte, bodyOffset int, doc *ParsedDocument) []domain.Block {
	blocks := []domain.Block{}

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		block, ok := p.buildBlock(n, body, bodyOffset, doc)
		if !ok {
			continue
		}
		blocks = append(blocks, block)
	}

	return blocks
}

// buildBlock converts one top-level node into a block.
func (p *Parser) buildBlock(n ast.Node, body []byte, bodyOffset int, doc *ParsedDocument) (domain.Block, bool) {
	start, end, ok := blockRange(n, body)
	if !ok {
		return domain.Block{}, false
	}
	if start > end || end > len(body) {
		// Inconsistent segment math: keep the text, flag the block.
		text := string(nodeText(n, body))
		doc.Diagnostics = append(doc.Diagnostics, "unrecoverable byte range for block, kept as parse-error")
		block := domain.Block{
			Type:     domain.BlockTypeParseError,
			Content:  text,
			Metadata: map[string]any{},
		}
		block.Hash, _ = p.hasher.SumBlock(&block)
		return block, true
	}

	content := string(body[start:end])
	blockType, metadata := classifyBlock(n, body, content)

	block := domain.Block{
		Type:     blockType,
		Content:  content,
		Metadata: metadata,
		Start:    bodyOffset + start,
		End:      bodyOffset + end,
	}

	h, err := p.hasher.SumBlock(&block)
	if err != nil {
		doc.Diagnostics = append(doc.Diagnostics, err.Error())
		block.Type = domain.BlockTypeParseError
		block.Metadata = map[string]any{}
		block.Hash, _ = p.hasher.SumBlock(&block)
		return block, true
	}
	block.Hash = h
	return block, true
}

// classifyBlock maps an AST node to a block type plus metadata.
func classifyBlock(n ast.Node, body []byte, content string) (domain.BlockType, map[string]any) {
	metadata := map[string]any{}

	switch node := n.(type) {
	case *ast.Heading:
		metadata["level"] = node.Level
		metadata["slug"] = slugify(string(nodeText(node, body)))
		return domain.BlockTypeHeading, metadata

	case *ast.FencedCodeBlock:
		if lang := node.Language(body); len(lang) > 0 {
			metadata["language"] = string(lang)
		}
		metadata["fenced"] = true
		return domain.BlockTypeCode, metadata

	case *ast.CodeBlock:
		metadata["fenced"] = false
		return domain.BlockTypeCode, metadata

	case *ast.List:
		metadata["ordered"] = node.IsOrdered()
		metadata["marker"] = string(node.Marker)
		items := 0
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			items++
		}
		metadata["items"] = items
		return domain.BlockTypeList, metadata

	case *ast.Blockquote:
		inner := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), ">"))
		if m := calloutPattern.FindStringSubmatch(inner); m != nil {
			metadata["callout"] = strings.ToLower(m[1])
			return domain.BlockTypeCallout, metadata
		}
		return domain.BlockTypeQuote, metadata

	case *ast.Paragraph:
		trimmed := strings.TrimSpace(content)
		if strings.HasPrefix(trimmed, "$$") && strings.HasSuffix(trimmed, "$$") && len(trimmed) > 4 {
			return domain.BlockTypeMath, metadata
		}
		return domain.BlockTypeParagraph, metadata

	case *ast.HTMLBlock:
		return domain.BlockTypeHTML, metadata

	case *ast.ThematicBreak:
		return domain.BlockTypeThematic, metadata
	}

	return domain.BlockTypeOther, metadata
}

// blockRange recovers the byte range of a node from its line segments,
// expanded to whole lines so markers ("# ", ">", list bullets, code fences)
// stay inside the owning block.
func blockRange(n ast.Node, body []byte) (int, int, bool) {
	minStart, maxStop, found := segmentBounds(n)
	if !found {
		return 0, 0, false
	}

	start := lineStart(body, minStart)
	end := lineEnd(body, maxStop)

	// Fenced code segments cover only the code lines; extend over the fences.
	if _, ok := n.(*ast.FencedCodeBlock); ok {
		start = fenceOpenStart(body, start)
		end = fenceCloseEnd(body, end)
	}

	return start, end, true
}

// segmentBounds finds the minimal and maximal byte offsets across the node's
// own lines and all descendant segments.
func segmentBounds(n ast.Node) (int, int, bool) {
	minStart, maxStop := -1, -1

	observe := func(start, stop int) {
		if start < 0 || stop < start {
			return
		}
		if minStart == -1 || start < minStart {
			minStart = start
		}
		if stop > maxStop {
			maxStop = stop
		}
	}

	ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if child.Type() == ast.TypeBlock {
			lines := child.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				observe(seg.Start, seg.Stop)
			}
		}
		if t, ok := child.(*ast.Text); ok {
			observe(t.Segment.Start, t.Segment.Stop)
		}
		return ast.WalkContinue, nil
	})

	if minStart == -1 {
		return 0, 0, false
	}
	return minStart, maxStop, true
}

// lineStart returns the offset of the first byte of the line containing pos.
func lineStart(body []byte, pos int) int {
	if pos > len(body) {
		pos = len(body)
	}
	idx := bytes.LastIndexByte(body[:pos], '\n')
	return idx + 1
}

// lineEnd returns the offset just past the last content byte of the line
// containing pos-1, excluding the newline itself.
func lineEnd(body []byte, pos int) int {
	if pos >= len(body) {
		return len(body)
	}
	idx := bytes.IndexByte(body[pos:], '\n')
	if idx == -1 {
		return len(body)
	}
	return pos + idx
}

// fenceOpenStart walks one line backwards to include the opening fence.
func fenceOpenStart(body []byte, start int) int {
	if start == 0 {
		return start
	}
	prev := lineStart(body, start-1)
	line := bytes.TrimSpace(body[prev : start-1])
	if bytes.HasPrefix(line, []byte("```")) || bytes.HasPrefix(line, []byte("~~~")) {
		return prev
	}
	return start
}

// fenceCloseEnd walks one line forward to include the closing fence.
func fenceCloseEnd(body []byte, end int) int {
	if end >= len(body) {
		return end
	}
	next := end
	if body[next] == '\n' {
		next++
	}
	lineStop := lineEnd(body, next)
	line := bytes.TrimSpace(body[next:lineStop])
	if bytes.HasPrefix(line, []byte("```")) || bytes.HasPrefix(line, []byte("~~~")) {
		return lineStop
	}
	return end
}

// slugify derives a heading anchor id.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugStrip.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), "-")
	return s
}
