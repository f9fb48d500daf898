package parser

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark/ast"
	"go.abhg.dev/goldmark/wikilink"

	"github.com/mootikins/crucible/internal/domain"
)

// extractWikilinks walks the AST for wikilink nodes and records the raw
// target, alias, section anchor, embed flag, and the byte offset of the
// opening bracket. Resolution to a note identity happens in the graph store.
func extractWikilinks(root ast.Node, body []byte, bodyOffset int, source string) []domain.Wikilink {
	links := []domain.Wikilink{}

	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		node, ok := n.(*wikilink.Node)
		if !ok {
			return ast.WalkContinue, nil
		}

		target := string(node.Target)
		section := ""
		if idx := strings.Index(target, "#"); idx >= 0 {
			section = target[idx+1:]
			target = target[:idx]
		}

		alias := ""
		if label := string(nodeText(node, body)); label != "" && label != string(node.Target) {
			alias = label
		}

		links = append(links, domain.Wikilink{
			Source:   source,
			Target:   target,
			Alias:    alias,
			Section:  section,
			Embed:    node.Embed,
			Position: bodyOffset + linkPosition(node, body),
		})

		return ast.WalkSkipChildren, nil
	})

	return links
}

// linkPosition finds the byte offset of the link's opening "[[" (or "![[")
// by scanning back from the label's first text segment.
func linkPosition(node *wikilink.Node, body []byte) int {
	if t, ok := node.FirstChild().(*ast.Text); ok {
		idx := bytes.LastIndex(body[:t.Segment.Start], []byte("[["))
		if idx >= 0 {
			if idx > 0 && body[idx-1] == '!' {
				return idx - 1
			}
			return idx
		}
	}
	// No label segment: fall back to a forward search for the raw target.
	needle := append([]byte("[["), node.Target...)
	if idx := bytes.Index(body, needle); idx >= 0 {
		if idx > 0 && body[idx-1] == '!' {
			return idx - 1
		}
		return idx
	}
	return 0
}
