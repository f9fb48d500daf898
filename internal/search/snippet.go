package search

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Span is a [Start, End) byte range.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// snippetBudget bounds the snippet length in bytes.
const snippetBudget = 160

// buildSnippet picks the window of the content that covers the most query
// term occurrences and returns it with the matched ranges rebased onto the
// snippet. Content with no matches yields its leading window and no
// highlights.
func buildSnippet(content string, terms []string) (string, []Span) {
	if content == "" {
		return "", nil
	}

	matches := termSpans(content, terms)
	if len(matches) == 0 {
		head := content
		if len(head) > snippetBudget {
			head = truncateAtRune(head, snippetBudget)
		}
		return strings.TrimSpace(head), nil
	}

	winStart, winEnd := bestWindow(content, matches)
	snippet := content[winStart:winEnd]

	// Rebase the covered matches onto the snippet.
	var spans []Span
	for _, m := range matches {
		if m.End <= winStart || m.Start >= winEnd {
			continue
		}
		s := Span{Start: max(m.Start, winStart) - winStart, End: min(m.End, winEnd) - winStart}
		spans = append(spans, s)
	}

	// Trimming whitespace shifts every offset by the leading cut.
	trimmed := strings.TrimLeft(snippet, " \t\n")
	lead := len(snippet) - len(trimmed)
	trimmed = strings.TrimRight(trimmed, " \t\n")
	for i := range spans {
		spans[i].Start -= lead
		spans[i].End -= lead
		if spans[i].Start < 0 {
			spans[i].Start = 0
		}
		if spans[i].End > len(trimmed) {
			spans[i].End = len(trimmed)
		}
	}

	return trimmed, spans
}

// termSpans locates every occurrence of every term, case-insensitively,
// sorted by position with overlapping ranges folded together.
func termSpans(content string, terms []string) []Span {
	lower := strings.ToLower(content)

	var raw []Span
	for _, term := range terms {
		if term == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(lower[from:], term)
			if idx < 0 {
				break
			}
			start := from + idx
			raw = append(raw, Span{Start: start, End: start + len(term)})
			from = start + len(term)
		}
	}
	if len(raw) == 0 {
		return nil
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].Start < raw[j].Start })

	folded := raw[:1]
	for _, s := range raw[1:] {
		last := &folded[len(folded)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		folded = append(folded, s)
	}
	return folded
}

// bestWindow slides a budget-sized window anchored at each match and keeps
// the one covering the most matches, earliest on ties. The window then gains
// a little leading context and snaps to rune and word boundaries.
func bestWindow(content string, matches []Span) (int, int) {
	bestIdx, bestCovered := 0, 0
	for i, m := range matches {
		covered := 0
		for j := i; j < len(matches) && matches[j].End <= m.Start+snippetBudget; j++ {
			covered++
		}
		if covered > bestCovered {
			bestIdx, bestCovered = i, covered
		}
	}

	anchor := matches[bestIdx].Start
	lead := snippetBudget / 5
	start := anchor - lead
	if start < 0 {
		start = 0
	}
	end := start + snippetBudget
	if end > len(content) {
		end = len(content)
	}
	if end < matches[bestIdx].End {
		end = matches[bestIdx].End
	}

	// Never split a rune, and prefer starting after a word break when the
	// window opens mid-text.
	start = runeStart(content, start)
	if start > 0 {
		if sp := strings.IndexAny(content[start:anchor], " \t\n"); sp >= 0 {
			start += sp + 1
		}
	}
	end = runeStart(content, end)
	if end < len(content) {
		if sp := strings.LastIndexAny(content[matches[bestIdx].End:end], " \t\n"); sp >= 0 {
			end = matches[bestIdx].End + sp
		}
	}

	return start, end
}

// runeStart backs an offset up to the start of the rune containing it.
func runeStart(s string, offset int) int {
	if offset >= len(s) {
		return len(s)
	}
	for offset > 0 && !utf8.RuneStart(s[offset]) {
		offset--
	}
	return offset
}

// truncateAtRune cuts a string at or before n bytes without splitting a rune.
func truncateAtRune(s string, n int) string {
	return s[:runeStart(s, n)]
}
