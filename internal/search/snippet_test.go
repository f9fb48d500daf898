package search

import (
	"strings"
	"testing"
)

func TestBuildSnippet_NoMatchReturnsHead(t *testing.T) {
	long := strings.Repeat("filler words here ", 40)
	snippet, spans := buildSnippet(long, []string{"absent"})

	if len(spans) != 0 {
		t.Errorf("spans = %v, want none without matches", spans)
	}
	if len(snippet) == 0 || len(snippet) > snippetBudget {
		t.Errorf("head snippet length = %d, want within budget", len(snippet))
	}
}

func TestBuildSnippet_PicksDensestWindow(t *testing.T) {
	// One lonely early match, then a cluster far past the budget.
	content := "kiln intro. " + strings.Repeat("padding text ", 30) +
		"a kiln stores notes and every kiln has an index and the kiln syncs"
	snippet, spans := buildSnippet(content, []string{"kiln"})

	if len(spans) < 2 {
		t.Fatalf("got %d highlighted spans, want the dense cluster", len(spans))
	}
	for _, s := range spans {
		if got := strings.ToLower(snippet[s.Start:s.End]); got != "kiln" {
			t.Errorf("span text = %q, want kiln", got)
		}
	}
	if !strings.Contains(snippet, "stores notes") {
		t.Errorf("snippet %q should come from the cluster region", snippet)
	}
}

func TestBuildSnippet_OverlappingTermsFold(t *testing.T) {
	content := "the blockstore stores blocks"
	_, spans := buildSnippet(content, []string{"blockstore", "block"})

	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].End {
			t.Errorf("spans overlap: %v", spans)
		}
	}
}

func TestBuildSnippet_Empty(t *testing.T) {
	snippet, spans := buildSnippet("", []string{"x"})
	if snippet != "" || spans != nil {
		t.Errorf("empty content produced %q / %v", snippet, spans)
	}
}

func TestBuildSnippet_MultibyteSafe(t *testing.T) {
	content := strings.Repeat("héllo wörld ", 30) + "target here"
	snippet, _ := buildSnippet(content, []string{"target"})

	if !strings.Contains(snippet, "target") {
		t.Errorf("snippet %q should contain the match", snippet)
	}
	for _, r := range snippet {
		if r == '�' {
			t.Fatal("snippet split a multi-byte rune")
		}
	}
}
