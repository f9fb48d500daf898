package parser

import (
	"testing"
)

func TestFrontmatter_YAML(t *testing.T) {
	p := New()
	content := "---\ntitle: My Note\nstatus: draft\nproject:\n  name: crucible\n  priority: 2\n---\n\nbody\n"

	doc, err := p.ParseContent([]byte(content), "fm.md")
	if err != nil {
		t.Fatalf("ParseContent() error = %v", err)
	}

	if doc.Frontmatter.Format() != FrontmatterYAML {
		t.Errorf("Format() = %q, want yaml", doc.Frontmatter.Format())
	}

	if got, ok := doc.Frontmatter.Get("status"); !ok || got != "draft" {
		t.Errorf("Get(status) = %v, %v", got, ok)
	}

	if got, ok := doc.Frontmatter.Get("project.name"); !ok || got != "crucible" {
		t.Errorf("Get(project.name) = %v, %v, want crucible", got, ok)
	}

	if _, ok := doc.Frontmatter.Get("project.missing"); ok {
		t.Error("Get() of a missing nested key should report not found")
	}
}

func TestFrontmatter_TOML(t *testing.T) {
	p := New()
	content := "+++\ntitle = \"TOML Note\"\ndraft = true\n+++\n\nbody\n"

	doc, err := p.ParseContent([]byte(content), "toml.md")
	if err != nil {
		t.Fatalf("ParseContent() error = %v", err)
	}

	if doc.Frontmatter.Format() != FrontmatterTOML {
		t.Errorf("Format() = %q, want toml", doc.Frontmatter.Format())
	}
	if doc.Title != "TOML Note" {
		t.Errorf("Title = %q, want TOML Note", doc.Title)
	}
	if got, ok := doc.Frontmatter.Get("draft"); !ok || got != true {
		t.Errorf("Get(draft) = %v, %v, want true", got, ok)
	}
}

func TestFrontmatter_InvalidIsRecoverable(t *testing.T) {
	p := New()
	content := "---\ntitle: [unclosed\n---\n\nbody still parses\n"

	doc, err := p.ParseContent([]byte(content), "bad.md")
	if err != nil {
		t.Fatalf("invalid frontmatter must not fail the document: %v", err)
	}

	if len(doc.Frontmatter.Map()) != 0 {
		t.Errorf("failed frontmatter should read as empty, got %v", doc.Frontmatter.Map())
	}
	if doc.Frontmatter.Err() == nil {
		t.Error("Err() should report the parse failure")
	}
	if len(doc.Diagnostics) == 0 {
		t.Error("the document should carry a frontmatter diagnostic")
	}
	if len(doc.Blocks) == 0 {
		t.Error("the body should still produce blocks")
	}
}

func TestFrontmatter_Unterminated(t *testing.T) {
	p := New()
	content := "---\ntitle: never closed\n\nbody\n"

	doc, err := p.ParseContent([]byte(content), "open.md")
	if err != nil {
		t.Fatalf("ParseContent() error = %v", err)
	}
	if doc.Frontmatter.Format() != FrontmatterNone {
		t.Errorf("unterminated fence should yield no frontmatter, got %q", doc.Frontmatter.Format())
	}
}

func TestFrontmatter_UnknownKeysPreserved(t *testing.T) {
	p := New()
	content := "---\ncustom_field: 42\nanother:\n  - a\n  - b\n---\nbody\n"

	doc, err := p.ParseContent([]byte(content), "custom.md")
	if err != nil {
		t.Fatalf("ParseContent() error = %v", err)
	}

	if got, ok := doc.Frontmatter.Get("custom_field"); !ok || got != 42 {
		t.Errorf("Get(custom_field) = %v, %v, want 42", got, ok)
	}
	if got, ok := doc.Frontmatter.Get("another"); !ok {
		t.Error("Get(another) should find the list")
	} else if list, isList := got.([]any); !isList || len(list) != 2 {
		t.Errorf("Get(another) = %v, want a two-element list", got)
	}
}

func TestFrontmatter_EmptyFence(t *testing.T) {
	p := New()
	doc, err := p.ParseContent([]byte("---\n---\nbody\n"), "empty-fm.md")
	if err != nil {
		t.Fatalf("ParseContent() error = %v", err)
	}
	if len(doc.Frontmatter.Map()) != 0 {
		t.Errorf("empty fence should yield empty map, got %v", doc.Frontmatter.Map())
	}
	if doc.Frontmatter.Err() != nil {
		t.Errorf("empty fence should not error: %v", doc.Frontmatter.Err())
	}
}

func TestExtractFrontmatter_BodyOffset(t *testing.T) {
	content := []byte("---\na: 1\n---\n# Heading\n")
	raw, format, offset := extractFrontmatter(content)

	if format != FrontmatterYAML {
		t.Fatalf("format = %q, want yaml", format)
	}
	if string(raw) != "a: 1" {
		t.Errorf("raw = %q, want %q", raw, "a: 1")
	}
	if string(content[offset:]) != "# Heading\n" {
		t.Errorf("body from offset = %q, want %q", content[offset:], "# Heading\n")
	}
}
