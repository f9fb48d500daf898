package graph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/hash"
	"github.com/mootikins/crucible/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db)
}

func testNote(path, content string, tags ...string) *domain.Note {
	h := hash.Default()
	return &domain.Note{
		Path:        path,
		Title:       path,
		Content:     content,
		Frontmatter: map[string]any{},
		Tags:        tags,
		ModifiedAt:  time.Now(),
		ContentHash: h.Sum([]byte(content)),
		MerkleRoot:  h.Sum([]byte("root:" + content)),
	}
}

func TestUpsertAndGetNote(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note := testNote("a.md", "# A\n\nhello", "alpha")
	note.Frontmatter = map[string]any{"status": "draft", "priority": float64(2)}

	if err := store.UpsertNote(ctx, note, nil); err != nil {
		t.Fatalf("UpsertNote() error = %v", err)
	}

	got, err := store.GetNoteByPath(ctx, "a.md")
	if err != nil {
		t.Fatalf("GetNoteByPath() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetNoteByPath() returned nil")
	}
	if got.Content != note.Content {
		t.Errorf("Content = %q, want %q", got.Content, note.Content)
	}
	if got.Frontmatter["status"] != "draft" {
		t.Errorf("Frontmatter[status] = %v, want draft", got.Frontmatter["status"])
	}
	if len(got.Tags) != 1 || got.Tags[0] != "alpha" {
		t.Errorf("Tags = %v, want [alpha]", got.Tags)
	}
	if got.MerkleRoot != note.MerkleRoot {
		t.Errorf("MerkleRoot = %s, want %s", got.MerkleRoot, note.MerkleRoot)
	}
}

func TestGetNoteByPath_Missing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetNoteByPath(context.Background(), "missing.md")
	if err != nil {
		t.Fatalf("GetNoteByPath() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetNoteByPath() = %+v, want nil", got)
	}
}

func TestUpsertNote_IdenticalIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note := testNote("same.md", "unchanged content", "t")
	if err := store.UpsertNote(ctx, note, nil); err != nil {
		t.Fatal(err)
	}
	v1, err := store.RowVersion(ctx, "same.md")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.UpsertNote(ctx, note, nil); err != nil {
		t.Fatal(err)
	}
	v2, err := store.RowVersion(ctx, "same.md")
	if err != nil {
		t.Fatal(err)
	}

	if v1 != v2 {
		t.Errorf("row version changed on identical upsert: %d -> %d", v1, v2)
	}

	changed := testNote("same.md", "different content", "t")
	if err := store.UpsertNote(ctx, changed, nil); err != nil {
		t.Fatal(err)
	}
	v3, err := store.RowVersion(ctx, "same.md")
	if err != nil {
		t.Fatal(err)
	}
	if v3 == v2 {
		t.Error("row version should change when content changes")
	}
}

func TestWikilinkResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("b.md", "# B"), nil); err != nil {
		t.Fatal(err)
	}

	links := []domain.Wikilink{{Source: "a.md", Target: "b", Position: 10}}
	if err := store.UpsertNote(ctx, testNote("a.md", "links to [[b]]"), links); err != nil {
		t.Fatal(err)
	}

	got, err := store.Wikilinks(ctx, "a.md")
	if err != nil {
		t.Fatalf("Wikilinks() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Wikilinks() returned %d links, want 1", len(got))
	}
	if got[0].Resolved != "b.md" {
		t.Errorf("link resolved to %q, want b.md", got[0].Resolved)
	}
}

func TestWikilinkResolution_TargetIndexedLater(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// a.md links to b before b.md exists.
	links := []domain.Wikilink{{Source: "a.md", Target: "b"}}
	if err := store.UpsertNote(ctx, testNote("a.md", "links to [[b]]"), links); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Wikilinks(ctx, "a.md")
	if got[0].Resolved != "" {
		t.Fatalf("link should be unresolved before the target exists, got %q", got[0].Resolved)
	}

	// Indexing b.md adopts the dangling edge.
	if err := store.UpsertNote(ctx, testNote("b.md", "# B"), nil); err != nil {
		t.Fatal(err)
	}

	got, _ = store.Wikilinks(ctx, "a.md")
	if got[0].Resolved != "b.md" {
		t.Errorf("link resolved to %q after target indexed, want b.md", got[0].Resolved)
	}
}

func TestWikilinkResolution_Ambiguous(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("x/note.md", "one"), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertNote(ctx, testNote("y/note.md", "two"), nil); err != nil {
		t.Fatal(err)
	}

	links := []domain.Wikilink{{Source: "a.md", Target: "note"}}
	if err := store.UpsertNote(ctx, testNote("a.md", "see [[note]]"), links); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Wikilinks(ctx, "a.md")
	if got[0].Resolved != "" {
		t.Errorf("ambiguous link should stay unresolved, got %q", got[0].Resolved)
	}
	if len(got[0].Candidates) != 2 {
		t.Errorf("Candidates = %v, want both matching paths", got[0].Candidates)
	}

	// A folder-qualified form disambiguates.
	qualified := []domain.Wikilink{{Source: "a.md", Target: "x/note"}}
	if err := store.SetWikilinks(ctx, "a.md", qualified); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Wikilinks(ctx, "a.md")
	if got[0].Resolved != "x/note.md" {
		t.Errorf("qualified link resolved to %q, want x/note.md", got[0].Resolved)
	}
}

func TestDeleteNote_LeavesBrokenBacklinks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("b.md", "# B"), nil); err != nil {
		t.Fatal(err)
	}
	links := []domain.Wikilink{{Source: "a.md", Target: "b"}}
	if err := store.UpsertNote(ctx, testNote("a.md", "[[b]]", "keep"), links); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteNote(ctx, "b.md"); err != nil {
		t.Fatalf("DeleteNote() error = %v", err)
	}

	if got, _ := store.GetNoteByPath(ctx, "b.md"); got != nil {
		t.Error("deleted note still readable")
	}

	broken, err := store.BrokenWikilinks(ctx)
	if err != nil {
		t.Fatalf("BrokenWikilinks() error = %v", err)
	}
	if len(broken) != 1 || broken[0].Source != "a.md" {
		t.Errorf("BrokenWikilinks() = %+v, want the a.md -> b edge", broken)
	}

	// Tag usage of the surviving note is untouched.
	tag, err := store.GetTag(ctx, "keep")
	if err != nil {
		t.Fatal(err)
	}
	if tag == nil || tag.UsageCount != 1 {
		t.Errorf("tag keep = %+v, want usage 1", tag)
	}
}

func TestDeleteNote_RemovesOutgoingEdgesAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	links := []domain.Wikilink{{Source: "a.md", Target: "b"}}
	if err := store.UpsertNote(ctx, testNote("a.md", "[[b]] #solo", "solo"), links); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteNote(ctx, "a.md"); err != nil {
		t.Fatal(err)
	}

	if tag, _ := store.GetTag(ctx, "solo"); tag != nil {
		t.Errorf("tag solo should be pruned after its only note is deleted, got %+v", tag)
	}
	if links, _ := store.Wikilinks(ctx, "a.md"); len(links) != 0 {
		t.Errorf("outgoing links survived deletion: %+v", links)
	}
}

func TestTagUsageCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("1.md", "x", "shared", "only1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertNote(ctx, testNote("2.md", "y", "shared"), nil); err != nil {
		t.Fatal(err)
	}

	tag, _ := store.GetTag(ctx, "shared")
	if tag == nil || tag.UsageCount != 2 {
		t.Fatalf("shared usage = %+v, want 2", tag)
	}

	// Re-upsert note 1 without its tags: counts drop, empty tags prune.
	if err := store.UpsertNote(ctx, testNote("1.md", "x2"), nil); err != nil {
		t.Fatal(err)
	}

	tag, _ = store.GetTag(ctx, "shared")
	if tag == nil || tag.UsageCount != 1 {
		t.Errorf("shared usage after removal = %+v, want 1", tag)
	}
	if tag, _ := store.GetTag(ctx, "only1"); tag != nil {
		t.Errorf("only1 should be pruned, got %+v", tag)
	}
}

func TestHierarchicalTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("n.md", "z", "project/crucible/core"), nil); err != nil {
		t.Fatal(err)
	}

	leaf, _ := store.GetTag(ctx, "project/crucible/core")
	if leaf == nil || leaf.UsageCount != 1 || leaf.Parent != "project/crucible" {
		t.Errorf("leaf tag = %+v", leaf)
	}
	mid, _ := store.GetTag(ctx, "project/crucible")
	if mid == nil || mid.UsageCount != 0 {
		t.Errorf("intermediate tag = %+v, want usage 0", mid)
	}

	// Removing the leaf prunes the whole unused chain.
	if err := store.UpsertNote(ctx, testNote("n.md", "z2"), nil); err != nil {
		t.Fatal(err)
	}
	if tag, _ := store.GetTag(ctx, "project"); tag != nil {
		t.Errorf("project should be pruned once childless and unused, got %+v", tag)
	}
}

func TestNotesByTags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("1.md", "a", "x", "y"), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertNote(ctx, testNote("2.md", "b", "x"), nil); err != nil {
		t.Fatal(err)
	}

	any, err := store.NotesByTags(ctx, []string{"x", "y"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(any) != 2 {
		t.Errorf("contains_any = %v, want both notes", any)
	}

	all, err := store.NotesByTags(ctx, []string{"x", "y"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0] != "1.md" {
		t.Errorf("contains_all = %v, want [1.md]", all)
	}
}

func TestNeighborhood(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// a -> b -> c, with a cycle back c -> a.
	for _, p := range []string{"a.md", "b.md", "c.md"} {
		if err := store.UpsertNote(ctx, testNote(p, "node"), nil); err != nil {
			t.Fatal(err)
		}
	}
	pairs := [][2]string{{"a.md", "b"}, {"b.md", "c"}, {"c.md", "a"}}
	for _, pair := range pairs {
		links := []domain.Wikilink{{Source: pair[0], Target: pair[1]}}
		if err := store.SetWikilinks(ctx, pair[0], links); err != nil {
			t.Fatal(err)
		}
	}

	one, err := store.Neighborhood(ctx, "a.md", 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0] != "b.md" {
		t.Errorf("depth-1 = %v, want [b.md]", one)
	}

	two, err := store.Neighborhood(ctx, "a.md", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 || two[0] != "b.md" || two[1] != "c.md" {
		t.Errorf("depth-2 = %v, want [b.md c.md] in BFS order", two)
	}

	// The cycle never revisits the start.
	three, err := store.Neighborhood(ctx, "a.md", 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(three) != 2 {
		t.Errorf("deep traversal = %v, cycle should terminate", three)
	}

	reverse, err := store.Neighborhood(ctx, "a.md", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(reverse) != 1 || reverse[0] != "c.md" {
		t.Errorf("reverse depth-1 = %v, want [c.md]", reverse)
	}
}

func TestListNotes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"root.md", "sub/one.md", "sub/deep/two.md"} {
		if err := store.UpsertNote(ctx, testNote(p, "c"), nil); err != nil {
			t.Fatal(err)
		}
	}

	top, err := store.ListNotes(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].Path != "root.md" {
		t.Errorf("non-recursive root listing = %+v, want [root.md]", top)
	}

	all, err := store.ListNotes(ctx, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("recursive listing found %d notes, want 3", len(all))
	}

	sub, err := store.ListNotes(ctx, "sub", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 1 || sub[0].Path != "sub/one.md" {
		t.Errorf("sub listing = %+v, want [sub/one.md]", sub)
	}

	subRec, err := store.ListNotes(ctx, "sub", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(subRec) != 2 {
		t.Errorf("recursive sub listing found %d notes, want 2", len(subRec))
	}
}

func TestGetNoteByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertNote(ctx, testNote("folder/Unique.md", "u"), nil); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetNoteByName(ctx, "unique")
	if err != nil {
		t.Fatalf("GetNoteByName() error = %v", err)
	}
	if got == nil || got.Path != "folder/Unique.md" {
		t.Errorf("GetNoteByName() = %+v", got)
	}

	if err := store.UpsertNote(ctx, testNote("other/unique.md", "u2"), nil); err != nil {
		t.Fatal(err)
	}

	_, err = store.GetNoteByName(ctx, "unique")
	if _, ok := err.(*domain.ErrAmbiguousTarget); !ok {
		t.Errorf("GetNoteByName() with duplicates error = %v, want ErrAmbiguousTarget", err)
	}
}
