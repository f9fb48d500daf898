package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mootikins/crucible/internal/config"
	"github.com/mootikins/crucible/internal/hash"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/merkle"
	"github.com/mootikins/crucible/internal/query"
	"github.com/mootikins/crucible/internal/vector"
)

// fakeEmbedder is deterministic per (text, model): the vector is a simple
// character histogram, fixed dimension.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	vec := make([]float32, 8)
	for _, r := range text {
		vec[int(r)%len(vec)]++
	}
	return vec, nil
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	kiln := t.TempDir()
	cfg := config.Default()
	cfg.Kiln.Path = kiln
	cfg.Embedding.Provider = "fake"
	cfg.Embedding.Model = "fake-model"
	cfg.Embedding.Dimensions = 8

	e, err := New(cfg, logging.Nop(), Options{Embedder: fakeEmbedder{}, Debounce: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Close(ctx)
	})

	ctx := context.Background()
	e.Start(ctx)
	return e, kiln
}

func write(t *testing.T, kiln, rel, content string) {
	t.Helper()
	full := filepath.Join(kiln, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// settle waits for the watcher debounce plus the pipeline drain.
func settle(t *testing.T, e *Engine) {
	t.Helper()
	time.Sleep(150 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	// A second settle covers the debounce window racing the first drain.
	time.Sleep(150 * time.Millisecond)
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestEngine_IndexThenQuery(t *testing.T) {
	e, kiln := newTestEngine(t)
	ctx := context.Background()

	write(t, kiln, "a.md", "# Title\nLinks to [[b]].\n#tag/x\n")
	write(t, kiln, "b.md", "# B\n")
	settle(t, e)

	links, err := e.Graph().Wikilinks(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].Resolved != "b.md" {
		t.Errorf("wikilinks = %+v, want one edge resolved to b.md", links)
	}

	results, err := e.Queries().Run(ctx, query.Query{
		Filter: query.Tags{Tags: []string{"tag/x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results.Hits) != 1 || results.Hits[0].Path != "a.md" {
		t.Errorf("tag query hits = %+v, want [a.md]", results.Hits)
	}

	// The Merkle root is stable across a second identical run.
	rootBefore, err := e.Graph().MerkleRoot(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Index(ctx, "a.md"); err != nil {
		t.Fatal(err)
	}
	rootAfter, err := e.Graph().MerkleRoot(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if rootBefore != rootAfter {
		t.Errorf("merkle root changed across identical runs: %s -> %s", rootBefore, rootAfter)
	}
}

func TestEngine_ModifySingleBlock(t *testing.T) {
	e, kiln := newTestEngine(t)
	ctx := context.Background()

	original := "# Title\n\nFirst paragraph.\n"
	write(t, kiln, "a.md", original)
	settle(t, e)

	statsBefore, err := e.Blocks().Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rootBefore, err := e.Graph().MerkleRoot(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	oldLeaves, err := e.Blocks().GetTree(ctx, rootBefore)
	if err != nil {
		t.Fatal(err)
	}

	write(t, kiln, "a.md", original+"\nNew paragraph.\n")
	settle(t, e)

	statsAfter, err := e.Blocks().Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// One new AST block plus the updated raw-content blob.
	newBlocks := statsAfter.BlockCount - statsBefore.BlockCount
	if newBlocks != 2 {
		t.Errorf("block count grew by %d, want 2 (appended block + raw content)", newBlocks)
	}

	rootAfter, err := e.Graph().MerkleRoot(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if rootBefore == rootAfter {
		t.Fatal("root should change after an edit")
	}

	newLeaves, err := e.Blocks().GetTree(ctx, rootAfter)
	if err != nil {
		t.Fatal(err)
	}
	if len(newLeaves) != 3 {
		t.Fatalf("new tree has %d leaves, want 3", len(newLeaves))
	}

	h := hash.Default()
	diff := merkle.Diff(merkle.Build(h, oldLeaves), merkle.Build(h, newLeaves))
	if len(diff) != 1 || diff[0] != len(newLeaves)-1 {
		t.Errorf("merkle diff = %v, want a single differing leaf at the last position", diff)
	}
}

func TestEngine_DeleteNote(t *testing.T) {
	e, kiln := newTestEngine(t)
	ctx := context.Background()

	write(t, kiln, "a.md", "# Title\nLinks to [[b]].\n#tag/x\n")
	write(t, kiln, "b.md", "# B\n")
	settle(t, e)

	if err := os.Remove(filepath.Join(kiln, "b.md")); err != nil {
		t.Fatal(err)
	}
	settle(t, e)

	gone, err := e.Graph().GetNoteByPath(ctx, "b.md")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("deleted note still present")
	}

	broken, err := e.Graph().BrokenWikilinks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(broken) != 1 || broken[0].Source != "a.md" {
		t.Errorf("broken links = %+v, want the edge from a.md", broken)
	}

	tag, err := e.Graph().GetTag(ctx, "tag/x")
	if err != nil {
		t.Fatal(err)
	}
	if tag == nil || tag.UsageCount != 1 {
		t.Errorf("tag/x = %+v, usage should be unchanged at 1", tag)
	}
}

func TestEngine_CombinedQuery(t *testing.T) {
	e, kiln := newTestEngine(t)
	ctx := context.Background()

	write(t, kiln, "index.md", "Start: [[one]] and [[two]].\n")
	write(t, kiln, "one.md", "---\ntags: [project]\n---\nAlpha content. [[three]]\n")
	write(t, kiln, "two.md", "Beta content, untagged.\n")
	write(t, kiln, "three.md", "---\ntags: [project]\n---\nGamma content.\n")
	write(t, kiln, "island.md", "---\ntags: [project]\n---\nUnreachable.\n")
	settle(t, e)

	qv, err := fakeEmbedder{}.Embed(ctx, "Alpha content.", "fake-model")
	if err != nil {
		t.Fatal(err)
	}

	q := query.Query{
		Graph:  &query.GraphStep{Start: "index.md", Depth: 2},
		Filter: query.Tags{Tags: []string{"project"}},
		Vector: &query.Vector{Vector: qv, Model: "fake-model"},
	}
	results, err := e.Queries().Run(ctx, q)
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for _, h := range results.Hits {
		got[h.Path] = true
	}
	if got["island.md"] || got["two.md"] {
		t.Errorf("hits include excluded notes: %+v", results.Hits)
	}
	if !got["one.md"] || !got["three.md"] {
		t.Errorf("hits = %+v, want one.md and three.md", results.Hits)
	}
	for i := 1; i < len(results.Hits); i++ {
		if results.Hits[i].Score < results.Hits[i-1].Score {
			t.Error("hits not ordered by increasing distance")
		}
	}

	// Without the ranking stage the result is a superset.
	q.Vector = nil
	unranked, err := e.Queries().Run(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	super := map[string]bool{}
	for _, h := range unranked.Hits {
		super[h.Path] = true
	}
	for p := range got {
		if !super[p] {
			t.Errorf("ranked hit %s missing from superset", p)
		}
	}
}

func TestEngine_ReindexRebuildsPrivateState(t *testing.T) {
	e, kiln := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		write(t, kiln, fmt.Sprintf("n%d.md", i), fmt.Sprintf("# Note %d\n#common\n", i))
	}
	settle(t, e)

	// Drop a file behind the watcher's back, then reindex.
	if err := os.Remove(filepath.Join(kiln, "n3.md")); err != nil {
		t.Fatal(err)
	}
	settle(t, e)

	if err := e.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}

	paths, err := e.Graph().AllPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 4 {
		t.Errorf("paths after reindex = %v, want 4 notes", paths)
	}

	tag, err := e.Graph().GetTag(ctx, "common")
	if err != nil {
		t.Fatal(err)
	}
	if tag == nil || tag.UsageCount != 4 {
		t.Errorf("tag usage = %+v, want 4", tag)
	}
}

func TestEngine_EmbeddingsPending(t *testing.T) {
	e, kiln := newTestEngine(t)
	ctx := context.Background()

	write(t, kiln, "embedded.md", "# E\nsome text\n")
	settle(t, e)

	vec, model, err := e.Vectors().GetEmbedding(ctx, "embedded.md", vector.KindNote)
	if err != nil {
		t.Fatal(err)
	}
	if vec == nil || model != "fake-model" {
		t.Errorf("embedding = %v (%s), want stored vector from fake-model", vec, model)
	}

	pending, err := e.Vectors().PendingEmbeddings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %v, want none after successful embedding", pending)
	}
}
