package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/graph"
	"github.com/mootikins/crucible/internal/hash"
	"github.com/mootikins/crucible/internal/search"
	"github.com/mootikins/crucible/internal/storage"
	"github.com/mootikins/crucible/internal/vector"
)

const testModel = "fake-model"

type fixture struct {
	engine  *Engine
	graph   *graph.Store
	search  *search.Index
	vectors *vector.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "query.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		graph:   graph.New(db),
		search:  search.NewIndex(),
		vectors: vector.New(db),
	}
	f.engine = NewEngine(f.graph, f.search, f.vectors, testModel)
	return f
}

func (f *fixture) addNote(t *testing.T, path, content string, fm map[string]any, tags []string, links []domain.Wikilink, embedding []float32) {
	t.Helper()
	ctx := context.Background()
	h := hash.Default()

	if fm == nil {
		fm = map[string]any{}
	}
	note := &domain.Note{
		Path:        path,
		Title:       path,
		Content:     content,
		Frontmatter: fm,
		Tags:        tags,
		ModifiedAt:  time.Now(),
		ContentHash: h.Sum([]byte(content)),
		MerkleRoot:  h.Sum([]byte("root:" + path)),
	}
	if err := f.graph.UpsertNote(ctx, note, links); err != nil {
		t.Fatal(err)
	}
	f.search.IndexNote(search.Document{Path: path, Title: path, Content: content, Tags: tags, ModifiedAt: note.ModifiedAt})
	if embedding != nil {
		if err := f.vectors.PutEmbedding(ctx, path, vector.KindNote, embedding, testModel); err != nil {
			t.Fatal(err)
		}
	}
}

func intp(n int) *int { return &n }

func hitPaths(results Results) []string {
	paths := make([]string, len(results.Hits))
	for i, h := range results.Hits {
		paths[i] = h.Path
	}
	return paths
}

func TestRun_PropertyFilter(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "draft.md", "a draft", map[string]any{"status": "draft"}, nil, nil, nil)
	f.addNote(t, "done.md", "finished", map[string]any{"status": "done"}, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Filter: Property{Path: "status", Op: OpEq, Value: "draft"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := hitPaths(results); len(got) != 1 || got[0] != "draft.md" {
		t.Errorf("hits = %v, want [draft.md]", got)
	}
}

func TestRun_NestedPropertyAndNumbers(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "high.md", "x", map[string]any{"project": map[string]any{"priority": float64(5)}}, nil, nil, nil)
	f.addNote(t, "low.md", "y", map[string]any{"project": map[string]any{"priority": float64(1)}}, nil, nil, nil)
	f.addNote(t, "none.md", "z", nil, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Filter: Property{Path: "project.priority", Op: OpGt, Value: float64(3)},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Notes without the property compare false, never true.
	if got := hitPaths(results); len(got) != 1 || got[0] != "high.md" {
		t.Errorf("hits = %v, want [high.md]", got)
	}
}

func TestRun_DateComparison(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "old.md", "x", map[string]any{"due": "2024-01-15"}, nil, nil, nil)
	f.addNote(t, "new.md", "y", map[string]any{"due": "2025-06-01"}, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Filter: Property{Path: "due", Op: OpLt, Value: "2025-01-01"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitPaths(results); len(got) != 1 || got[0] != "old.md" {
		t.Errorf("hits = %v, want [old.md]", got)
	}
}

func TestRun_BooleanCombinators(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "a.md", "x", map[string]any{"status": "draft"}, []string{"work"}, nil, nil)
	f.addNote(t, "b.md", "y", map[string]any{"status": "draft"}, nil, nil, nil)
	f.addNote(t, "c.md", "z", map[string]any{"status": "done"}, []string{"work"}, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Filter: And{Filters: []Filter{
			Property{Path: "status", Op: OpEq, Value: "draft"},
			Tags{Tags: []string{"work"}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitPaths(results); len(got) != 1 || got[0] != "a.md" {
		t.Errorf("And hits = %v, want [a.md]", got)
	}

	results, err = f.engine.Run(context.Background(), Query{
		Filter: Not{Filter: Tags{Tags: []string{"work"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitPaths(results); len(got) != 1 || got[0] != "b.md" {
		t.Errorf("Not hits = %v, want [b.md]", got)
	}
}

func TestRun_ContainsOperators(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "multi.md", "x", map[string]any{"authors": []any{"ada", "grace"}}, nil, nil, nil)
	f.addNote(t, "single.md", "y", map[string]any{"authors": []any{"ada"}}, nil, nil, nil)

	all, err := f.engine.Run(context.Background(), Query{
		Filter: Property{Path: "authors", Op: OpContainsAll, Values: []any{"ada", "grace"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitPaths(all); len(got) != 1 || got[0] != "multi.md" {
		t.Errorf("contains_all hits = %v", got)
	}

	any, err := f.engine.Run(context.Background(), Query{
		Filter: Property{Path: "authors", Op: OpContainsAny, Values: []any{"grace", "linus"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitPaths(any); len(got) != 1 || got[0] != "multi.md" {
		t.Errorf("contains_any hits = %v", got)
	}
}

func TestRun_TextRanking(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "go.md", "goroutines and channels for concurrency", nil, nil, nil, nil)
	f.addNote(t, "bread.md", "flour and water", nil, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Text: &Text{Query: "concurrency"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results.Hits) == 0 || results.Hits[0].Path != "go.md" {
		t.Errorf("hits = %v", hitPaths(results))
	}
}

func TestRun_GraphRestrictsText(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "hub.md", "hub", nil, nil, []domain.Wikilink{{Source: "hub.md", Target: "near"}}, nil)
	f.addNote(t, "near.md", "shared topic words", nil, nil, nil, nil)
	f.addNote(t, "far.md", "shared topic words", nil, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Graph: &GraphStep{Start: "hub.md", Depth: 1},
		Text:  &Text{Query: "topic"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := hitPaths(results); len(got) != 1 || got[0] != "near.md" {
		t.Errorf("hits = %v, want only the reachable note", got)
	}
}

func TestRun_CombinedGraphTagVector(t *testing.T) {
	f := newFixture(t)

	links := func(src string, targets ...string) []domain.Wikilink {
		var ls []domain.Wikilink
		for _, target := range targets {
			ls = append(ls, domain.Wikilink{Source: src, Target: target})
		}
		return ls
	}

	f.addNote(t, "index.md", "start here", nil, nil, links("index.md", "one", "two"), nil)
	f.addNote(t, "one.md", "close match", nil, []string{"project"}, links("one.md", "three"), []float32{1, 0})
	f.addNote(t, "two.md", "untagged", nil, nil, nil, []float32{1, 0})
	f.addNote(t, "three.md", "two hops away", nil, []string{"project"}, nil, []float32{0.9, 0.1})
	f.addNote(t, "four.md", "unreachable", nil, []string{"project"}, nil, []float32{1, 0})

	q := Query{
		Graph:  &GraphStep{Start: "index.md", Depth: 2},
		Filter: Tags{Tags: []string{"project"}},
		Vector: &Vector{Vector: []float32{1, 0}, Model: testModel},
	}
	results, err := f.engine.Run(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}

	got := hitPaths(results)
	if len(got) != 2 || got[0] != "one.md" || got[1] != "three.md" {
		t.Fatalf("hits = %v, want [one.md three.md] in similarity order", got)
	}
	for i := 1; i < len(results.Hits); i++ {
		if results.Hits[i].Score < results.Hits[i-1].Score {
			t.Error("vector results not in increasing distance order")
		}
	}

	// Dropping the similarity stage yields a superset.
	q.Vector = nil
	unranked, err := f.engine.Run(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	super := map[string]bool{}
	for _, p := range hitPaths(unranked) {
		super[p] = true
	}
	for _, p := range got {
		if !super[p] {
			t.Errorf("ranked hit %s missing from unranked superset %v", p, hitPaths(unranked))
		}
	}
}

func TestRun_MissingEmbeddingsDegrade(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "plain.md", "no embedding", nil, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Vector: &Vector{Vector: []float32{1, 0}, Model: testModel},
	})
	if err != nil {
		t.Fatalf("missing embeddings must not fail the query: %v", err)
	}
	if len(results.Hits) != 0 {
		t.Errorf("hits = %v, want empty ranking", hitPaths(results))
	}
	found := false
	for _, d := range results.Diagnostics {
		if d.Kind == "missing-embeddings" {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics = %+v, want missing-embeddings", results.Diagnostics)
	}
}

func TestRun_LimitZeroShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "a.md", "x", nil, nil, nil, nil)

	results, err := f.engine.Run(context.Background(), Query{Limit: intp(0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(results.Hits) != 0 {
		t.Errorf("limit=0 returned %d hits", len(results.Hits))
	}
}

func TestRun_DefaultLimitAndOffset(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.addNote(t, filepath.Join("n", string(rune('a'+i))+".md"), "x", nil, nil, nil, nil)
	}

	results, err := f.engine.Run(context.Background(), Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results.Hits) != DefaultLimit {
		t.Errorf("default limit returned %d hits, want %d", len(results.Hits), DefaultLimit)
	}

	offset, err := f.engine.Run(context.Background(), Query{Offset: 12})
	if err != nil {
		t.Fatal(err)
	}
	if len(offset.Hits) != 3 {
		t.Errorf("offset run returned %d hits, want the 3 remaining", len(offset.Hits))
	}
}

func TestRun_AmbiguousLinkDiagnostic(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "x/dup.md", "one", nil, nil, nil, nil)
	f.addNote(t, "y/dup.md", "two", nil, nil, nil, nil)
	f.addNote(t, "start.md", "see [[dup]]", nil, nil,
		[]domain.Wikilink{{Source: "start.md", Target: "dup"}}, nil)

	results, err := f.engine.Run(context.Background(), Query{
		Graph: &GraphStep{Start: "start.md", Depth: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, d := range results.Diagnostics {
		if d.Kind == "ambiguous-link" {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics = %+v, want ambiguous-link", results.Diagnostics)
	}
}
