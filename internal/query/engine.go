package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/graph"
	"github.com/mootikins/crucible/internal/search"
	"github.com/mootikins/crucible/internal/vector"
)

// Engine executes queries against the graph store, text index, and vector
// index.
type Engine struct {
	graph   *graph.Store
	search  *search.Index
	vectors *vector.Index
	model   string // Model the kiln's embeddings are produced with
}

// NewEngine wires an Engine. The vector index and model may be empty when no
// embedding provider is configured; semantic stages then degrade.
func NewEngine(g *graph.Store, s *search.Index, v *vector.Index, model string) *Engine {
	return &Engine{graph: g, search: s, vectors: v, model: model}
}

// Run executes one query. Timeouts surface partial results with a
// diagnostic; invalid queries return a QueryError.
func (e *Engine) Run(ctx context.Context, q Query) (Results, error) {
	results := Results{Hits: []Hit{}}

	limit := q.limit()
	if limit == 0 {
		// Nothing can be returned; skip filtering and ranking entirely.
		return results, nil
	}
	if limit < 0 {
		return results, &domain.QueryError{Reason: "limit must be non-negative"}
	}

	// Stage 1: graph frontier.
	candidates, frontierDiags, err := e.frontier(ctx, q)
	if err != nil {
		return results, err
	}
	results.Diagnostics = append(results.Diagnostics, frontierDiags...)

	// Stage 2: intersect with property and tag filters.
	if q.Filter != nil {
		candidates, err = e.applyFilter(ctx, candidates, q.Filter)
		if err != nil {
			if qe, ok := err.(*domain.QueryError); ok && qe.Timeout {
				results.Diagnostics = append(results.Diagnostics, Diagnostic{Kind: "timeout", Message: qe.Reason})
				return results, nil
			}
			return results, err
		}
	}

	if len(candidates) == 0 {
		return results, nil
	}

	// Stage 3: rank.
	switch {
	case q.Vector != nil:
		hits, diags, err := e.rankByVector(ctx, candidates, q.Vector, limit+q.Offset)
		if err != nil {
			return results, err
		}
		results.Diagnostics = append(results.Diagnostics, diags...)
		results.Hits = paginate(hits, q.Offset, limit)

	case q.Text != nil:
		hits := e.rankByText(candidates, q.Text)
		results.Hits = paginate(hits, q.Offset, limit)

	default:
		hits := make([]Hit, 0, len(candidates))
		paths := make([]string, 0, len(candidates))
		for p := range candidates {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			hits = append(hits, Hit{Path: p})
		}
		results.Hits = paginate(hits, q.Offset, limit)
	}

	return results, nil
}

// frontier computes the candidate note set, from a graph traversal when
// requested, otherwise the whole kiln.
func (e *Engine) frontier(ctx context.Context, q Query) (map[string]bool, []Diagnostic, error) {
	var diags []Diagnostic

	if q.Graph == nil {
		paths, err := e.graph.AllPaths(ctx)
		if err != nil {
			return nil, nil, err
		}
		set := make(map[string]bool, len(paths))
		for _, p := range paths {
			set[p] = true
		}
		return set, nil, nil
	}

	reachable, err := e.graph.Neighborhood(ctx, q.Graph.Start, q.Graph.Depth, q.Graph.Reverse)
	if err != nil {
		if qe, ok := err.(*domain.QueryError); ok && qe.Timeout {
			diags = append(diags, Diagnostic{Kind: "timeout", Message: qe.Reason})
		} else {
			return nil, nil, err
		}
	}

	set := make(map[string]bool, len(reachable))
	for _, p := range reachable {
		set[p] = true
	}

	// Ambiguous links inside the traversal scope degrade, not fail.
	ambiguous, err := e.graph.AmbiguousLinks(ctx)
	if err == nil {
		for _, link := range ambiguous {
			if set[link.Source] || link.Source == q.Graph.Start {
				diags = append(diags, Diagnostic{
					Kind:    "ambiguous-link",
					Message: fmt.Sprintf("%s -> [[%s]] matches %d notes", link.Source, link.Target, len(link.Candidates)),
				})
			}
		}
	}

	return set, diags, nil
}

// applyFilter keeps candidates matching the filter tree.
func (e *Engine) applyFilter(ctx context.Context, candidates map[string]bool, f Filter) (map[string]bool, error) {
	out := make(map[string]bool)
	for path := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, &domain.QueryError{Reason: "filter stage timed out", Timeout: true}
		}

		note, err := e.graph.GetNoteByPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if note == nil {
			continue
		}

		ok, err := e.matches(note, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out[path] = true
		}
	}
	return out, nil
}

// matches evaluates a filter tree against one note.
func (e *Engine) matches(note *domain.Note, f Filter) (bool, error) {
	switch filter := f.(type) {
	case Property:
		return matchProperty(note.Frontmatter, filter), nil
	case *Property:
		return matchProperty(note.Frontmatter, *filter), nil
	case Tags:
		return matchTags(note.Tags, filter), nil
	case *Tags:
		return matchTags(note.Tags, *filter), nil
	case And:
		for _, child := range filter.Filters {
			ok, err := e.matches(note, child)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, child := range filter.Filters {
			ok, err := e.matches(note, child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case Not:
		ok, err := e.matches(note, filter.Filter)
		return !ok, err
	}
	return false, &domain.QueryError{Reason: fmt.Sprintf("unknown filter type %T", f)}
}

// rankByVector ranks candidates by cosine distance to the query vector.
// Missing embeddings degrade to a warning and an empty ranking.
func (e *Engine) rankByVector(ctx context.Context, candidates map[string]bool, v *Vector, k int) ([]Hit, []Diagnostic, error) {
	if e.vectors == nil {
		return nil, []Diagnostic{{Kind: "missing-embeddings", Message: "no vector index configured"}}, nil
	}

	model := v.Model
	if model == "" {
		model = e.model
	}

	filter := func(id string) bool { return candidates[id] }
	nearest, err := e.vectors.Nearest(ctx, v.Vector, vector.KindNote, model, k, filter)
	if err != nil {
		return nil, nil, err
	}
	if len(nearest) == 0 {
		return nil, []Diagnostic{{Kind: "missing-embeddings", Message: "no embeddings in scope, semantic ranking skipped"}}, nil
	}

	hits := make([]Hit, 0, len(nearest))
	for _, r := range nearest {
		if v.MaxDistance > 0 && r.Score > v.MaxDistance {
			continue
		}
		hits = append(hits, Hit{Path: r.ID, Score: r.Score, Snippet: r.Snippet})
	}
	return hits, nil, nil
}

// rankByText ranks candidates with the BM25 index, restricted to the
// candidate set.
func (e *Engine) rankByText(candidates map[string]bool, t *Text) []Hit {
	ranked := e.search.Search(search.Query{Text: t.Query, MinScore: t.MinScore})

	hits := make([]Hit, 0, len(ranked))
	for _, r := range ranked {
		if !candidates[r.Path] {
			continue
		}
		hits = append(hits, Hit{Path: r.Path, Score: r.Score, Snippet: r.Snippet})
	}
	return hits
}

// paginate applies offset and limit.
func paginate(hits []Hit, offset, limit int) []Hit {
	if offset >= len(hits) {
		return []Hit{}
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
