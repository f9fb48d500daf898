// Package search ranks notes with BM25 over two weighted fields (title and
// body) and returns snippets with highlight offsets. The index lives in
// memory, is rebuilt lazily on the first query after a change, and serves
// concurrent readers.
package search

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/covrom/bm25s"
)

// Field weights and bonuses applied on top of the raw BM25 scores. A title
// hit counts for several body hits, and query terms that start a title word
// get a small extra nudge so "cru" still surfaces "Crucible Notes".
const (
	titleWeight      = 2.5
	titlePrefixBonus = 1.2
)

// Document is a searchable note projection.
type Document struct {
	Path       string
	Title      string
	Content    string
	Tags       []string
	ModifiedAt time.Time
}

// Query is a full-text search request.
type Query struct {
	Text       string   // Query terms; empty lists the filtered candidates
	Tags       []string // Every tag must be present
	PathPrefix string   // Restrict to paths under this prefix
	MinScore   float64  // Drop results scoring below this
	Limit      int      // 0 means unlimited
	Offset     int      // Skip this many ranked results
}

// Result is one ranked hit. Highlights are byte offsets into Snippet
// covering matched query terms.
type Result struct {
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Score      float64   `json:"score"`
	Tags       []string  `json:"tags"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Snippet    string    `json:"snippet"`
	Highlights []Span    `json:"highlights"`
}

// Index is the in-memory full-text index.
type Index struct {
	mu   sync.Mutex
	docs map[string]Document

	// Ranking state, regenerated lazily when stale. order[i] names the
	// document behind position i of both BM25 indexes.
	stale       bool
	order       []string
	titleIndex  *bm25s.BM25S
	bodyIndex   *bm25s.BM25S
	titleTokens map[string][]string
}

// NewIndex creates an empty search index.
func NewIndex() *Index {
	return &Index{docs: make(map[string]Document), stale: true}
}

// IndexNote adds or replaces a note.
func (x *Index) IndexNote(doc Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[doc.Path] = doc
	x.stale = true
}

// RemoveNote drops a note.
func (x *Index) RemoveNote(path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, path)
	x.stale = true
}

// IndexAll replaces the whole index contents.
func (x *Index) IndexAll(docs []Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[string]Document, len(docs))
	for _, doc := range docs {
		x.docs[doc.Path] = doc
	}
	x.stale = true
}

// Len reports the number of indexed documents.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.docs)
}

// Search ranks documents against the query. With empty query text the
// filtered candidates come back unranked in path order.
func (x *Index) Search(q Query) []Result {
	x.mu.Lock()
	defer x.mu.Unlock()

	if q.Text == "" {
		return page(x.listFiltered(q), q.Offset, q.Limit)
	}

	x.refresh()
	if len(x.order) == 0 {
		return []Result{}
	}

	terms := tokenize(q.Text)
	results := []Result{}
	for i, path := range x.order {
		doc := x.docs[path]
		if !x.admits(&doc, q) {
			continue
		}

		score := titleWeight*x.titleIndex.Score(i, q.Text) + x.bodyIndex.Score(i, q.Text)
		score += prefixBonus(x.titleTokens[path], terms)
		if score <= 0 || score < q.MinScore {
			continue
		}

		snippet, spans := buildSnippet(doc.Content, terms)
		results = append(results, Result{
			Path:       doc.Path,
			Title:      doc.Title,
			Score:      score,
			Tags:       doc.Tags,
			ModifiedAt: doc.ModifiedAt,
			Snippet:    snippet,
			Highlights: spans,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})

	return page(results, q.Offset, q.Limit)
}

// listFiltered returns unranked results for an empty-text query.
func (x *Index) listFiltered(q Query) []Result {
	results := []Result{}
	for _, doc := range x.docs {
		if !x.admits(&doc, q) {
			continue
		}
		results = append(results, Result{
			Path:       doc.Path,
			Title:      doc.Title,
			Tags:       doc.Tags,
			ModifiedAt: doc.ModifiedAt,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results
}

// admits applies the tag and path-prefix filters.
func (x *Index) admits(doc *Document, q Query) bool {
	if q.PathPrefix != "" && !strings.HasPrefix(doc.Path, q.PathPrefix) {
		return false
	}
	if len(q.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(doc.Tags))
	for _, tag := range doc.Tags {
		have[tag] = true
	}
	for _, tag := range q.Tags {
		if !have[tag] {
			return false
		}
	}
	return true
}

// refresh regenerates the BM25 state when documents changed since the last
// query.
func (x *Index) refresh() {
	if !x.stale {
		return
	}
	x.stale = false

	x.order = x.order[:0]
	for path := range x.docs {
		x.order = append(x.order, path)
	}
	sort.Strings(x.order)

	if len(x.order) == 0 {
		x.titleIndex = nil
		x.bodyIndex = nil
		x.titleTokens = nil
		return
	}

	titles := make([]string, len(x.order))
	bodies := make([]string, len(x.order))
	x.titleTokens = make(map[string][]string, len(x.order))
	for i, path := range x.order {
		doc := x.docs[path]
		titles[i] = doc.Title
		bodies[i] = doc.Content
		x.titleTokens[path] = tokenize(doc.Title)
	}

	x.titleIndex = bm25s.New(titles, bm25s.WithTokenizer(tokenize))
	x.bodyIndex = bm25s.New(bodies, bm25s.WithTokenizer(tokenize))
}

// prefixBonus rewards query terms that begin a title word.
func prefixBonus(titleTokens, terms []string) float64 {
	bonus := 0.0
	for _, term := range terms {
		for _, tok := range titleTokens {
			if strings.HasPrefix(tok, term) {
				bonus += titlePrefixBonus
				break
			}
		}
	}
	return bonus
}

// page applies offset and limit.
func page(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return []Result{}
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// dropping single-character fragments.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
