// Package vector stores per-note and per-block embeddings and serves
// cosine-distance nearest-neighbor queries with optional pre-filtering.
// The producing model travels with every vector; a query never mixes models.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mootikins/crucible/internal/domain"
)

// Kind distinguishes embedding granularities.
type Kind string

const (
	KindNote  Kind = "note"
	KindBlock Kind = "block"
)

// Embedder is the injected embedding capability. Implementations must be
// deterministic per (text, model) pair within a model release and produce a
// fixed dimension per model.
type Embedder interface {
	Embed(ctx context.Context, text string, model string) ([]float32, error)
}

// Result is one nearest-neighbor hit. Score is cosine distance in [0, 2];
// lower is closer.
type Result struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Filter restricts the candidate set before ranking. A nil Filter admits
// every vector.
type Filter func(id string) bool

// Index is the embedding store over the shared database.
type Index struct {
	db *sql.DB
}

// New creates an Index. The database must already be migrated.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// PutEmbedding stores or replaces the vector for an id.
func (x *Index) PutEmbedding(ctx context.Context, id string, kind Kind, vec []float32, model string) error {
	if len(vec) == 0 {
		return &domain.EmbeddingError{Model: model, Err: fmt.Errorf("empty vector for %s", id)}
	}

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, kind, model, dim, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, kind) DO UPDATE SET
			model = excluded.model,
			dim = excluded.dim,
			vector = excluded.vector,
			updated_at = excluded.updated_at
	`, id, string(kind), model, len(vec), encodeVector(vec), time.Now())
	if err != nil {
		return &domain.StorageError{Op: "put_embedding", Reason: "insert failed", Transient: true, Err: err}
	}
	return nil
}

// GetEmbedding returns the stored vector and model for an id, or nil.
func (x *Index) GetEmbedding(ctx context.Context, id string, kind Kind) ([]float32, string, error) {
	var (
		blob  []byte
		model string
	)
	err := x.db.QueryRowContext(ctx, `
		SELECT vector, model FROM embeddings WHERE id = ? AND kind = ?
	`, id, string(kind)).Scan(&blob, &model)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", &domain.StorageError{Op: "get_embedding", Reason: "query failed", Transient: true, Err: err}
	}
	return decodeVector(blob), model, nil
}

// DeleteEmbedding removes stored vectors for an id across kinds.
func (x *Index) DeleteEmbedding(ctx context.Context, id string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return &domain.StorageError{Op: "delete_embedding", Reason: "delete failed", Transient: true, Err: err}
	}
	return nil
}

// Nearest returns the k ids closest to the query vector by cosine distance,
// restricted to the given kind and model. Vectors produced by a different
// model inside the candidate scope are a fatal error. The filter applies
// before ranking.
func (x *Index) Nearest(ctx context.Context, query []float32, kind Kind, model string, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT id, model, dim, vector FROM embeddings WHERE kind = ?
	`, string(kind))
	if err != nil {
		return nil, &domain.StorageError{Op: "nearest", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id       string
			rowModel string
			dim      int
			blob     []byte
		)
		if err := rows.Scan(&id, &rowModel, &dim, &blob); err != nil {
			return nil, &domain.StorageError{Op: "nearest", Reason: "scan failed", Err: err}
		}

		if filter != nil && !filter(id) {
			continue
		}
		if rowModel != model {
			return nil, &domain.QueryError{
				Reason: fmt.Sprintf("vector for %q was produced by model %q, query uses %q", id, rowModel, model),
			}
		}
		if dim != len(query) {
			return nil, &domain.QueryError{
				Reason: fmt.Sprintf("vector for %q has dimension %d, query has %d", id, dim, len(query)),
			}
		}

		results = append(results, Result{ID: id, Score: cosineDistance(query, decodeVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "nearest", Reason: "iteration failed", Transient: true, Err: err}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score < results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	for i := range results {
		results[i].Snippet = x.snippetFor(ctx, results[i].ID, kind)
	}

	return results, nil
}

// PendingEmbeddings lists note paths whose content changed after their last
// embedding, or that were never embedded. No background job consumes this
// list; a listed note is embedded again when it is next indexed.
func (x *Index) PendingEmbeddings(ctx context.Context) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT n.path FROM notes n
		LEFT JOIN embeddings e ON e.id = n.path AND e.kind = 'note'
		WHERE e.id IS NULL OR n.modified_at > e.updated_at
		ORDER BY n.path
	`)
	if err != nil {
		return nil, &domain.StorageError{Op: "pending_embeddings", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &domain.StorageError{Op: "pending_embeddings", Reason: "scan failed", Err: err}
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// snippetFor pulls a short content preview for a ranked hit.
func (x *Index) snippetFor(ctx context.Context, id string, kind Kind) string {
	var content string
	var err error
	if kind == KindBlock {
		err = x.db.QueryRowContext(ctx, `SELECT content FROM blocks WHERE hash = ?`, id).Scan(&content)
	} else {
		err = x.db.QueryRowContext(ctx, `SELECT content FROM notes WHERE path = ?`, id).Scan(&content)
	}
	if err != nil {
		return ""
	}
	const snippetLen = 150
	if len(content) > snippetLen {
		return content[:snippetLen] + "..."
	}
	return content
}

// cosineDistance is 1 - cosine similarity; lower is closer. Zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 0, len(vec)*4)
	for _, v := range vec {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a vector blob.
func decodeVector(blob []byte) []float32 {
	vec := make([]float32, 0, len(blob)/4)
	for i := 0; i+4 <= len(blob); i += 4 {
		vec = append(vec, math.Float32frombits(binary.LittleEndian.Uint32(blob[i:])))
	}
	return vec
}
