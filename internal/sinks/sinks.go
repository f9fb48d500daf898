// Package sinks implements the pipeline consumers: the graph store, the
// content-addressed block store, the vector index, and the text index. Sinks
// observe the same parsed documents and may commit in any order; content
// addressing keeps duplicate writes harmless.
package sinks

import (
	"context"
	"time"

	"github.com/mootikins/crucible/internal/blockstore"
	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/graph"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/pipeline"
	"github.com/mootikins/crucible/internal/search"
	"github.com/mootikins/crucible/internal/syncer"
	"github.com/mootikins/crucible/internal/vector"
)

// GraphSink persists notes, edges, and tags.
type GraphSink struct {
	store *graph.Store
}

// NewGraphSink wraps the graph store as a sink.
func NewGraphSink(store *graph.Store) *GraphSink {
	return &GraphSink{store: store}
}

func (s *GraphSink) Name() string { return "graph" }

func (s *GraphSink) Apply(ctx context.Context, d *pipeline.Delivery) error {
	if d.Op == pipeline.OpDelete {
		err := s.store.DeleteNote(ctx, d.Path)
		if _, missing := err.(*domain.ErrNotFound); missing {
			return nil
		}
		return err
	}

	doc := d.Doc
	note := &domain.Note{
		Path:        d.Path,
		Title:       doc.Title,
		Content:     doc.Content,
		Frontmatter: doc.Frontmatter.Map(),
		Tags:        doc.Tags,
		ModifiedAt:  doc.ModifiedAt,
		IndexedAt:   time.Now(),
		MerkleRoot:  d.Root,
		ContentHash: doc.ContentHash,
	}
	return s.store.UpsertNote(ctx, note, doc.Wikilinks)
}

func (s *GraphSink) Flush(ctx context.Context) error { return nil }

// BlockSink persists content-addressed blocks, the note's tree, and the raw
// content blob sync pulls to materialize files.
type BlockSink struct {
	store *blockstore.Store
}

// NewBlockSink wraps the block store as a sink.
func NewBlockSink(store *blockstore.Store) *BlockSink {
	return &BlockSink{store: store}
}

func (s *BlockSink) Name() string { return "blocks" }

func (s *BlockSink) Apply(ctx context.Context, d *pipeline.Delivery) error {
	if d.Op == pipeline.OpDelete {
		return s.store.RemoveOwner(ctx, d.Path)
	}

	doc := d.Doc
	hashes := make([]domain.Hash, len(doc.Blocks))
	for i := range doc.Blocks {
		if _, err := s.store.PutBlock(ctx, &doc.Blocks[i]); err != nil {
			return err
		}
		hashes[i] = doc.Blocks[i].Hash
	}

	raw := &domain.Block{
		Type:     domain.BlockTypeRaw,
		Content:  doc.Content,
		Metadata: map[string]any{},
		Hash:     doc.ContentHash,
	}
	if _, err := s.store.PutBlock(ctx, raw); err != nil {
		return err
	}

	if len(hashes) > 0 {
		if err := s.store.PutTree(ctx, d.Root, hashes); err != nil {
			return err
		}
	}
	return s.store.SetOwner(ctx, d.Path, d.Root, doc.ContentHash)
}

func (s *BlockSink) Flush(ctx context.Context) error { return nil }

// SearchSink keeps the BM25 text index current.
type SearchSink struct {
	index *search.Index
}

// NewSearchSink wraps the text index as a sink.
func NewSearchSink(index *search.Index) *SearchSink {
	return &SearchSink{index: index}
}

func (s *SearchSink) Name() string { return "search" }

func (s *SearchSink) Apply(ctx context.Context, d *pipeline.Delivery) error {
	if d.Op == pipeline.OpDelete {
		s.index.RemoveNote(d.Path)
		return nil
	}

	doc := d.Doc
	s.index.IndexNote(search.Document{
		Path:       d.Path,
		Title:      doc.Title,
		Content:    doc.Content,
		Tags:       doc.Tags,
		ModifiedAt: doc.ModifiedAt,
	})
	return nil
}

func (s *SearchSink) Flush(ctx context.Context) error { return nil }

// VectorSink embeds notes through the injected provider. Provider failures
// are recoverable: the failure is logged, the note persists elsewhere without
// a vector, and PendingEmbeddings lists it. Nothing retries it in the
// background; it is embedded again the next time the note is indexed.
type VectorSink struct {
	index    *vector.Index
	embedder vector.Embedder
	model    string
	timeout  time.Duration
	log      *logging.Logger
}

// NewVectorSink wraps the vector index as a sink. A nil embedder disables
// embedding without disabling deletes.
func NewVectorSink(index *vector.Index, embedder vector.Embedder, model string, log *logging.Logger) *VectorSink {
	return &VectorSink{
		index:    index,
		embedder: embedder,
		model:    model,
		timeout:  30 * time.Second,
		log:      log,
	}
}

func (s *VectorSink) Name() string { return "vectors" }

func (s *VectorSink) Apply(ctx context.Context, d *pipeline.Delivery) error {
	if d.Op == pipeline.OpDelete {
		return s.index.DeleteEmbedding(ctx, d.Path)
	}
	if s.embedder == nil {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embedder.Embed(embedCtx, d.Doc.Excerpt, s.model)
	if err != nil {
		// Recoverable: the note stays without a vector until it is next indexed.
		s.log.Warnf("embedding %s failed, note left without a vector: %v", d.Path, err)
		return nil
	}

	return s.index.PutEmbedding(ctx, d.Path, vector.KindNote, vec, s.model)
}

func (s *VectorSink) Flush(ctx context.Context) error { return nil }

// SyncStateSink advances the local vector clock on genuine local edits.
// Sync write-backs are recognized by their applied content hash and echo no
// bump, so clocks converge instead of ping-ponging between peers.
type SyncStateSink struct {
	state *syncer.State
}

// NewSyncStateSink wraps the sync state as a sink.
func NewSyncStateSink(state *syncer.State) *SyncStateSink {
	return &SyncStateSink{state: state}
}

func (s *SyncStateSink) Name() string { return "sync-state" }

func (s *SyncStateSink) Apply(ctx context.Context, d *pipeline.Delivery) error {
	if d.Op == pipeline.OpDelete {
		tombstoned, err := s.state.IsTombstoned(ctx, d.Path)
		if err != nil {
			return err
		}
		if tombstoned {
			return nil
		}
		return s.state.MarkDeleted(ctx, d.Path)
	}

	applied, err := s.state.AppliedHash(ctx, d.Path)
	if err != nil {
		return err
	}
	if applied == d.Doc.ContentHash.String() {
		return nil
	}
	return s.state.BumpLocal(ctx, d.Path, d.Doc.ContentHash)
}

func (s *SyncStateSink) Flush(ctx context.Context) error { return nil }
