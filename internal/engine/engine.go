// Package engine is the composition root: it opens the private state, wires
// the parser, pipeline, sinks, watcher, query engine, and sync layers for
// one kiln, and drives their lifecycle.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mootikins/crucible/internal/blockstore"
	"github.com/mootikins/crucible/internal/config"
	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/graph"
	"github.com/mootikins/crucible/internal/hash"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/merkle"
	"github.com/mootikins/crucible/internal/parser"
	"github.com/mootikins/crucible/internal/paths"
	"github.com/mootikins/crucible/internal/pipeline"
	"github.com/mootikins/crucible/internal/query"
	"github.com/mootikins/crucible/internal/search"
	"github.com/mootikins/crucible/internal/session"
	"github.com/mootikins/crucible/internal/sinks"
	"github.com/mootikins/crucible/internal/storage"
	"github.com/mootikins/crucible/internal/syncer"
	"github.com/mootikins/crucible/internal/vector"
	"github.com/mootikins/crucible/internal/watcher"
)

// Engine owns every subsystem of one kiln.
type Engine struct {
	cfg    config.Config
	layout *paths.Layout
	log    *logging.Logger

	db       *sql.DB
	hasher   *hash.Hasher
	parser   *parser.Parser
	graph    *graph.Store
	blocks   *blockstore.Store
	vectors  *vector.Index
	searchIx *search.Index
	queries  *query.Engine
	state    *syncer.State
	syncer   *syncer.Syncer
	sessions *session.Manager

	sinkSet  []pipeline.Sink
	pipeline *pipeline.Pipeline
	watcher  *watcher.Watcher

	stop chan struct{}
}

// Options carries injected capabilities.
type Options struct {
	Embedder vector.Embedder
	Registry prometheus.Registerer
	Debounce time.Duration
}

// New builds an Engine for the configured kiln. Configuration errors are
// fatal here, before anything starts.
func New(cfg config.Config, log *logging.Logger, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	layout, err := paths.Resolve(cfg.Kiln.Path)
	if err != nil {
		return nil, &domain.ConfigError{Key: "kiln.path", Reason: err.Error()}
	}

	db, err := storage.Open(layout.DBPath)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		layout:   layout,
		log:      log,
		db:       db,
		hasher:   hash.Default(),
		parser:   parser.New(parser.WithMaxFileBytes(cfg.Parser.MaxFileBytes)),
		graph:    graph.New(db),
		blocks:   blockstore.New(db),
		vectors:  vector.New(db),
		searchIx: search.NewIndex(),
		state:    syncer.NewState(db),
		stop:     make(chan struct{}),
	}

	e.queries = query.NewEngine(e.graph, e.searchIx, e.vectors, cfg.Embedding.Model)
	e.sessions = session.NewManager(layout.SessionDir, e.materialize, log.Named("session"))
	e.syncer = syncer.NewSyncer(layout.KilnRoot, e.graph, e.blocks, e.state, e, log.Named("sync"))

	e.sinkSet = []pipeline.Sink{
		sinks.NewGraphSink(e.graph),
		sinks.NewBlockSink(e.blocks),
		sinks.NewSearchSink(e.searchIx),
		sinks.NewVectorSink(e.vectors, opts.Embedder, cfg.Embedding.Model, log.Named("vectors")),
		sinks.NewSyncStateSink(e.state),
	}

	var metrics *pipeline.Metrics
	if opts.Registry != nil {
		metrics = pipeline.NewMetrics(opts.Registry)
	}

	plCfg := pipeline.DefaultConfig()
	plCfg.Workers = cfg.Pipeline.Workers
	plCfg.EventQueue = cfg.Pipeline.EventQueue
	plCfg.DocQueue = cfg.Pipeline.DocQueue
	e.pipeline = pipeline.New(layout.KilnRoot, e.parser, e.sinkSet, plCfg, log.Named("pipeline"), metrics)

	watchOpts := []watcher.Option{}
	if opts.Debounce > 0 {
		watchOpts = append(watchOpts, watcher.WithDebounce(opts.Debounce))
	}
	w, err := watcher.New(layout.KilnRoot, log.Named("watcher"), watchOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.watcher = w

	return e, nil
}

// Start launches the pipeline and begins pumping watcher events into it.
func (e *Engine) Start(ctx context.Context) {
	e.pipeline.Start()

	go func() {
		for {
			select {
			case <-e.stop:
				return
			case ev, ok := <-e.watcher.Events():
				if !ok {
					return
				}
				if err := e.pipeline.Submit(ctx, ev); err != nil {
					e.log.Warnf("dropped event for %s: %v", ev.Path, err)
				}
			}
		}
	}()
}

// Close shuts everything down: watcher first, then the pipeline drain, then
// sessions and storage.
func (e *Engine) Close(ctx context.Context) error {
	close(e.stop)
	e.watcher.Close()
	err := e.pipeline.Close(ctx)
	e.sessions.Close()
	if dbErr := e.db.Close(); dbErr != nil && err == nil {
		err = dbErr
	}
	return err
}

// Graph exposes the graph store.
func (e *Engine) Graph() *graph.Store { return e.graph }

// Blocks exposes the block store.
func (e *Engine) Blocks() *blockstore.Store { return e.blocks }

// Vectors exposes the vector index.
func (e *Engine) Vectors() *vector.Index { return e.vectors }

// Search exposes the text index.
func (e *Engine) Search() *search.Index { return e.searchIx }

// Queries exposes the query engine.
func (e *Engine) Queries() *query.Engine { return e.queries }

// Sessions exposes the live-session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// SyncState exposes the sync state store.
func (e *Engine) SyncState() *syncer.State { return e.state }

// Pipeline exposes the indexing pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// SyncServer builds the HTTP surface for this kiln.
func (e *Engine) SyncServer() *syncer.Server {
	return syncer.NewServer(e.graph, e.blocks, e.state, e.sessions, e.cfg.Sync.AuthToken, e.log.Named("sync-server"))
}

// SyncWith runs one batch round against the configured peer.
func (e *Engine) SyncWith(ctx context.Context) error {
	if e.cfg.Sync.ServerURL == "" {
		return &domain.ConfigError{Key: "sync.server_url", Reason: "no sync peer configured"}
	}
	client := syncer.NewClient(e.cfg.Sync.ServerURL, e.cfg.Sync.AuthToken)
	return e.syncer.SyncWith(ctx, client)
}

// Index replays one file synchronously through the full sink set. Sync
// write-backs and session materialization come through here so every store
// observes the same document a watcher event would have produced.
func (e *Engine) Index(ctx context.Context, relPath string) error {
	full := filepath.Join(e.layout.KilnRoot, filepath.FromSlash(relPath))
	doc, err := e.parser.ParseFile(full)
	if err != nil {
		return err
	}
	doc.Path = relPath

	leaves := make([]domain.Hash, len(doc.Blocks))
	for i, b := range doc.Blocks {
		leaves[i] = b.Hash
	}

	delivery := &pipeline.Delivery{
		Op:   pipeline.OpUpsert,
		Path: relPath,
		Doc:  doc,
		Root: merkle.Build(e.hasher, leaves).Root(),
		Event: domain.FileEvent{
			Path: relPath, Kind: domain.FileModified, Timestamp: time.Now(),
		},
	}
	return e.applyAll(ctx, delivery)
}

// Remove purges one path from every store.
func (e *Engine) Remove(ctx context.Context, relPath string) error {
	delivery := &pipeline.Delivery{
		Op:   pipeline.OpDelete,
		Path: relPath,
		Event: domain.FileEvent{
			Path: relPath, Kind: domain.FileDeleted, Timestamp: time.Now(),
		},
	}
	return e.applyAll(ctx, delivery)
}

// applyAll runs one delivery through every sink, stopping at the first
// failure.
func (e *Engine) applyAll(ctx context.Context, d *pipeline.Delivery) error {
	for _, sink := range e.sinkSet {
		if err := sink.Apply(ctx, d); err != nil {
			return fmt.Errorf("sink %s failed on %s: %w", sink.Name(), d.Path, err)
		}
	}
	return nil
}

// Reindex walks the kiln and replays every Markdown file, then drops notes
// whose files vanished. This also rebuilds a deleted private directory from
// scratch. Files index in parallel, bounded by the configured worker count;
// each note's writes stay serialized inside the stores.
func (e *Engine) Reindex(ctx context.Context) error {
	var (
		mu     sync.Mutex
		onDisk = make(map[string]bool)
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Pipeline.Workers)

	err := filepath.WalkDir(e.layout.KilnRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(e.layout.KilnRoot, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && (paths.IsPrivate(rel) || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(rel), ".md") {
			return nil
		}

		mu.Lock()
		onDisk[rel] = true
		mu.Unlock()

		group.Go(func() error {
			return e.Index(groupCtx, rel)
		})
		return nil
	})
	if err != nil {
		group.Wait()
		return fmt.Errorf("reindex walk failed: %w", err)
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	indexed, err := e.graph.AllPaths(ctx)
	if err != nil {
		return err
	}
	for _, p := range indexed {
		if !onDisk[p] {
			if err := e.Remove(ctx, p); err != nil {
				return err
			}
		}
	}

	// Rebuild the in-memory text index in one pass for consistent ranking.
	return e.rebuildSearch(ctx)
}

// rebuildSearch reloads the BM25 index from the graph store.
func (e *Engine) rebuildSearch(ctx context.Context) error {
	summaries, err := e.graph.ListNotes(ctx, "", true)
	if err != nil {
		return err
	}

	docs := make([]search.Document, 0, len(summaries))
	for _, s := range summaries {
		note, err := e.graph.GetNoteByPath(ctx, s.Path)
		if err != nil {
			return err
		}
		if note == nil {
			continue
		}
		docs = append(docs, search.Document{
			Path:       note.Path,
			Title:      note.Title,
			Content:    note.Content,
			Tags:       note.Tags,
			ModifiedAt: note.ModifiedAt,
		})
	}
	e.searchIx.IndexAll(docs)
	return nil
}

// Drain waits for the async pipeline to quiesce.
func (e *Engine) Drain(ctx context.Context) error {
	return e.pipeline.Drain(ctx)
}

// materialize writes a session's resolved text back to its note. The write
// lands like any other local edit: the watcher reindexes it and sync carries
// it to peers.
func (e *Engine) materialize(ctx context.Context, notePath, content string) error {
	full := filepath.Join(e.layout.KilnRoot, filepath.FromSlash(notePath))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create folder for %s: %w", notePath, err)
	}

	tmp := full + ".crucible-session"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to stage %s: %w", notePath, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", notePath, err)
	}
	return e.Index(ctx, notePath)
}
