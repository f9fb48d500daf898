// Package pipeline turns file events into parsed documents and fans them out
// to sinks with bounded memory. Three bounded stages: an event queue that
// blocks the watcher when full, a keyed worker pool parsing on CPU, and
// per-sink buffers with lag-skip semantics, retry queues, and circuit
// breakers. Events for the same path always route to the same worker, so
// per-note ordering holds end to end.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/hash"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/merkle"
	"github.com/mootikins/crucible/internal/parser"
)

// Op distinguishes delivery operations.
type Op int

const (
	// OpUpsert carries a freshly parsed document.
	OpUpsert Op = iota
	// OpDelete removes a note everywhere.
	OpDelete
)

// Delivery is the unit fanned out to sinks.
type Delivery struct {
	Op    Op
	Path  string
	Doc   *parser.ParsedDocument // nil for deletes
	Root  domain.Hash            // Merkle root of Doc's blocks
	Event domain.FileEvent
}

// Sink consumes deliveries. Apply errors are retried under the sink's circuit
// breaker, except a StorageError not flagged transient, which is logged and
// dropped.
type Sink interface {
	Name() string
	Apply(ctx context.Context, d *Delivery) error
	Flush(ctx context.Context) error
}

// Config sizes the pipeline.
type Config struct {
	Workers         int
	EventQueue      int
	DocQueue        int
	RetryQueue      int
	RetryInterval   time.Duration
	ShutdownTimeout time.Duration
	Breaker         BreakerConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		EventQueue:      256,
		DocQueue:        1024,
		RetryQueue:      256,
		RetryInterval:   5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Breaker:         DefaultBreaker(),
	}
}

// Pipeline is the bounded indexing pipeline.
type Pipeline struct {
	cfg     Config
	root    string
	parser  *parser.Parser
	hasher  *hash.Hasher
	log     *logging.Logger
	metrics *Metrics

	events  chan domain.FileEvent
	queues  []chan domain.FileEvent
	runners []*sinkRunner

	// pending counts submitted events not yet fanned out to every sink.
	pending atomic.Int64

	// submitMu lets Close wait out in-flight Submits before closing events.
	submitMu sync.RWMutex
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing sync.Once
	done    chan struct{}
}

// New creates a Pipeline rooted at the kiln directory.
func New(root string, p *parser.Parser, sinks []Sink, cfg Config, log *logging.Logger, metrics *Metrics) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = 256
	}
	if cfg.DocQueue <= 0 {
		cfg.DocQueue = 1024
	}
	if cfg.RetryQueue <= 0 {
		cfg.RetryQueue = 256
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = DefaultBreaker()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pl := &Pipeline{
		cfg:     cfg,
		root:    root,
		parser:  p,
		hasher:  hash.Default(),
		log:     log,
		metrics: metrics,
		events:  make(chan domain.FileEvent, cfg.EventQueue),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	for _, sink := range sinks {
		pl.runners = append(pl.runners, newSinkRunner(sink, cfg, log, metrics))
	}

	return pl
}

// Start launches the dispatcher, workers, and sink runners.
func (pl *Pipeline) Start() {
	pl.queues = make([]chan domain.FileEvent, pl.cfg.Workers)
	for i := range pl.queues {
		pl.queues[i] = make(chan domain.FileEvent)
		pl.wg.Add(1)
		go pl.worker(pl.queues[i])
	}

	for _, r := range pl.runners {
		r.start(pl.ctx)
	}

	pl.wg.Add(1)
	go pl.dispatch()
}

// Submit enqueues a file event. Blocks when the event queue is full, pushing
// backpressure onto the watcher instead of dropping events.
func (pl *Pipeline) Submit(ctx context.Context, ev domain.FileEvent) error {
	if ev.Kind == domain.FileIgnored {
		pl.metrics.event(string(ev.Kind))
		return nil
	}

	pl.submitMu.RLock()
	defer pl.submitMu.RUnlock()
	if pl.closed {
		return errors.New("pipeline is shut down")
	}

	pl.pending.Add(1)
	select {
	case pl.events <- ev:
		pl.metrics.event(string(ev.Kind))
		return nil
	case <-ctx.Done():
		pl.pending.Add(-1)
		return ctx.Err()
	case <-pl.ctx.Done():
		pl.pending.Add(-1)
		return errors.New("pipeline is shut down")
	}
}

// dispatch routes events to workers keyed by path, so events for one note
// serialize through a single worker.
func (pl *Pipeline) dispatch() {
	defer pl.wg.Done()
	defer func() {
		for _, q := range pl.queues {
			close(q)
		}
	}()

	for {
		select {
		case ev, ok := <-pl.events:
			if !ok {
				return
			}
			idx := pl.workerFor(ev.Path)
			select {
			case pl.queues[idx] <- ev:
			case <-pl.ctx.Done():
				return
			}
		case <-pl.ctx.Done():
			return
		}
	}
}

// workerFor hashes a path onto a worker index.
func (pl *Pipeline) workerFor(path string) int {
	h := fnv.New32a()
	h.Write([]byte(path))
	return int(h.Sum32() % uint32(pl.cfg.Workers))
}

// worker parses events into deliveries and fans them out.
func (pl *Pipeline) worker(queue <-chan domain.FileEvent) {
	defer pl.wg.Done()

	for ev := range queue {
		delivery, err := pl.process(ev)
		if err != nil {
			pl.log.Warnf("failed to process %s: %v", ev.Path, err)
			pl.pending.Add(-1)
			continue
		}
		if delivery != nil {
			for _, r := range pl.runners {
				r.offer(delivery)
			}
		}
		pl.pending.Add(-1)
	}
}

// process turns one event into a delivery. Deletes and renames skip parsing.
func (pl *Pipeline) process(ev domain.FileEvent) (*Delivery, error) {
	switch ev.Kind {
	case domain.FileDeleted, domain.FileRenamed:
		path := ev.Path
		if ev.Kind == domain.FileRenamed && ev.OldPath != "" {
			path = ev.OldPath
		}
		return &Delivery{Op: OpDelete, Path: path, Event: ev}, nil

	case domain.FileCreated, domain.FileModified:
		doc, err := pl.parser.ParseFile(filepath.Join(pl.root, filepath.FromSlash(ev.Path)))
		if err != nil {
			return nil, err
		}
		doc.Path = ev.Path

		leaves := make([]domain.Hash, len(doc.Blocks))
		for i, b := range doc.Blocks {
			leaves[i] = b.Hash
		}
		root := merkle.Build(pl.hasher, leaves).Root()

		return &Delivery{Op: OpUpsert, Path: ev.Path, Doc: doc, Root: root, Event: ev}, nil
	}

	return nil, nil
}

// Drain waits until every submitted event has fanned out and every sink
// buffer is empty. Reindex and test helper; steady-state consumers rely on
// per-note ordering instead.
func (pl *Pipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	quietRounds := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if pl.idle() {
				// Two consecutive quiet observations avoid racing handoffs.
				quietRounds++
				if quietRounds >= 2 {
					return nil
				}
			} else {
				quietRounds = 0
			}
		}
	}
}

// idle reports whether no work is queued or in flight anywhere.
func (pl *Pipeline) idle() bool {
	if pl.pending.Load() > 0 {
		return false
	}
	for _, r := range pl.runners {
		if r.busy() {
			return false
		}
	}
	return true
}

// Close drains the watcher stage, waits for in-flight work up to the
// shutdown timeout, then flushes every sink. After the timeout, in-flight
// items are abandoned; the next startup reprocesses them from filesystem
// modification times.
func (pl *Pipeline) Close(ctx context.Context) error {
	var closeErr error
	pl.closing.Do(func() {
		pl.submitMu.Lock()
		pl.closed = true
		pl.submitMu.Unlock()
		close(pl.events)

		workersDone := make(chan struct{})
		go func() {
			pl.wg.Wait()
			close(workersDone)
		}()

		select {
		case <-workersDone:
		case <-time.After(pl.cfg.ShutdownTimeout):
			pl.log.Warnf("pipeline shutdown timed out, abandoning in-flight work")
			pl.cancel()
		case <-ctx.Done():
			pl.cancel()
			closeErr = ctx.Err()
		}

		for _, r := range pl.runners {
			r.stop()
		}
		for _, r := range pl.runners {
			if err := r.sink.Flush(context.Background()); err != nil {
				pl.log.Warnf("failed to flush sink %s: %v", r.sink.Name(), err)
			}
		}

		pl.cancel()
		close(pl.done)
	})
	return closeErr
}

// BreakerState reports a sink's breaker state by name.
func (pl *Pipeline) BreakerState(sink string) (BreakerState, bool) {
	for _, r := range pl.runners {
		if r.sink.Name() == sink {
			return r.breaker.State(), true
		}
	}
	return BreakerClosed, false
}
