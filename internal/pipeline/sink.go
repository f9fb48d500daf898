package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/logging"
)

// sinkRunner owns one sink's buffer, retry queue, and circuit breaker.
type sinkRunner struct {
	sink    Sink
	cfg     Config
	log     *logging.Logger
	metrics *Metrics
	breaker *Breaker

	buffer chan *Delivery
	retry  chan *Delivery

	inFlight atomic.Int64
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func newSinkRunner(sink Sink, cfg Config, log *logging.Logger, metrics *Metrics) *sinkRunner {
	return &sinkRunner{
		sink:    sink,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		breaker: NewBreaker(cfg.Breaker),
		buffer:  make(chan *Delivery, cfg.DocQueue),
		retry:   make(chan *Delivery, cfg.RetryQueue),
		stopped: make(chan struct{}),
	}
}

func (r *sinkRunner) start(ctx context.Context) {
	r.wg.Add(2)
	go r.run(ctx)
	go r.retryLoop(ctx)
}

// offer enqueues a delivery without ever blocking the worker. A full buffer
// means the sink is lagging: the oldest buffered item is dropped so the sink
// skips toward the newest state, and catches up via reindex on demand.
func (r *sinkRunner) offer(d *Delivery) {
	for {
		select {
		case r.buffer <- d:
			return
		default:
		}

		select {
		case dropped := <-r.buffer:
			r.metrics.lagged(r.sink.Name())
			r.log.Debugf("sink %s lagging, skipped %s", r.sink.Name(), dropped.Path)
		default:
		}
	}
}

// busy reports whether the runner still holds queued or in-flight work.
func (r *sinkRunner) busy() bool {
	return len(r.buffer) > 0 || len(r.retry) > 0 || r.inFlight.Load() > 0
}

// run applies buffered deliveries under the circuit breaker.
func (r *sinkRunner) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopped:
			// Drain what is already buffered before exiting.
			for {
				select {
				case d := <-r.buffer:
					r.apply(ctx, d)
				default:
					return
				}
			}
		case d := <-r.buffer:
			r.apply(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}

// apply runs one delivery through the breaker and sink.
func (r *sinkRunner) apply(ctx context.Context, d *Delivery) {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	name := r.sink.Name()

	if !r.breaker.Allow() {
		r.metrics.rejected(name)
		r.metrics.breaker(name, r.breaker.State())
		return
	}

	err := r.sink.Apply(ctx, d)
	if err == nil {
		r.breaker.RecordSuccess()
		r.metrics.processed(name)
		r.metrics.breaker(name, r.breaker.State())
		return
	}

	r.breaker.RecordFailure()
	r.metrics.failed(name)
	r.metrics.breaker(name, r.breaker.State())

	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) && !storageErr.Transient {
		r.log.Errorf("sink %s hit a consistency error on %s: %v", name, d.Path, err)
		return
	}

	// Transient: queue for retry; overflow escalates to the breaker.
	select {
	case r.retry <- d:
		r.log.Warnf("sink %s failed on %s, queued for retry: %v", name, d.Path, err)
	default:
		r.log.Errorf("sink %s retry queue overflow, tripping breaker", name)
		r.breaker.Trip()
		r.metrics.breaker(name, r.breaker.State())
	}
}

// retryLoop periodically re-applies failed deliveries.
func (r *sinkRunner) retryLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case <-ticker.C:
			n := len(r.retry)
			for i := 0; i < n; i++ {
				select {
				case d := <-r.retry:
					r.metrics.retried(r.sink.Name())
					r.apply(ctx, d)
				default:
				}
			}
		}
	}
}

func (r *sinkRunner) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	r.wg.Wait()
}
