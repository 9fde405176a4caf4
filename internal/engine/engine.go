// Package engine is the GUI-facing surface of memesync. It coordinates
// outstanding fetch/decode pipelines, deduplicates concurrent requests
// for the same image, and serves decoded bitmaps from the cache.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yaleman/memesync/internal/decode"
	"github.com/yaleman/memesync/internal/imagecache"
	"github.com/yaleman/memesync/internal/logging"
	"github.com/yaleman/memesync/internal/metrics"
	"github.com/yaleman/memesync/internal/models"
	"github.com/yaleman/memesync/internal/syncer"
)

// Config holds engine settings.
type Config struct {
	MaxPipelines int // concurrently active fetch/decode pipelines
}

// Stats holds request counters, read with atomics.
type Stats struct {
	Requests    atomic.Int64
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
	Dedupes     atomic.Int64
	Failures    atomic.Int64
	Cancelled   atomic.Int64
}

// pendingRequest tracks one in-flight pipeline and its waiters. At most
// one exists per image id at any time.
type pendingRequest struct {
	id      string
	waiters int
	cancel  context.CancelFunc
	done    chan struct{}

	img *decode.DecodedImage
	err error
}

// Engine ties the cache, syncer and decode pool together behind the
// request API the GUI consumes.
type Engine struct {
	syncer *syncer.Syncer
	pool   *decode.Pool
	cache  *imagecache.Cache
	cfg    Config

	mu      sync.Mutex
	pending map[string]*pendingRequest

	slots  chan struct{} // pipeline cap; blocked acquirers queue FIFO
	queued atomic.Int64
	active atomic.Int64

	Stats Stats
}

// New creates an engine over the given components.
func New(sync *syncer.Syncer, pool *decode.Pool, cache *imagecache.Cache, cfg Config) *Engine {
	if cfg.MaxPipelines <= 0 {
		cfg.MaxPipelines = 4
	}
	return &Engine{
		syncer:  sync,
		pool:    pool,
		cache:   cache,
		cfg:     cfg,
		pending: make(map[string]*pendingRequest),
		slots:   make(chan struct{}, cfg.MaxPipelines),
	}
}

// Request returns the decoded image for an id, running at most one
// fetch/decode pipeline per id no matter how many callers ask
// concurrently. Every waiter observes the same result or the same
// error. A caller cancelling its context only drops its own interest;
// the pipeline is cancelled when the last waiter leaves, and a result
// that still arrives is cached anyway.
func (e *Engine) Request(ctx context.Context, id string) (*decode.DecodedImage, error) {
	e.Stats.Requests.Add(1)

	if img, ok := e.cache.Get(id); ok {
		e.Stats.CacheHits.Add(1)
		metrics.RecordRequest("cache_hit")
		return img, nil
	}
	e.Stats.CacheMisses.Add(1)

	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		p.waiters++
		e.Stats.Dedupes.Add(1)
	} else {
		pipeCtx, cancel := context.WithCancel(context.Background())
		p = &pendingRequest{
			id:      id,
			waiters: 1,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		e.pending[id] = p
		go e.runPipeline(pipeCtx, p)
	}
	e.mu.Unlock()

	select {
	case <-p.done:
		if p.err != nil {
			e.Stats.Failures.Add(1)
			metrics.RecordRequest("error")
			return nil, p.err
		}
		metrics.RecordRequest("ok")
		return p.img, nil
	case <-ctx.Done():
		e.Stats.Cancelled.Add(1)
		e.mu.Lock()
		p.waiters--
		if p.waiters == 0 {
			// Last waiter gone: cancellation is advisory, the
			// pipeline may still finish and cache its result.
			p.cancel()
		}
		e.mu.Unlock()
		metrics.RecordRequest("cancelled")
		return nil, ctx.Err()
	}
}

func (e *Engine) runPipeline(ctx context.Context, p *pendingRequest) {
	defer p.cancel()

	// Wait for a pipeline slot. Blocked acquirers are served in FIFO
	// order by the runtime.
	e.queued.Add(1)
	metrics.SetPipelinesQueued(e.queued.Load())
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		e.queued.Add(-1)
		metrics.SetPipelinesQueued(e.queued.Load())
		e.finish(p, nil, ctx.Err())
		return
	}
	e.queued.Add(-1)
	e.active.Add(1)
	metrics.SetPipelinesQueued(e.queued.Load())
	metrics.SetPipelinesActive(e.active.Load())
	defer func() {
		<-e.slots
		e.active.Add(-1)
		metrics.SetPipelinesActive(e.active.Load())
	}()

	data, err := e.syncer.Fetch(ctx, p.id)
	if err != nil {
		e.finish(p, nil, err)
		return
	}

	img, err := e.pool.Decode(ctx, p.id, data)
	if err != nil {
		// Decode failures are deterministic for the same bytes:
		// never cached, never retried.
		e.finish(p, nil, err)
		return
	}

	// A decoded image may only enter the cache while its record is
	// local or mid-sync.
	if rec, ok := e.syncer.Record(p.id); ok &&
		(rec.State == models.StateLocal || rec.State == models.StateSyncing) {
		e.cache.Put(p.id, img)
	}

	e.finish(p, img, nil)
}

func (e *Engine) finish(p *pendingRequest, img *decode.DecodedImage, err error) {
	e.mu.Lock()
	delete(e.pending, p.id)
	e.mu.Unlock()

	p.img = img
	p.err = err
	close(p.done)

	if err != nil {
		logging.Debug("pipeline failed", zap.String("id", p.id), zap.Error(err))
	}
}

// ListInventory returns an immutable snapshot of the image records.
func (e *Engine) ListInventory() []models.ImageRecord {
	return e.syncer.Snapshot()
}

// ReconcileNow computes a sync plan without applying it.
func (e *Engine) ReconcileNow(ctx context.Context) (*syncer.Plan, error) {
	return e.syncer.Reconcile(ctx)
}

// SyncNow runs one full reconcile-then-apply pass.
func (e *Engine) SyncNow(ctx context.Context) (map[string]syncer.Outcome, error) {
	return e.syncer.Sync(ctx)
}

// MarkDeleted tombstones an image and drops any cached bitmap for it.
func (e *Engine) MarkDeleted(id string) error {
	if err := e.syncer.MarkDeleted(id); err != nil {
		return err
	}
	e.cache.Remove(id)
	return nil
}

// ResolveConflict settles a conflicted image by explicit choice and
// returns the id the winning bytes live under (a new one when the
// local side wins). The cached bitmap is dropped so the winning bytes
// are re-decoded.
func (e *Engine) ResolveConflict(ctx context.Context, id string, winner syncer.Winner) (string, error) {
	resolved, err := e.syncer.ResolveConflict(ctx, id, winner)
	if err != nil {
		return "", err
	}
	e.cache.Remove(id)
	if resolved != id {
		e.cache.Remove(resolved)
	}
	return resolved, nil
}

// AddImage stores new image bytes in the collection and returns their
// content-derived id.
func (e *Engine) AddImage(ctx context.Context, data []byte) (string, error) {
	return e.syncer.Add(ctx, data)
}
