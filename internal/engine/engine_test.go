package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yaleman/memesync/internal/decode"
	"github.com/yaleman/memesync/internal/imagecache"
	"github.com/yaleman/memesync/internal/models"
	"github.com/yaleman/memesync/internal/retry"
	"github.com/yaleman/memesync/internal/store"
	"github.com/yaleman/memesync/internal/store/disk"
	"github.com/yaleman/memesync/internal/store/memory"
	"github.com/yaleman/memesync/internal/syncer"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 160, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// gatedStore wraps the in-memory store, counting Gets and optionally
// holding them until the gate opens.
type gatedStore struct {
	*memory.Store
	gets atomic.Int64
	gate chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	g.gets.Add(1)
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Store.Get(ctx, key)
}

func newTestEngine(t *testing.T, remote store.BlobStore) (*Engine, *syncer.Syncer) {
	t.Helper()
	local, err := disk.New(t.TempDir())
	if err != nil {
		t.Fatalf("disk.New: %v", err)
	}
	sync, err := syncer.New(local, remote, syncer.Config{
		MaxTransfers: 2,
		Retry: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2.0,
		},
	})
	if err != nil {
		t.Fatalf("syncer.New: %v", err)
	}
	pool := decode.NewPool(decode.Config{Workers: 2})
	t.Cleanup(pool.Close)
	cache := imagecache.New(1 << 20)
	return New(sync, pool, cache, Config{MaxPipelines: 2}), sync
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRequest_DecodesAndCaches(t *testing.T) {
	remote := memory.New()
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	data := pngBytes(t, 12, 8)
	id := syncer.HashBytes(data)
	if err := remote.Put(ctx, id, data); err != nil {
		t.Fatalf("remote.Put: %v", err)
	}
	if _, err := eng.ReconcileNow(ctx); err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}

	img, err := eng.Request(ctx, id)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if img.Width != 12 || img.Height != 8 {
		t.Errorf("dimensions = %dx%d, want 12x8", img.Width, img.Height)
	}

	hitsBefore := eng.Stats.CacheHits.Load()
	again, err := eng.Request(ctx, id)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if again != img {
		t.Error("cache hit returned a different decoded image")
	}
	if eng.Stats.CacheHits.Load() != hitsBefore+1 {
		t.Error("second request did not hit the cache")
	}
}

func TestRequest_DeduplicatesConcurrent(t *testing.T) {
	remote := &gatedStore{Store: memory.New(), gate: make(chan struct{})}
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	data := pngBytes(t, 10, 10)
	id := syncer.HashBytes(data)
	if err := remote.Store.Put(ctx, id, data); err != nil {
		t.Fatalf("remote.Put: %v", err)
	}
	if _, err := eng.ReconcileNow(ctx); err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}

	const callers = 10
	type result struct {
		img *decode.DecodedImage
		err error
	}
	results := make(chan result, callers)
	for i := 0; i < callers; i++ {
		go func() {
			img, err := eng.Request(ctx, id)
			results <- result{img, err}
		}()
	}

	// All callers must be waiting on the single pending request before
	// the fetch is released.
	waitFor(t, "all waiters to join", func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		p, ok := eng.pending[id]
		return ok && p.waiters == callers
	})
	close(remote.gate)

	var first *decode.DecodedImage
	for i := 0; i < callers; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("caller %d: %v", i, r.err)
		}
		if first == nil {
			first = r.img
		} else if r.img != first {
			t.Error("callers observed different decoded images")
		}
	}

	if got := remote.gets.Load(); got != 1 {
		t.Errorf("remote fetched %d times, want 1", got)
	}
	if got := eng.Stats.Dedupes.Load(); got != callers-1 {
		t.Errorf("dedupes = %d, want %d", got, callers-1)
	}
}

func TestRequest_DecodeFailureSharedAndNotCached(t *testing.T) {
	remote := memory.New()
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	data := []byte("this is not an image")
	id := syncer.HashBytes(data)
	if err := remote.Put(ctx, id, data); err != nil {
		t.Fatalf("remote.Put: %v", err)
	}
	if _, err := eng.ReconcileNow(ctx); err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := eng.Request(ctx, id)
		if err == nil {
			t.Fatal("expected decode error")
		}
		if !decode.IsDecodeError(err) {
			t.Errorf("request %d err = %v, want decode error", i, err)
		}
	}

	if _, ok := eng.cache.Get(id); ok {
		t.Error("undecodable image ended up in the cache")
	}
}

func TestRequest_UnknownIdIsNotFound(t *testing.T) {
	eng, _ := newTestEngine(t, memory.New())

	_, err := eng.Request(context.Background(), "no-such-meme")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRequest_CancellationLeavesOtherWaiters(t *testing.T) {
	remote := &gatedStore{Store: memory.New(), gate: make(chan struct{})}
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	data := pngBytes(t, 6, 6)
	id := syncer.HashBytes(data)
	if err := remote.Store.Put(ctx, id, data); err != nil {
		t.Fatalf("remote.Put: %v", err)
	}
	if _, err := eng.ReconcileNow(ctx); err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Request(cancelCtx, id)
		errCh <- err
	}()
	imgCh := make(chan *decode.DecodedImage, 1)
	go func() {
		img, err := eng.Request(ctx, id)
		if err != nil {
			t.Errorf("surviving waiter: %v", err)
		}
		imgCh <- img
	}()

	waitFor(t, "both waiters to join", func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		p, ok := eng.pending[id]
		return ok && p.waiters == 2
	})

	// One caller loses interest; the pipeline keeps running for the
	// other.
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled waiter err = %v, want context.Canceled", err)
	}

	close(remote.gate)
	img := <-imgCh
	if img == nil || img.Width != 6 {
		t.Error("surviving waiter did not receive the decoded image")
	}
}

func TestRequest_CancellingLastWaiterStopsPipeline(t *testing.T) {
	remote := &gatedStore{Store: memory.New(), gate: make(chan struct{})}
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	data := pngBytes(t, 6, 6)
	id := syncer.HashBytes(data)
	if err := remote.Store.Put(ctx, id, data); err != nil {
		t.Fatalf("remote.Put: %v", err)
	}
	if _, err := eng.ReconcileNow(ctx); err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Request(cancelCtx, id)
		errCh <- err
	}()

	waitFor(t, "fetch to start", func() bool { return remote.gets.Load() == 1 })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// The pipeline winds down and a fresh request succeeds.
	waitFor(t, "pending teardown", func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		_, ok := eng.pending[id]
		return !ok
	})

	close(remote.gate)
	img, err := eng.Request(ctx, id)
	if err != nil {
		t.Fatalf("fresh Request after cancel: %v", err)
	}
	if img.Width != 6 {
		t.Errorf("width = %d, want 6", img.Width)
	}
}

func TestMarkDeleted_DropsCachedImage(t *testing.T) {
	remote := memory.New()
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	id, err := eng.AddImage(ctx, pngBytes(t, 5, 5))
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if _, err := eng.Request(ctx, id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, ok := eng.cache.Get(id); !ok {
		t.Fatal("image not cached after request")
	}

	if err := eng.MarkDeleted(id); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if _, ok := eng.cache.Get(id); ok {
		t.Error("cached image survived MarkDeleted")
	}

	var rec *models.ImageRecord
	for _, r := range eng.ListInventory() {
		if r.ID == id {
			rec = &r
		}
	}
	if rec == nil {
		t.Fatal("record missing from inventory")
	}
	if rec.State != models.StateDeleted {
		t.Errorf("record state = %q, want deleted", rec.State)
	}
}

func TestSyncNow_FullPass(t *testing.T) {
	remote := memory.New()
	eng, _ := newTestEngine(t, remote)
	ctx := context.Background()

	id, err := eng.AddImage(ctx, pngBytes(t, 4, 4))
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	outcomes, err := eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if o, ok := outcomes[id]; !ok || o.Err != nil {
		t.Fatalf("upload outcome = %+v", o)
	}
	if remote.Len() != 1 {
		t.Error("remote missing uploaded image")
	}

	// A second pass has nothing to do.
	outcomes, err = eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("second pass produced %d outcomes, want 0", len(outcomes))
	}
}
