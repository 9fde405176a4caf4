// Package decode provides a bounded worker pool that turns raw image
// bytes into renderable bitmaps off the caller's goroutine.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	// Register decoders for the formats the collection allows.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/yaleman/memesync/internal/logging"
	"github.com/yaleman/memesync/internal/metrics"
)

// DecodedImage is an in-memory bitmap plus its dimensions. Never
// persisted; evicted copies are re-decoded from disk on demand.
type DecodedImage struct {
	ID        string
	Pixels    image.Image
	Width     int
	Height    int
	Format    string
	SizeBytes int64
}

// Error marks corrupt or unsupported image bytes. Decode failures are
// deterministic for the same bytes and are never retried.
type Error struct {
	ID  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode %s: %v", e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDecodeError returns true if err is (or wraps) a decode Error.
func IsDecodeError(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

// errPoolClosed is returned for jobs submitted to, or still queued in,
// a closed pool.
var errPoolClosed = errors.New("decode pool closed")

// Config holds decode pool settings.
type Config struct {
	Workers   int // default runtime.NumCPU()
	QueueSize int // default 2*Workers

	// MaxWidth/MaxHeight, when both set, downscale decoded images to
	// fit within the box, preserving aspect ratio.
	MaxWidth  int
	MaxHeight int
}

type job struct {
	ctx    context.Context
	id     string
	data   []byte
	result chan jobResult
}

type jobResult struct {
	img *DecodedImage
	err error
}

// Pool is a fixed-size decode worker pool.
type Pool struct {
	cfg  Config
	jobs chan job
	done chan struct{}
}

// NewPool creates and starts a decode pool.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.Workers
	}

	p := &Pool{
		cfg:  cfg,
		jobs: make(chan job, cfg.QueueSize),
		done: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	logging.Debug("decode pool started", zap.Int("workers", cfg.Workers))
	return p
}

// Decode submits raw bytes to the pool and waits for the result. The
// decode itself always runs on a pool worker.
func (p *Pool) Decode(ctx context.Context, id string, data []byte) (*DecodedImage, error) {
	j := job{ctx: ctx, id: id, data: data, result: make(chan jobResult, 1)}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, errPoolClosed
	}

	select {
	case r := <-j.result:
		return r.img, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		// A submission can race the close-time drain; nobody will
		// service it, so don't wait for a result that never comes.
		select {
		case r := <-j.result:
			return r.img, r.err
		default:
			return nil, errPoolClosed
		}
	}
}

// Close stops the pool. Jobs still queued fail with a closed-pool
// error instead of waiting for a worker that already exited.
func (p *Pool) Close() {
	close(p.done)
	for {
		select {
		case j := <-p.jobs:
			j.result <- jobResult{err: errPoolClosed}
		default:
			return
		}
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			select {
			case <-p.done:
				j.result <- jobResult{err: errPoolClosed}
				continue
			default:
			}
			if j.ctx.Err() != nil {
				j.result <- jobResult{err: j.ctx.Err()}
				continue
			}
			img, err := p.decodeOne(j.id, j.data)
			j.result <- jobResult{img: img, err: err}
		}
	}
}

func (p *Pool) decodeOne(id string, data []byte) (*DecodedImage, error) {
	start := time.Now()

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		metrics.RecordDecode(time.Since(start), false)
		return nil, &Error{ID: id, Err: err}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		metrics.RecordDecode(time.Since(start), false)
		return nil, &Error{ID: id, Err: err}
	}

	if p.cfg.MaxWidth > 0 && p.cfg.MaxHeight > 0 {
		bounds := img.Bounds()
		if bounds.Dx() > p.cfg.MaxWidth || bounds.Dy() > p.cfg.MaxHeight {
			img = imaging.Fit(img, p.cfg.MaxWidth, p.cfg.MaxHeight, imaging.Lanczos)
		}
	}

	bounds := img.Bounds()
	decoded := &DecodedImage{
		ID:        id,
		Pixels:    img,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Format:    format,
		SizeBytes: int64(bounds.Dx()) * int64(bounds.Dy()) * 4, // RGBA resident estimate
	}

	metrics.RecordDecode(time.Since(start), true)
	logging.Debug("decoded image",
		zap.String("id", id),
		zap.String("format", format),
		zap.Int("width", decoded.Width),
		zap.Int("height", decoded.Height))
	return decoded, nil
}
