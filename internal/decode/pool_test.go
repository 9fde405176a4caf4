package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"
)

// pngBytes encodes a solid-color PNG of the given dimensions.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestPool_Decode(t *testing.T) {
	p := NewPool(Config{Workers: 2})
	defer p.Close()

	data := pngBytes(t, 16, 9)
	img, err := p.Decode(context.Background(), "test", data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if img.Width != 16 || img.Height != 9 {
		t.Errorf("dimensions = %dx%d, want 16x9", img.Width, img.Height)
	}
	if img.Format != "png" {
		t.Errorf("format = %q, want png", img.Format)
	}
	if want := int64(16 * 9 * 4); img.SizeBytes != want {
		t.Errorf("SizeBytes = %d, want %d", img.SizeBytes, want)
	}
}

func TestPool_DecodeCorrupt(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	defer p.Close()

	_, err := p.Decode(context.Background(), "bad", []byte("definitely not an image"))
	if err == nil {
		t.Fatal("expected error for corrupt bytes")
	}
	if !IsDecodeError(err) {
		t.Errorf("error %v is not a decode error", err)
	}

	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("error %v does not unwrap to *Error", err)
	}
	if de.ID != "bad" {
		t.Errorf("error ID = %q, want %q", de.ID, "bad")
	}
}

func TestPool_DecodeTruncated(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	defer p.Close()

	data := pngBytes(t, 32, 32)
	_, err := p.Decode(context.Background(), "trunc", data[:len(data)/2])
	if err == nil {
		t.Fatal("expected error for truncated bytes")
	}
	if !IsDecodeError(err) {
		t.Errorf("error %v is not a decode error", err)
	}
}

func TestPool_Downscale(t *testing.T) {
	p := NewPool(Config{Workers: 1, MaxWidth: 8, MaxHeight: 8})
	defer p.Close()

	img, err := p.Decode(context.Background(), "big", pngBytes(t, 32, 16))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// 32x16 fit into 8x8 preserving aspect ratio -> 8x4.
	if img.Width != 8 || img.Height != 4 {
		t.Errorf("dimensions = %dx%d, want 8x4", img.Width, img.Height)
	}
}

func TestPool_NoDownscaleWhenSmaller(t *testing.T) {
	p := NewPool(Config{Workers: 1, MaxWidth: 100, MaxHeight: 100})
	defer p.Close()

	img, err := p.Decode(context.Background(), "small", pngBytes(t, 10, 10))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Width != 10 || img.Height != 10 {
		t.Errorf("dimensions = %dx%d, want 10x10", img.Width, img.Height)
	}
}

func TestPool_ConcurrentDecodes(t *testing.T) {
	p := NewPool(Config{Workers: 4})
	defer p.Close()

	data := pngBytes(t, 20, 20)
	errCh := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := p.Decode(context.Background(), "concurrent", data)
			errCh <- err
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("concurrent decode %d: %v", i, err)
		}
	}
}

func TestPool_ContextCancelled(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Decode(ctx, "cancelled", pngBytes(t, 4, 4))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPool_CloseReleasesQueuedCallers(t *testing.T) {
	p := NewPool(Config{Workers: 1, QueueSize: 16})
	data := pngBytes(t, 256, 256)

	const callers = 9
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		id := fmt.Sprintf("queued-%d", i)
		go func() {
			_, err := p.Decode(context.Background(), id, data)
			results <- err
		}()
	}

	time.Sleep(5 * time.Millisecond)
	p.Close()

	// Every caller comes back: a result for jobs that ran, a
	// closed-pool error for the rest. Nobody blocks forever.
	for i := 0; i < callers; i++ {
		select {
		case err := <-results:
			if err != nil && !errors.Is(err, errPoolClosed) {
				t.Errorf("caller returned %v, want nil or closed-pool error", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("caller still blocked after Close")
		}
	}
}

func TestPool_DecodeAfterClose(t *testing.T) {
	p := NewPool(Config{Workers: 1})
	p.Close()

	_, err := p.Decode(context.Background(), "late", pngBytes(t, 4, 4))
	if !errors.Is(err, errPoolClosed) {
		t.Errorf("err = %v, want closed-pool error", err)
	}
}
