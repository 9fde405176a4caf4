// memesyncd keeps a local meme collection in sync with an S3 bucket.
//
// It runs the cache/sync engine as a daemon: a periodic reconcile/apply
// loop against the bucket, a Prometheus metrics endpoint, and clean
// shutdown on SIGINT/SIGTERM. With -once it performs a single sync pass
// and exits. Image files named as arguments are imported into the
// collection before the first pass.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yaleman/memesync/internal/config"
	"github.com/yaleman/memesync/internal/decode"
	"github.com/yaleman/memesync/internal/engine"
	"github.com/yaleman/memesync/internal/imagecache"
	"github.com/yaleman/memesync/internal/logging"
	"github.com/yaleman/memesync/internal/metrics"
	"github.com/yaleman/memesync/internal/retry"
	"github.com/yaleman/memesync/internal/store/disk"
	s3store "github.com/yaleman/memesync/internal/store/s3"
	"github.com/yaleman/memesync/internal/syncer"
)

// okExtensions are the image formats the collection accepts.
var okExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	once := flag.Bool("once", false, "run a single sync pass and exit")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("memesyncd starting",
		zap.String("bucket", cfg.S3Bucket),
		zap.String("cache_dir", cfg.CacheDir),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore, err := disk.New(cfg.CacheDir)
	if err != nil {
		logging.Fatal("local store init failed", zap.Error(err))
	}

	remoteStore, err := s3store.New(ctx, s3store.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKeyID,
		SecretKey: cfg.S3SecretAccessKey,
		Region:    cfg.S3Region,
		OpTimeout: cfg.OpTimeout(),
	})
	if err != nil {
		logging.Fatal("S3 store init failed", zap.Error(err))
	}

	sync, err := syncer.New(localStore, remoteStore, syncer.Config{
		MaxTransfers: cfg.MaxTransfers,
		Retry: retry.Config{
			MaxAttempts: cfg.RetryCeiling,
			InitialWait: cfg.BackoffBase(),
			MaxWait:     10 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
	})
	if err != nil {
		logging.Fatal("syncer init failed", zap.Error(err))
	}

	pool := decode.NewPool(decode.Config{
		Workers:   cfg.DecodeWorkers,
		MaxWidth:  cfg.ThumbMaxWidth,
		MaxHeight: cfg.ThumbMaxHeight,
	})
	defer pool.Close()

	cache := imagecache.New(cfg.MemoryBudgetBytes)

	eng := engine.New(sync, pool, cache, engine.Config{
		MaxPipelines: cfg.MaxPipelines,
	})

	// Import any image files passed on the command line before syncing.
	for _, path := range flag.Args() {
		if err := importFile(ctx, eng, path); err != nil {
			logging.Error("import failed", zap.String("path", path), zap.Error(err))
		}
	}

	if *once {
		if err := syncOnce(ctx, eng); err != nil {
			logging.Fatal("sync failed", zap.Error(err))
		}
		return
	}

	// Metrics listener
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()

	// Periodic sync loop
	ticker := time.NewTicker(cfg.SyncInterval())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := syncOnce(ctx, eng); err != nil {
		logging.Error("initial sync failed", zap.Error(err))
	}

	for {
		select {
		case <-ticker.C:
			if err := syncOnce(ctx, eng); err != nil {
				logging.Error("sync failed", zap.Error(err))
			}
		case sig := <-sigCh:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			metricsServer.Shutdown(shutdownCtx)
			shutdownCancel()
			return
		}
	}
}

func syncOnce(ctx context.Context, eng *engine.Engine) error {
	outcomes, err := eng.SyncNow(ctx)
	if err != nil {
		return err
	}

	failed := 0
	conflicts := 0
	for _, o := range outcomes {
		if errors.Is(o.Err, syncer.ErrConflict) {
			conflicts++
		} else if o.Err != nil {
			failed++
			logging.Warn("sync item failed",
				zap.String("id", o.ID),
				zap.String("action", string(o.Action)),
				zap.Error(o.Err))
		}
	}

	logging.Info("sync pass finished",
		zap.Int("outcomes", len(outcomes)),
		zap.Int("failed", failed),
		zap.Int("conflicts", conflicts))
	return nil
}

func importFile(ctx context.Context, eng *engine.Engine, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	allowed := false
	for _, ok := range okExtensions {
		if ext == ok {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("unsupported extension %q", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	id, err := eng.AddImage(ctx, data)
	if err != nil {
		return err
	}
	logging.Info("imported image", zap.String("path", path), zap.String("id", id))
	return nil
}
