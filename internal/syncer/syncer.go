// Package syncer reconciles the local image inventory against the
// remote bucket. It is the sole owner of the image record table; every
// other component sees snapshots.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yaleman/memesync/internal/logging"
	"github.com/yaleman/memesync/internal/metrics"
	"github.com/yaleman/memesync/internal/models"
	"github.com/yaleman/memesync/internal/retry"
	"github.com/yaleman/memesync/internal/store"
	"github.com/yaleman/memesync/internal/store/disk"
)

// ErrConflict marks an image whose local and remote content diverged.
// Conflicts are never resolved automatically.
var ErrConflict = errors.New("unresolved conflict")

// Action identifies what a sync pass did (or planned) for one image.
type Action string

const (
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
	ActionDelete   Action = "delete"
	ActionConflict Action = "conflict"
)

// Plan is the ephemeral diff between local and remote inventories,
// consumed by one Apply and discarded.
type Plan struct {
	Download  []string
	Upload    []string
	Delete    []string
	Conflicts []string
}

// Empty returns true if the plan contains no work.
func (p *Plan) Empty() bool {
	return len(p.Download) == 0 && len(p.Upload) == 0 &&
		len(p.Delete) == 0 && len(p.Conflicts) == 0
}

// Outcome is the per-image result of one Apply.
type Outcome struct {
	ID     string
	Action Action
	Err    error
}

// Config holds syncer settings.
type Config struct {
	MaxTransfers int          // bounded concurrency for Apply
	Retry        retry.Config // backoff for transient transport failures
}

// Syncer owns the record table and runs reconcile/apply passes.
// Passes never overlap: one finishes before the next classifies.
type Syncer struct {
	local  *disk.Store
	remote store.BlobStore
	cfg    Config

	passMu sync.Mutex // serializes reconcile/apply passes

	mu      sync.RWMutex // guards records
	records map[string]models.ImageRecord
}

// New creates a syncer, loading the record table from the disk sidecar
// and folding in any blobs on disk that have no record yet.
func New(local *disk.Store, remote store.BlobStore, cfg Config) (*Syncer, error) {
	if cfg.MaxTransfers <= 0 {
		cfg.MaxTransfers = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	records, err := local.LoadRecords()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	s := &Syncer{
		local:   local,
		remote:  remote,
		cfg:     cfg,
		records: records,
	}
	if err := s.adoptLocalBlobs(); err != nil {
		return nil, err
	}
	return s, nil
}

// HashBytes returns the content-derived identifier for image bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// adoptLocalBlobs registers blobs present on disk but missing from the
// record table, refreshes the recorded hash for blobs that changed
// underneath us, and drops Local records whose blob vanished.
func (s *Syncer) adoptLocalBlobs() error {
	infos, err := s.local.List(context.Background())
	if err != nil {
		return fmt.Errorf("scan local store: %w", err)
	}

	onDisk := make(map[string]store.ObjectInfo, len(infos))
	for _, info := range infos {
		onDisk[info.Key] = info
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, info := range infos {
		rec, ok := s.records[info.Key]
		if !ok {
			s.records[info.Key] = models.ImageRecord{
				ID:       info.Key,
				Size:     info.Size,
				Hash:     info.Hash,
				Modified: info.Modified,
				State:    models.StateLocal,
			}
			changed = true
			continue
		}
		if rec.State == models.StateLocal && rec.Hash != info.Hash {
			// Blob changed on disk behind our back. Record the real
			// hash so reconcile can classify the divergence.
			rec.Hash = info.Hash
			rec.Size = info.Size
			rec.Modified = info.Modified
			s.records[info.Key] = rec
			changed = true
		}
	}
	for id, rec := range s.records {
		if rec.State == models.StateLocal {
			if _, ok := onDisk[id]; !ok {
				delete(s.records, id)
				changed = true
			}
		}
	}

	if changed {
		return s.local.SaveRecords(s.records)
	}
	return nil
}

// Reconcile lists both sides and classifies every image id into a plan.
// Calling it twice without an intervening Apply yields the same plan.
func (s *Syncer) Reconcile(ctx context.Context) (*Plan, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.reconcileLocked(ctx)
}

func (s *Syncer) reconcileLocked(ctx context.Context) (*Plan, error) {
	start := time.Now()
	remoteInfos, err := s.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote: %w", err)
	}

	remoteByID := make(map[string]store.ObjectInfo, len(remoteInfos))
	for _, info := range remoteInfos {
		remoteByID[info.Key] = info
	}

	s.mu.Lock()
	plan := &Plan{}

	for id, obj := range remoteByID {
		rec, ok := s.records[id]
		if !ok {
			s.records[id] = models.ImageRecord{
				ID:       id,
				Size:     obj.Size,
				Hash:     obj.Hash,
				Modified: obj.Modified,
				State:    models.StateRemoteOnly,
			}
			plan.Download = append(plan.Download, id)
			continue
		}

		switch rec.State {
		case models.StateRemoteOnly, models.StateSyncing:
			plan.Download = append(plan.Download, id)
		case models.StateDeleted:
			// Tombstone: local deletion propagates to the bucket.
			plan.Delete = append(plan.Delete, id)
		default:
			if rec.Hash != obj.Hash {
				rec.State = models.StateConflict
				s.records[id] = rec
				plan.Conflicts = append(plan.Conflicts, id)
			} else if rec.State == models.StateConflict {
				// Hashes converged again, conflict is moot.
				rec.State = models.StateLocal
				s.records[id] = rec
			}
		}
	}

	for id, rec := range s.records {
		if _, ok := remoteByID[id]; ok {
			continue
		}
		switch rec.State {
		case models.StateLocal:
			plan.Upload = append(plan.Upload, id)
		case models.StateDeleted, models.StateRemoteOnly:
			// Gone on both sides, nothing left to sync.
			delete(s.records, id)
		}
	}

	sort.Strings(plan.Download)
	sort.Strings(plan.Upload)
	sort.Strings(plan.Delete)
	sort.Strings(plan.Conflicts)

	if err := s.local.SaveRecords(s.records); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.updateConflictGauge()
	metrics.RecordSyncPass(time.Since(start))
	logging.Info("reconcile complete",
		zap.Int("download", len(plan.Download)),
		zap.Int("upload", len(plan.Upload)),
		zap.Int("delete", len(plan.Delete)),
		zap.Int("conflicts", len(plan.Conflicts)),
		zap.Duration("took", time.Since(start)))
	return plan, nil
}

// Apply executes a plan with bounded concurrency, retrying transient
// transport failures per image. One image's failure never aborts the
// others. Conflicting ids are skipped and reported, never auto-applied.
func (s *Syncer) Apply(ctx context.Context, plan *Plan) map[string]Outcome {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.applyLocked(ctx, plan)
}

// Sync runs one reconcile-then-apply pass as a unit: the pass lock is
// held across both, so no other pass can classify between the diff and
// its application.
func (s *Syncer) Sync(ctx context.Context) (map[string]Outcome, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	plan, err := s.reconcileLocked(ctx)
	if err != nil {
		return nil, err
	}
	if plan.Empty() {
		return map[string]Outcome{}, nil
	}
	return s.applyLocked(ctx, plan), nil
}

func (s *Syncer) applyLocked(ctx context.Context, plan *Plan) map[string]Outcome {
	start := time.Now()
	var resMu sync.Mutex
	outcomes := make(map[string]Outcome)
	record := func(o Outcome) {
		resMu.Lock()
		outcomes[o.ID] = o
		resMu.Unlock()
		metrics.RecordSyncOutcome(string(o.Action), o.Err == nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxTransfers)

	for _, id := range plan.Download {
		id := id
		g.Go(func() error {
			record(Outcome{ID: id, Action: ActionDownload, Err: s.download(gctx, id)})
			return nil
		})
	}
	for _, id := range plan.Upload {
		id := id
		g.Go(func() error {
			record(Outcome{ID: id, Action: ActionUpload, Err: s.upload(gctx, id)})
			return nil
		})
	}
	for _, id := range plan.Delete {
		id := id
		g.Go(func() error {
			record(Outcome{ID: id, Action: ActionDelete, Err: s.deleteRemote(gctx, id)})
			return nil
		})
	}

	for _, id := range plan.Conflicts {
		record(Outcome{ID: id, Action: ActionConflict, Err: ErrConflict})
	}

	g.Wait()

	s.mu.Lock()
	if err := s.local.SaveRecords(s.records); err != nil {
		logging.Error("save records after apply", zap.Error(err))
	}
	s.mu.Unlock()

	s.updateConflictGauge()
	metrics.RecordSyncPass(time.Since(start))
	logging.Info("apply complete",
		zap.Int("outcomes", len(outcomes)),
		zap.Duration("took", time.Since(start)))
	return outcomes
}

// retryTransport marks transient transport failures retryable so the
// backoff loop retries them and nothing else.
func retryTransport(err error) error {
	if err == nil {
		return nil
	}
	if store.IsTransport(err) {
		return retry.Retryable(err)
	}
	return err
}

func (s *Syncer) download(ctx context.Context, id string) error {
	s.setState(id, models.StateSyncing)

	data, err := retry.DoWithResult(ctx, s.cfg.Retry, func() ([]byte, error) {
		d, err := s.remote.Get(ctx, id)
		return d, retryTransport(err)
	})
	if err != nil {
		s.setState(id, models.StateRemoteOnly)
		return err
	}

	// Content-addressed identity: the bytes must hash to their key.
	if got := HashBytes(data); got != id {
		s.setState(id, models.StateConflict)
		return fmt.Errorf("hash mismatch for %s: %w", id, ErrConflict)
	}

	if err := s.local.Put(ctx, id, data); err != nil {
		s.setState(id, models.StateRemoteOnly)
		return err
	}

	s.mu.Lock()
	s.records[id] = models.ImageRecord{
		ID:       id,
		Size:     int64(len(data)),
		Hash:     id,
		Modified: time.Now(),
		State:    models.StateLocal,
	}
	s.mu.Unlock()

	metrics.RecordSyncBytes("download", int64(len(data)))
	logging.Debug("downloaded image", zap.String("id", id), zap.Int("size", len(data)))
	return nil
}

// existsChecker is implemented by stores that can cheaply answer
// presence without a download (S3 HeadObject).
type existsChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

func (s *Syncer) upload(ctx context.Context, id string) error {
	data, err := s.local.Get(ctx, id)
	if err != nil {
		return err
	}

	// A blob that mutated on disk no longer hashes to its key. Rekey
	// it before pushing so every remote object still hashes to its
	// own key.
	if HashBytes(data) != id {
		id, err = s.rekeyLocal(ctx, id, data)
		if err != nil {
			return err
		}
	}

	// Keys are content hashes: if the object already exists the bytes
	// are identical and the transfer can be skipped.
	if checker, ok := s.remote.(existsChecker); ok {
		if exists, err := checker.Exists(ctx, id); err == nil && exists {
			s.setState(id, models.StateLocal)
			logging.Debug("upload skipped, object already present", zap.String("id", id))
			return nil
		}
	}

	s.setState(id, models.StateSyncing)

	err = retry.Do(ctx, s.cfg.Retry, func() error {
		return retryTransport(s.remote.Put(ctx, id, data))
	})
	if err != nil {
		// A failed upload leaves the local copy in Local state so it
		// survives and requeues on the next reconcile.
		s.setState(id, models.StateLocal)
		return err
	}

	s.setState(id, models.StateLocal)
	metrics.RecordSyncBytes("upload", int64(len(data)))
	logging.Debug("uploaded image", zap.String("id", id), zap.Int("size", len(data)))
	return nil
}

// rekeyLocal moves a local blob whose bytes no longer hash to its key
// under its real content hash and replaces the record. The record
// table is not saved here; callers persist it when their own pass
// finishes. Returns the new id.
func (s *Syncer) rekeyLocal(ctx context.Context, oldID string, data []byte) (string, error) {
	newID := HashBytes(data)
	if newID == oldID {
		return oldID, nil
	}

	if err := s.local.Put(ctx, newID, data); err != nil {
		return "", err
	}
	if err := s.local.Delete(ctx, oldID); err != nil {
		return "", err
	}

	s.mu.Lock()
	delete(s.records, oldID)
	s.records[newID] = models.ImageRecord{
		ID:       newID,
		Size:     int64(len(data)),
		Hash:     newID,
		Modified: time.Now(),
		State:    models.StateLocal,
	}
	s.mu.Unlock()

	logging.Info("rekeyed mutated image",
		zap.String("from", oldID), zap.String("to", newID))
	return newID, nil
}

func (s *Syncer) deleteRemote(ctx context.Context, id string) error {
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		return retryTransport(s.remote.Delete(ctx, id))
	})
	if err != nil {
		// Tombstone stays; deletion retries on the next pass.
		return err
	}

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	logging.Debug("deleted remote image", zap.String("id", id))
	return nil
}

// Fetch returns the raw bytes for an image, pulling from the bucket on
// a local miss. Used by the request pipeline.
func (s *Syncer) Fetch(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok || rec.State == models.StateDeleted {
		return nil, store.ErrNotFound
	}

	data, err := s.local.Get(ctx, id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := s.download(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	saveErr := s.local.SaveRecords(s.records)
	s.mu.Unlock()
	if saveErr != nil {
		logging.Error("save records after fetch", zap.Error(saveErr))
	}

	return s.local.Get(ctx, id)
}

// Add stores new image bytes locally under their content hash. The
// image uploads on the next reconcile/apply pass.
func (s *Syncer) Add(ctx context.Context, data []byte) (string, error) {
	id := HashBytes(data)
	if err := s.local.Put(ctx, id, data); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.records[id] = models.ImageRecord{
		ID:       id,
		Size:     int64(len(data)),
		Hash:     id,
		Modified: time.Now(),
		State:    models.StateLocal,
	}
	err := s.local.SaveRecords(s.records)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	logging.Info("added image", zap.String("id", id), zap.Int("size", len(data)))
	return id, nil
}

// MarkDeleted tombstones an image: the local blob is removed now and
// the remote copy is deleted on the next successful reconcile/apply.
func (s *Syncer) MarkDeleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}

	if err := s.local.Delete(context.Background(), id); err != nil {
		return err
	}

	rec.State = models.StateDeleted
	s.records[id] = rec
	if err := s.local.SaveRecords(s.records); err != nil {
		return err
	}

	logging.Info("marked image deleted", zap.String("id", id))
	return nil
}

// Winner selects which side survives a conflict resolution.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// ResolveConflict settles a conflict by explicit caller choice and
// returns the id the winning bytes live under. When the local side
// wins, its bytes hash differently from the contested key, so they are
// rekeyed under their own content hash and the stale key is removed
// from the bucket; the returned id is the new one.
func (s *Syncer) ResolveConflict(ctx context.Context, id string, winner Winner) (string, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return "", store.ErrNotFound
	}
	if rec.State != models.StateConflict {
		return "", fmt.Errorf("image %s is not in conflict", id)
	}

	resolved := id
	switch winner {
	case WinnerLocal:
		data, err := s.local.Get(ctx, id)
		if err != nil {
			return "", err
		}
		newID, err := s.rekeyLocal(ctx, id, data)
		if err != nil {
			return "", err
		}
		err = retry.Do(ctx, s.cfg.Retry, func() error {
			return retryTransport(s.remote.Put(ctx, newID, data))
		})
		if err != nil {
			return "", err
		}
		if newID != id {
			// The losing copy under the contested key is dead.
			err = retry.Do(ctx, s.cfg.Retry, func() error {
				return retryTransport(s.remote.Delete(ctx, id))
			})
			if err != nil {
				return "", err
			}
		}
		resolved = newID
	case WinnerRemote:
		data, err := retry.DoWithResult(ctx, s.cfg.Retry, func() ([]byte, error) {
			d, err := s.remote.Get(ctx, id)
			return d, retryTransport(err)
		})
		if err != nil {
			return "", err
		}
		if HashBytes(data) != id {
			return "", fmt.Errorf("remote bytes for %s do not hash to their key: %w", id, ErrConflict)
		}
		if err := s.local.Put(ctx, id, data); err != nil {
			return "", err
		}
		s.mu.Lock()
		if r, ok := s.records[id]; ok {
			r.Size = int64(len(data))
			r.Hash = id
			s.records[id] = r
		}
		s.mu.Unlock()
	default:
		return "", fmt.Errorf("unknown winner %q", winner)
	}

	s.mu.Lock()
	if r, ok := s.records[resolved]; ok {
		r.State = models.StateLocal
		r.Modified = time.Now()
		s.records[resolved] = r
	}
	err := s.local.SaveRecords(s.records)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	s.updateConflictGauge()
	logging.Info("conflict resolved",
		zap.String("id", id),
		zap.String("resolved", resolved),
		zap.String("winner", string(winner)))
	return resolved, nil
}

// Snapshot returns an immutable copy of the record table, sorted by id.
func (s *Syncer) Snapshot() []models.ImageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.ImageRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Record returns a copy of one record.
func (s *Syncer) Record(id string) (models.ImageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Syncer) setState(id string, state models.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.State = state
		s.records[id] = rec
	}
}

func (s *Syncer) updateConflictGauge() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.records {
		if rec.State == models.StateConflict {
			count++
		}
	}
	metrics.SetConflictsPending(count)
}
