// Package archive exports committed ledger snapshots to a blob store as a
// hash-chained series. Generation n is stored as snapshots/<n>.json plus
// manifests/<n>.json; each manifest carries the SHA-256 of its snapshot and of
// the manifest before it, so rewriting any archived generation breaks every
// later link.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"medtrace/internal/blob"
	"medtrace/internal/core"
	"medtrace/pkg/domain"
)

const (
	snapshotPrefix = "snapshots/"
	manifestPrefix = "manifests/"
	contentType    = "application/json"
)

// Manifest describes one archived generation.
type Manifest struct {
	Generation       uint64    `json:"generation"`
	Sequence         uint64    `json:"sequence"`
	Owner            string    `json:"owner"`
	Devices          int       `json:"devices"`
	Certifications   int       `json:"certifications"`
	Approvals        int       `json:"approvals"`
	SnapshotKey      string    `json:"snapshot_key"`
	SnapshotSHA256   string    `json:"snapshot_sha256"`
	PreviousManifest string    `json:"previous_manifest_sha256,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SnapshotSource yields the committed ledger. *core.Service implements it.
type SnapshotSource interface {
	Snapshot() domain.Snapshot
}

// Archiver writes and verifies the archive chain.
type Archiver struct {
	store  blob.Store
	source SnapshotSource
	logger core.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// Option customises an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger used for archive events.
func WithLogger(logger core.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the manifest timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// New constructs an Archiver.
func New(store blob.Store, source SnapshotSource, opts ...Option) *Archiver {
	a := &Archiver{
		store:  store,
		source: source,
		logger: discardLogger{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Store returns the blob store backing the archive.
func (a *Archiver) Store() blob.Store { return a.store }

// Archive appends the current ledger as a new generation. When the ledger is
// byte-identical to the latest generation nothing is written and the latest
// manifest is returned with written=false.
func (a *Archiver) Archive(ctx context.Context) (manifest Manifest, written bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := a.source.Snapshot()
	snapshot.Normalize()
	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Manifest{}, false, fmt.Errorf("encode snapshot: %w", err)
	}
	digest := sum(body)

	latest, latestRaw, found, err := a.latest(ctx)
	if err != nil {
		return Manifest{}, false, err
	}
	if found && latest.SnapshotSHA256 == digest {
		return latest, false, nil
	}

	manifest = Manifest{
		Generation:     1,
		Sequence:       snapshot.Sequence,
		Owner:          string(snapshot.Owner),
		Devices:        len(snapshot.Devices),
		Certifications: len(snapshot.Certifications),
		Approvals:      len(snapshot.Approvals),
		SnapshotSHA256: digest,
		CreatedAt:      a.now(),
	}
	if found {
		manifest.Generation = latest.Generation + 1
		manifest.PreviousManifest = sum(latestRaw)
	}
	manifest.SnapshotKey = snapshotKey(manifest.Generation)

	meta := map[string]string{
		"generation": strconv.FormatUint(manifest.Generation, 10),
		"sequence":   strconv.FormatUint(manifest.Sequence, 10),
	}
	if err := a.putSnapshot(ctx, manifest.SnapshotKey, body, digest, meta); err != nil {
		return Manifest{}, false, err
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, false, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := a.store.Put(ctx, manifestKey(manifest.Generation), bytes.NewReader(raw), blob.PutOptions{ContentType: contentType, Metadata: meta}); err != nil {
		return Manifest{}, false, fmt.Errorf("write manifest: %w", err)
	}
	a.logger.Info("ledger archived", "generation", manifest.Generation, "sequence", manifest.Sequence, "snapshot_sha256", digest, "driver", string(a.store.Driver()))
	return manifest, true, nil
}

// putSnapshot writes the snapshot for a generation that has no manifest yet.
// A blob already at key was left by an attempt whose manifest write failed:
// identical content is reused, anything else is unreferenced and replaced.
func (a *Archiver) putSnapshot(ctx context.Context, key string, body []byte, digest string, meta map[string]string) error {
	opts := blob.PutOptions{ContentType: contentType, Metadata: meta}
	_, err := a.store.Put(ctx, key, bytes.NewReader(body), opts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrExists) {
		return fmt.Errorf("write snapshot: %w", err)
	}
	existing, err := a.read(ctx, key)
	if err != nil {
		return fmt.Errorf("read orphaned snapshot %s: %w", key, err)
	}
	if sum(existing) == digest {
		a.logger.Warn("reusing orphaned snapshot", "key", key)
		return nil
	}
	a.logger.Warn("replacing orphaned snapshot", "key", key, "orphan_sha256", sum(existing), "snapshot_sha256", digest)
	if _, err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("remove orphaned snapshot %s: %w", key, err)
	}
	if _, err := a.store.Put(ctx, key, bytes.NewReader(body), opts); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Manifests returns every archived manifest in generation order.
func (a *Archiver) Manifests(ctx context.Context) ([]Manifest, error) {
	keys, err := a.manifestKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(keys))
	for _, key := range keys {
		m, _, err := a.readManifest(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Load returns the snapshot stored for generation after checking its digest.
func (a *Archiver) Load(ctx context.Context, generation uint64) (domain.Snapshot, error) {
	m, _, err := a.readManifest(ctx, manifestKey(generation))
	if err != nil {
		return domain.Snapshot{}, err
	}
	body, err := a.read(ctx, m.SnapshotKey)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if got := sum(body); got != m.SnapshotSHA256 {
		return domain.Snapshot{}, fmt.Errorf("generation %d: snapshot digest %s does not match manifest %s", generation, got, m.SnapshotSHA256)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func (a *Archiver) latest(ctx context.Context) (Manifest, []byte, bool, error) {
	keys, err := a.manifestKeys(ctx)
	if err != nil || len(keys) == 0 {
		return Manifest{}, nil, false, err
	}
	m, raw, err := a.readManifest(ctx, keys[len(keys)-1])
	if err != nil {
		return Manifest{}, nil, false, err
	}
	return m, raw, true, nil
}

func (a *Archiver) manifestKeys(ctx context.Context) ([]string, error) {
	infos, err := a.store.List(ctx, manifestPrefix)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

func (a *Archiver) readManifest(ctx context.Context, key string) (Manifest, []byte, error) {
	raw, err := a.read(ctx, key)
	if err != nil {
		return Manifest{}, nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return m, raw, nil
}

func (a *Archiver) read(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// zero padding keeps lexical key order equal to generation order
func snapshotKey(generation uint64) string {
	return fmt.Sprintf("%s%08d.json", snapshotPrefix, generation)
}

func manifestKey(generation uint64) string {
	return fmt.Sprintf("%s%08d.json", manifestPrefix, generation)
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// IsMissing reports whether err means an archived object does not exist.
func IsMissing(err error) bool { return errors.Is(err, blob.ErrNotFound) }

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
