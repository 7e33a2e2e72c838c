package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"medtrace/internal/blob"
	"medtrace/internal/core"
	memoryblob "medtrace/internal/infra/blob/memory"
	"medtrace/pkg/domain"
)

const (
	owner     domain.Identity = "0xowner"
	alice     domain.Identity = "0xalice"
	regulator domain.Identity = "0xfda"
)

func newFixture(t *testing.T) (*core.Service, *Archiver, blob.Store) {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	if err := svc.Initialize(context.Background(), owner); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	store := memoryblob.New()
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return svc, New(store, svc, WithClock(func() time.Time { return fixed })), store
}

func TestArchiveBuildsChain(t *testing.T) {
	ctx := context.Background()
	svc, arch, _ := newFixture(t)

	first, written, err := arch.Archive(ctx)
	if err != nil || !written {
		t.Fatalf("archive: %v %v", written, err)
	}
	if first.Generation != 1 || first.PreviousManifest != "" || first.Owner != string(owner) {
		t.Fatalf("unexpected first manifest %+v", first)
	}

	again, written, err := arch.Archive(ctx)
	if err != nil || written || again.Generation != 1 {
		t.Fatalf("unchanged ledger must not write a generation: %+v %v %v", again, written, err)
	}

	if _, err := svc.RegisterDevice(ctx, alice, 42, domain.StatusManufactured); err != nil {
		t.Fatalf("register: %v", err)
	}
	second, written, err := arch.Archive(ctx)
	if err != nil || !written {
		t.Fatalf("archive: %v %v", written, err)
	}
	if second.Generation != 2 || second.PreviousManifest == "" || second.Sequence != 1 || second.Devices != 1 {
		t.Fatalf("unexpected second manifest %+v", second)
	}

	// approvals do not tick the sequence but still change the ledger
	if _, err := svc.AddRegulatoryBody(ctx, owner, regulator, domain.CertFDA); err != nil {
		t.Fatalf("approve: %v", err)
	}
	third, written, err := arch.Archive(ctx)
	if err != nil || !written || third.Generation != 3 || third.Sequence != 1 || third.Approvals != 1 {
		t.Fatalf("unexpected third manifest %+v %v %v", third, written, err)
	}

	manifests, err := arch.Manifests(ctx)
	if err != nil || len(manifests) != 3 {
		t.Fatalf("manifests: %v %v", manifests, err)
	}
	report, err := arch.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() || report.Generations != 3 || report.Head == "" {
		t.Fatalf("unexpected report %+v", report)
	}

	restored, err := arch.Load(ctx, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(restored.Devices) != 1 || restored.Devices[0].Owner != alice || len(restored.Approvals) != 0 {
		t.Fatalf("unexpected restored snapshot %+v", restored)
	}
}

func TestVerifyEmptyArchive(t *testing.T) {
	_, arch, _ := newFixture(t)
	report, err := arch.Verify(context.Background())
	if err != nil || !report.OK() || report.Generations != 0 {
		t.Fatalf("unexpected report %+v %v", report, err)
	}
}

func archiveThree(t *testing.T) (*Archiver, blob.Store) {
	t.Helper()
	ctx := context.Background()
	svc, arch, store := newFixture(t)
	for id := domain.DeviceID(1); id <= 3; id++ {
		if _, err := svc.RegisterDevice(ctx, alice, id, domain.StatusManufactured); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, _, err := arch.Archive(ctx); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	return arch, store
}

func replace(t *testing.T, store blob.Store, key string, edit func([]byte) []byte) {
	t.Helper()
	ctx := context.Background()
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(rc)
	_ = rc.Close()
	if _, err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete %s: %v", key, err)
	}
	if _, err := store.Put(ctx, key, bytes.NewReader(edit(buf.Bytes())), blob.PutOptions{}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestVerifyDetectsTamperedSnapshot(t *testing.T) {
	arch, store := archiveThree(t)
	replace(t, store, snapshotKey(2), func(b []byte) []byte {
		return bytes.Replace(b, []byte(alice), []byte("0xmallory"), 1)
	})
	report, err := arch.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() || report.Broken.Generation != 2 || !strings.Contains(report.Broken.Reason, "snapshot digest") {
		t.Fatalf("expected broken generation 2, got %+v", report.Broken)
	}
	if report.Generations != 1 {
		t.Fatalf("expected one verified generation before the break, got %d", report.Generations)
	}
	if _, err := arch.Load(context.Background(), 2); err == nil {
		t.Fatalf("load must refuse a tampered snapshot")
	}
}

func TestVerifyDetectsRewrittenManifest(t *testing.T) {
	arch, store := archiveThree(t)
	// rewriting a manifest and its snapshot consistently still breaks the next link
	replace(t, store, manifestKey(2), func(b []byte) []byte {
		return bytes.Replace(b, []byte(`"devices": 2`), []byte(`"devices": 20`), 1)
	})
	report, err := arch.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() || report.Broken.Generation != 3 || !strings.Contains(report.Broken.Reason, "previous manifest digest") {
		t.Fatalf("expected broken link at generation 3, got %+v", report.Broken)
	}
}

func TestVerifyDetectsMissingSnapshot(t *testing.T) {
	arch, store := archiveThree(t)
	if _, err := store.Delete(context.Background(), snapshotKey(3)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	report, err := arch.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() || report.Broken.Generation != 3 || !strings.Contains(report.Broken.Reason, "missing") {
		t.Fatalf("expected missing snapshot at generation 3, got %+v", report.Broken)
	}
}

func TestVerifyDetectsGap(t *testing.T) {
	arch, store := archiveThree(t)
	if _, err := store.Delete(context.Background(), manifestKey(2)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	report, err := arch.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() || report.Broken.Generation != 2 || report.Broken.Key != manifestKey(3) {
		t.Fatalf("expected gap at generation 2, got %+v", report.Broken)
	}
}

// flakyManifests fails the next manifest write once.
type flakyManifests struct {
	blob.Store
	failNext bool
}

func (f *flakyManifests) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if f.failNext && strings.HasPrefix(key, manifestPrefix) {
		f.failNext = false
		return blob.Info{}, errors.New("connection reset")
	}
	return f.Store.Put(ctx, key, r, opts)
}

func TestArchiveRecoversFromFailedManifestWrite(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFixture(t)
	store := &flakyManifests{Store: memoryblob.New(), failNext: true}
	arch := New(store, svc)

	if _, _, err := arch.Archive(ctx); err == nil || !strings.Contains(err.Error(), "write manifest") {
		t.Fatalf("expected manifest failure, got %v", err)
	}
	m, written, err := arch.Archive(ctx)
	if err != nil || !written || m.Generation != 1 {
		t.Fatalf("retry: m=%+v written=%v err=%v", m, written, err)
	}
	report, err := arch.Verify(ctx)
	if err != nil || !report.OK() {
		t.Fatalf("verify after retry: %+v err=%v", report, err)
	}
}

func TestArchiveReplacesStaleOrphanedSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFixture(t)
	store := &flakyManifests{Store: memoryblob.New(), failNext: true}
	arch := New(store, svc)

	if _, _, err := arch.Archive(ctx); err == nil {
		t.Fatalf("expected manifest failure")
	}
	if _, err := svc.RegisterDevice(ctx, alice, 5, domain.StatusManufactured); err != nil {
		t.Fatalf("register: %v", err)
	}
	m, written, err := arch.Archive(ctx)
	if err != nil || !written || m.Generation != 1 || m.Sequence != 1 {
		t.Fatalf("retry: m=%+v written=%v err=%v", m, written, err)
	}
	snap, err := arch.Load(ctx, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].ID != 5 {
		t.Fatalf("generation 1 holds stale snapshot: %+v", snap)
	}
}
