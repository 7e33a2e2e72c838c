package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"medtrace/pkg/domain"
)

func registerDevice(t *testing.T, store *Store, id domain.DeviceID, owner domain.Identity) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		seq := tx.NextSequence()
		_, err := tx.PutDevice(domain.Device{
			ID:      id,
			Owner:   owner,
			Status:  domain.StatusManufactured,
			History: domain.NewHistory(domain.HistoryEntry{Status: domain.StatusManufactured, Sequence: seq}),
		})
		return err
	})
	if err != nil {
		t.Fatalf("register device %d: %v", id, err)
	}
}

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if err := tx.SetOwner("owner"); err != nil {
			return err
		}
		if _, err := tx.PutApproval(domain.RegulatoryApproval{Authority: "fda", Type: domain.CertFDA, Approved: true}); err != nil {
			return err
		}
		_, err := tx.CreateCertification(domain.Certification{DeviceID: 42, Type: domain.CertFDA, Issuer: "fda", Sequence: tx.NextSequence(), Valid: true})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	registerDevice(t, store, 1, "maker")
	if store.Path() != path {
		t.Fatalf("unexpected path %q", store.Path())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	snap := reloaded.ExportState()
	if snap.Owner != "owner" || snap.Sequence != 2 {
		t.Fatalf("meta not restored: owner=%q seq=%d", snap.Owner, snap.Sequence)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].History[0].Sequence != 2 {
		t.Fatalf("devices not restored: %+v", snap.Devices)
	}
	if len(snap.Certifications) != 1 || len(snap.Approvals) != 1 {
		t.Fatalf("certifications/approvals not restored: %+v", snap)
	}
}

func TestSQLiteStoreSkipsPersistOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	registerDevice(t, store, 3, "maker")
	boom := errors.New("boom")
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.NextSequence()
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.Close()

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if reloaded.Sequence() != 1 {
		t.Fatalf("failed transaction persisted sequence %d", reloaded.Sequence())
	}
}

func TestSQLiteStoreAppliesSchema(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	var name string
	if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", "state").Scan(&name); err != nil {
		t.Fatalf("lookup state table: %v", err)
	}
	if name != "state" {
		t.Fatalf("expected state table, got %s", name)
	}
}

func TestSQLiteStoreWriteFailureLeavesMemoryUntouched(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	registerDevice(t, store, 3, "maker")
	if err := store.DB().Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		seq := tx.NextSequence()
		_, err := tx.PutDevice(domain.Device{
			ID:      42,
			Owner:   "maker",
			Status:  domain.StatusManufactured,
			History: domain.NewHistory(domain.HistoryEntry{Status: domain.StatusManufactured, Sequence: seq}),
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected write to a closed database to fail")
	}
	snap := store.ExportState()
	if snap.Sequence != 1 {
		t.Fatalf("sequence advanced to %d despite failed write", snap.Sequence)
	}
	for _, d := range snap.Devices {
		if d.ID == 42 {
			t.Fatalf("device 42 visible after failed write")
		}
	}
}

func TestSQLiteStorePersistsDespiteCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		cancel()
		return tx.SetOwner("owner")
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = store.Close()

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if got := reloaded.ExportState().Owner; got != "owner" {
		t.Fatalf("owner not persisted, got %q", got)
	}
}
