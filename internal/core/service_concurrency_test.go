package core

import (
	"context"
	"sort"
	"sync"
	"testing"

	"medtrace/pkg/domain"
)

func TestConcurrentOperationsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	svc := newInitializedService(t)
	if _, err := svc.AddRegulatoryBody(ctx, owner, regulator, domain.CertCE); err != nil {
		t.Fatalf("approve: %v", err)
	}
	const devices = 40
	var wg sync.WaitGroup
	errs := make(chan error, devices*3)
	for i := 1; i <= devices; i++ {
		wg.Add(1)
		go func(id domain.DeviceID) {
			defer wg.Done()
			if _, err := svc.RegisterDevice(ctx, alice, id, domain.StatusManufactured); err != nil {
				errs <- err
				return
			}
			if _, err := svc.UpdateDeviceStatus(ctx, alice, id, domain.StatusTesting); err != nil {
				errs <- err
			}
			if _, err := svc.AddCertification(ctx, regulator, id, domain.CertCE); err != nil {
				errs <- err
			}
		}(domain.DeviceID(i))
	}
	// readers run alongside writers and only ever see committed state
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = svc.Store().View(ctx, func(view TransactionView) error {
					for _, d := range view.ListDevices() {
						if last, ok := d.History.Last(); !ok || last.Status != d.Status {
							errs <- domain.Errorf(domain.CodeStatusUpdateFailed, "inconsistent device %d", d.ID)
						}
					}
					return nil
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation failed: %v", err)
	}

	snapshot := svc.Snapshot()
	if snapshot.Sequence != devices*3 {
		t.Fatalf("expected sequence %d, got %d", devices*3, snapshot.Sequence)
	}
	var seqs []uint64
	for _, d := range snapshot.Devices {
		for _, e := range d.History {
			seqs = append(seqs, e.Sequence)
		}
	}
	for _, c := range snapshot.Certifications {
		seqs = append(seqs, c.Sequence)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("sequence numbers are not a gapless permutation: %v", seqs)
		}
	}
}
