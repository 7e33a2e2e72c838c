package archive

import (
	"context"
	"encoding/json"
	"fmt"
)

// Break describes the first link of the chain that failed verification.
type Break struct {
	Generation uint64 `json:"generation"`
	Key        string `json:"key"`
	Reason     string `json:"reason"`
}

// Report is the outcome of Verify. Broken is nil when the whole chain holds.
type Report struct {
	Generations int    `json:"generations"`
	Head        string `json:"head_manifest_sha256,omitempty"`
	Broken      *Break `json:"broken,omitempty"`
}

// OK reports whether the chain verified.
func (r Report) OK() bool { return r.Broken == nil }

// Verify walks the manifests in generation order and stops at the first broken
// link. Blob store failures are returned as errors; tampering is reported in
// the Report.
func (a *Archiver) Verify(ctx context.Context) (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys, err := a.manifestKeys(ctx)
	if err != nil {
		return Report{}, err
	}
	var (
		report   Report
		prevHash string
		prevSeq  uint64
	)
	for i, key := range keys {
		want := uint64(i + 1)
		fail := func(format string, args ...any) (Report, error) {
			report.Broken = &Break{Generation: want, Key: key, Reason: fmt.Sprintf(format, args...)}
			a.logger.Warn("archive chain broken", "generation", want, "key", key, "reason", report.Broken.Reason)
			return report, nil
		}
		raw, err := a.read(ctx, key)
		if err != nil {
			return Report{}, err
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fail("manifest is not valid JSON: %v", err)
		}
		switch {
		case key != manifestKey(want):
			return fail("expected manifest %s", manifestKey(want))
		case m.Generation != want:
			return fail("manifest claims generation %d", m.Generation)
		case m.PreviousManifest != prevHash:
			return fail("previous manifest digest %q, chain has %q", m.PreviousManifest, prevHash)
		case m.Sequence < prevSeq:
			return fail("sequence %d precedes generation %d sequence %d", m.Sequence, want-1, prevSeq)
		case m.SnapshotKey != snapshotKey(want):
			return fail("snapshot key %s, expected %s", m.SnapshotKey, snapshotKey(want))
		}
		body, err := a.read(ctx, m.SnapshotKey)
		if IsMissing(err) {
			return fail("snapshot %s is missing", m.SnapshotKey)
		}
		if err != nil {
			return Report{}, err
		}
		if got := sum(body); got != m.SnapshotSHA256 {
			return fail("snapshot digest %s does not match %s", got, m.SnapshotSHA256)
		}
		prevHash = sum(raw)
		prevSeq = m.Sequence
		report.Generations++
		report.Head = prevHash
	}
	return report, nil
}
