package memory

import (
	"encoding/json"
	"fmt"

	"medtrace/pkg/domain"
)

// Bucket names used by the key/value style backends (SQLite state table, Redis hash).
const (
	BucketMeta           = "meta"
	BucketDevices        = "devices"
	BucketCertifications = "certifications"
	BucketApprovals      = "approvals"
)

// Buckets lists every bucket in write order.
var Buckets = []string{BucketMeta, BucketDevices, BucketCertifications, BucketApprovals}

type bucketMeta struct {
	Owner    domain.Identity `json:"owner"`
	Sequence uint64          `json:"sequence"`
}

// EncodeBuckets splits a snapshot into JSON-encoded buckets.
func EncodeBuckets(snapshot Snapshot) (map[string][]byte, error) {
	snapshot.Normalize()
	values := map[string]any{
		BucketMeta:           bucketMeta{Owner: snapshot.Owner, Sequence: snapshot.Sequence},
		BucketDevices:        snapshot.Devices,
		BucketCertifications: snapshot.Certifications,
		BucketApprovals:      snapshot.Approvals,
	}
	out := make(map[string][]byte, len(values))
	for _, name := range Buckets {
		data, err := json.Marshal(values[name])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// DecodeBuckets rebuilds a snapshot from JSON buckets. Unknown buckets are
// ignored; found reports whether any known bucket was present.
func DecodeBuckets(raw map[string][]byte) (snapshot Snapshot, found bool, err error) {
	var meta bucketMeta
	targets := map[string]any{
		BucketMeta:           &meta,
		BucketDevices:        &snapshot.Devices,
		BucketCertifications: &snapshot.Certifications,
		BucketApprovals:      &snapshot.Approvals,
	}
	for name, payload := range raw {
		target, ok := targets[name]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode %s: %w", name, err)
		}
		found = true
	}
	snapshot.Owner = meta.Owner
	snapshot.Sequence = meta.Sequence
	snapshot.Normalize()
	return snapshot, found, nil
}
