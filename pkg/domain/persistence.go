package domain

import (
	"context"
	"sort"
)

// TransactionView provides read-only access to a consistent state snapshot.
// Rules receive the post-mutation view of the transaction being evaluated.
type TransactionView interface {
	Owner() Identity
	Sequence() uint64
	FindDevice(id DeviceID) (Device, bool)
	ListDevices() []Device
	FindCertification(key CertificationKey) (Certification, bool)
	ListCertifications() []Certification
	IsApproved(key ApprovalKey) bool
	ListApprovals() []RegulatoryApproval
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Nothing written through a Transaction is
// visible outside it until the enclosing RunInTransaction commits.
type Transaction interface {
	Snapshot() TransactionView
	Owner() Identity
	// SetOwner fixes the contract owner. It fails once an owner is set.
	SetOwner(owner Identity) error
	// NextSequence increments the global counter and returns the new value.
	NextSequence() uint64
	FindDevice(id DeviceID) (Device, bool)
	// PutDevice writes the device, replacing any record stored under the same id.
	PutDevice(device Device) (Device, error)
	UpdateDevice(id DeviceID, mutator func(*Device) error) (Device, error)
	FindCertification(key CertificationKey) (Certification, bool)
	CreateCertification(cert Certification) (Certification, error)
	IsApproved(key ApprovalKey) bool
	PutApproval(approval RegulatoryApproval) (RegulatoryApproval, error)
}

// PersistentStore is a minimal abstraction over durable backends. RunInTransaction
// serializes all writers; View observes the latest committed state.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ExportState() Snapshot
}

// Snapshot is a point-in-time copy of the whole registry state. Collections are
// sorted by key so that encoding a snapshot is deterministic.
type Snapshot struct {
	Owner          Identity             `json:"owner"`
	Sequence       uint64               `json:"sequence"`
	Devices        []Device             `json:"devices"`
	Certifications []Certification      `json:"certifications"`
	Approvals      []RegulatoryApproval `json:"approvals"`
}

// Normalize sorts the snapshot collections and replaces nil slices with empty ones.
func (s *Snapshot) Normalize() {
	if s.Devices == nil {
		s.Devices = []Device{}
	}
	if s.Certifications == nil {
		s.Certifications = []Certification{}
	}
	if s.Approvals == nil {
		s.Approvals = []RegulatoryApproval{}
	}
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].ID < s.Devices[j].ID })
	sort.Slice(s.Certifications, func(i, j int) bool {
		a, b := s.Certifications[i], s.Certifications[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.Type < b.Type
	})
	sort.Slice(s.Approvals, func(i, j int) bool {
		a, b := s.Approvals[i], s.Approvals[j]
		if a.Authority != b.Authority {
			return a.Authority < b.Authority
		}
		return a.Type < b.Type
	})
}
