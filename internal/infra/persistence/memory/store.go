// Package memory provides the in-memory transactional store that every
// medtrace persistence backend builds on. All writers are serialized by a
// single lock and operate on a cloned state that is swapped in only on success.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"medtrace/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Device aliases domain.Device for in-memory persistence operations.
	Device = domain.Device
	// Certification aliases domain.Certification.
	Certification = domain.Certification
	// RegulatoryApproval aliases domain.RegulatoryApproval.
	RegulatoryApproval = domain.RegulatoryApproval
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// Snapshot aliases domain.Snapshot.
	Snapshot = domain.Snapshot
)

// ErrOwnerAlreadySet is returned by SetOwner once the registry has an owner.
var ErrOwnerAlreadySet = errors.New("registry owner already set")

type memoryState struct {
	owner          domain.Identity
	sequence       uint64
	devices        map[domain.DeviceID]Device
	certifications map[domain.CertificationKey]Certification
	approvals      map[domain.ApprovalKey]RegulatoryApproval
}

func newMemoryState() memoryState {
	return memoryState{
		devices:        make(map[domain.DeviceID]Device),
		certifications: make(map[domain.CertificationKey]Certification),
		approvals:      make(map[domain.ApprovalKey]RegulatoryApproval),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	cloned.owner = s.owner
	cloned.sequence = s.sequence
	for k, v := range s.devices {
		cloned.devices[k] = v.Clone()
	}
	for k, v := range s.certifications {
		cloned.certifications[k] = v
	}
	for k, v := range s.approvals {
		cloned.approvals[k] = v
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Owner:          state.owner,
		Sequence:       state.sequence,
		Devices:        make([]Device, 0, len(state.devices)),
		Certifications: make([]Certification, 0, len(state.certifications)),
		Approvals:      make([]RegulatoryApproval, 0, len(state.approvals)),
	}
	for _, v := range state.devices {
		s.Devices = append(s.Devices, v.Clone())
	}
	for _, v := range state.certifications {
		s.Certifications = append(s.Certifications, v)
	}
	for _, v := range state.approvals {
		s.Approvals = append(s.Approvals, v)
	}
	s.Normalize()
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	state.owner = s.Owner
	state.sequence = s.Sequence
	for _, v := range s.Devices {
		state.devices[v.ID] = v.Clone()
	}
	for _, v := range s.Certifications {
		state.certifications[v.Key()] = v
	}
	for _, v := range s.Approvals {
		state.approvals[v.Key()] = v
	}
	return state
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

type transaction struct {
	state   memoryState
	changes []Change
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) Owner() domain.Identity { return v.state.owner }

func (v transactionView) Sequence() uint64 { return v.state.sequence }

// FindDevice retrieves a device by ID from the snapshot.
func (v transactionView) FindDevice(id domain.DeviceID) (Device, bool) {
	d, ok := v.state.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// ListDevices returns all devices ordered by ID.
func (v transactionView) ListDevices() []Device {
	out := make([]Device, 0, len(v.state.devices))
	for _, d := range v.state.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindCertification(key domain.CertificationKey) (Certification, bool) {
	c, ok := v.state.certifications[key]
	return c, ok
}

// ListCertifications returns all certifications ordered by device then type.
func (v transactionView) ListCertifications() []Certification {
	out := make([]Certification, 0, len(v.state.certifications))
	for _, c := range v.state.certifications {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (v transactionView) IsApproved(key domain.ApprovalKey) bool {
	a, ok := v.state.approvals[key]
	return ok && a.Approved
}

func (v transactionView) ListApprovals() []RegulatoryApproval {
	out := make([]RegulatoryApproval, 0, len(v.state.approvals))
	for _, a := range v.state.approvals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Authority != out[j].Authority {
			return out[i].Authority < out[j].Authority
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the committed state only if fn succeeds and no rule blocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.RunInTransactionWithCommit(ctx, fn, nil)
}

// RunInTransactionWithCommit behaves like RunInTransaction but hands the
// candidate state to commit, under the write lock, before it becomes visible.
// A commit error discards the candidate, so durable backends never diverge
// from the in-memory state.
func (s *Store) RunInTransactionWithCommit(ctx context.Context, fn func(tx Transaction) error, commit func(Snapshot) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if commit != nil {
		if err := commit(snapshotFromMemoryState(tx.state)); err != nil {
			return Result{}, err
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	return fn(newTransactionView(&snapshot))
}

// GetDevice returns a committed device by ID.
func (s *Store) GetDevice(id domain.DeviceID) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.state.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// ListDevices returns all committed devices ordered by ID.
func (s *Store) ListDevices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListDevices()
}

// Sequence returns the committed value of the global sequence counter.
func (s *Store) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.sequence
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func payloadOf[T any](value T) domain.ChangePayload {
	p, err := domain.NewChangePayloadFromValue(value)
	if err != nil {
		panic(fmt.Errorf("memory store encode change: %w", err))
	}
	return p
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) Owner() domain.Identity { return tx.state.owner }

func (tx *transaction) SetOwner(owner domain.Identity) error {
	if !tx.state.owner.IsNull() {
		return ErrOwnerAlreadySet
	}
	tx.state.owner = owner
	tx.recordChange(Change{
		Entity:   domain.EntityRegistry,
		Action:   domain.ActionUpdate,
		EntityID: "owner",
		Before:   domain.UndefinedChangePayload(),
		After:    payloadOf(owner),
	})
	return nil
}

func (tx *transaction) NextSequence() uint64 {
	tx.state.sequence++
	return tx.state.sequence
}

func (tx *transaction) FindDevice(id domain.DeviceID) (Device, bool) {
	return tx.Snapshot().FindDevice(id)
}

// PutDevice stores a device, replacing whatever was stored under its ID.
func (tx *transaction) PutDevice(d Device) (Device, error) {
	if !d.ID.Valid() {
		return Device{}, fmt.Errorf("device id %d out of range", d.ID)
	}
	before := domain.UndefinedChangePayload()
	if current, exists := tx.state.devices[d.ID]; exists {
		before = payloadOf(current)
	}
	stored := d.Clone()
	tx.state.devices[d.ID] = stored
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionCreate, EntityID: d.ID.String(), Before: before, After: payloadOf(stored)})
	return stored.Clone(), nil
}

// UpdateDevice mutates a device using the provided mutator function.
func (tx *transaction) UpdateDevice(id domain.DeviceID, mutator func(*Device) error) (Device, error) {
	current, ok := tx.state.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("device %d not found", id)
	}
	before := payloadOf(current)
	next := current.Clone()
	if err := mutator(&next); err != nil {
		return Device{}, err
	}
	next.ID = id
	tx.state.devices[id] = next
	tx.recordChange(Change{Entity: domain.EntityDevice, Action: domain.ActionUpdate, EntityID: id.String(), Before: before, After: payloadOf(next)})
	return next.Clone(), nil
}

func (tx *transaction) FindCertification(key domain.CertificationKey) (Certification, bool) {
	c, ok := tx.state.certifications[key]
	return c, ok
}

// CreateCertification stores a new certification; existing keys are rejected.
func (tx *transaction) CreateCertification(c Certification) (Certification, error) {
	key := c.Key()
	if _, exists := tx.state.certifications[key]; exists {
		return Certification{}, fmt.Errorf("certification %s already exists", key)
	}
	tx.state.certifications[key] = c
	tx.recordChange(Change{Entity: domain.EntityCertification, Action: domain.ActionCreate, EntityID: key.String(), Before: domain.UndefinedChangePayload(), After: payloadOf(c)})
	return c, nil
}

func (tx *transaction) IsApproved(key domain.ApprovalKey) bool {
	a, ok := tx.state.approvals[key]
	return ok && a.Approved
}

// PutApproval records an approval, replacing any existing entry for the key.
func (tx *transaction) PutApproval(a RegulatoryApproval) (RegulatoryApproval, error) {
	key := a.Key()
	action := domain.ActionCreate
	before := domain.UndefinedChangePayload()
	if current, exists := tx.state.approvals[key]; exists {
		action = domain.ActionUpdate
		before = payloadOf(current)
	}
	tx.state.approvals[key] = a
	tx.recordChange(Change{Entity: domain.EntityRegulatoryApproval, Action: action, EntityID: key.String(), Before: before, After: payloadOf(a)})
	return a, nil
}
