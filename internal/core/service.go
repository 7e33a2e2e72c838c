package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medtrace/internal/infra/persistence/memory"
	"medtrace/pkg/domain"
)

// Operation names reported to loggers, metrics, traces and audit entries.
const (
	OpInitialize          = "initialize"
	OpRegisterDevice      = "register_device"
	OpUpdateDeviceStatus  = "update_device_status"
	OpAddCertification    = "add_certification"
	OpAddRegulatoryBody   = "add_regulatory_body"
	opGetDeviceHistory    = "get_device_history"
	opVerifyCertification = "verify_certification"
)

type operationMeta struct {
	entity domain.EntityType
	action domain.Action
}

var auditedOperations = map[string]operationMeta{
	OpInitialize:         {entity: domain.EntityRegistry, action: domain.ActionUpdate},
	OpRegisterDevice:     {entity: domain.EntityDevice, action: domain.ActionCreate},
	OpUpdateDeviceStatus: {entity: domain.EntityDevice, action: domain.ActionUpdate},
	OpAddCertification:   {entity: domain.EntityCertification, action: domain.ActionCreate},
	OpAddRegulatoryBody:  {entity: domain.EntityRegulatoryApproval, action: domain.ActionCreate},
}

// ErrAlreadyInitialized is returned when Initialize is called with a deployer
// other than the one already recorded.
var ErrAlreadyInitialized = errors.New("registry already initialized")

// Service implements Registry on top of a PersistentStore.
type Service struct {
	store   PersistentStore
	policy  Policy
	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &Service{
		store:   store,
		policy:  options.policy,
		logger:  options.logger,
		clock:   options.clock,
		audit:   options.audit,
		metrics: options.metrics,
		tracer:  options.tracer,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Initialize fixes the contract owner to deployer. The first deployer wins;
// repeating the call with the same deployer is a no-op.
func (s *Service) Initialize(ctx context.Context, deployer domain.Identity) error {
	_, err := s.mutate(ctx, OpInitialize, deployer, deployer.String(), func(tx Transaction) error {
		if deployer.IsNull() {
			return domain.Errorf(domain.CodeUnauthorized, "deployer identity is null")
		}
		current := tx.Owner()
		if current == deployer {
			return nil
		}
		if !current.IsNull() {
			return fmt.Errorf("%w: owner is %s", ErrAlreadyInitialized, current)
		}
		return tx.SetOwner(deployer)
	})
	return err
}

// RegisterDevice creates the device record with owner caller and a one-entry
// history. An existing record at id is replaced; the returned Result then
// carries a device_reregistration warning.
func (s *Service) RegisterDevice(ctx context.Context, caller domain.Identity, id domain.DeviceID, initial domain.DeviceStatus) (Result, error) {
	_, res, err := s.RegisterDeviceRecord(ctx, caller, id, initial)
	return res, err
}

// RegisterDeviceRecord is RegisterDevice that also returns the record exactly
// as this call committed it.
func (s *Service) RegisterDeviceRecord(ctx context.Context, caller domain.Identity, id domain.DeviceID, initial domain.DeviceStatus) (domain.Device, Result, error) {
	var written domain.Device
	res, err := s.mutate(ctx, OpRegisterDevice, caller, id.String(), func(tx Transaction) error {
		if !id.Valid() {
			return domain.Errorf(domain.CodeInvalidDevice, "device id %d out of range", id)
		}
		if !initial.Valid() {
			return domain.Errorf(domain.CodeInvalidStatus, "unknown status %q", initial)
		}
		if !s.policy.CanRegister(tx.Owner(), caller, initial) {
			return domain.Errorf(domain.CodeUnauthorized, "only the contract owner may register a device as %s", initial)
		}
		device, err := tx.PutDevice(domain.Device{
			ID:      id,
			Owner:   caller,
			Status:  initial,
			History: domain.NewHistory(domain.HistoryEntry{Status: initial, Sequence: tx.NextSequence()}),
		})
		written = device
		return err
	})
	if err != nil {
		return domain.Device{}, res, err
	}
	return written.Clone(), res, nil
}

// UpdateDeviceStatus appends status to the device history. A full history fails
// the whole call with StatusUpdateFailed.
func (s *Service) UpdateDeviceStatus(ctx context.Context, caller domain.Identity, id domain.DeviceID, status domain.DeviceStatus) (Result, error) {
	_, res, err := s.UpdateDeviceStatusRecord(ctx, caller, id, status)
	return res, err
}

// UpdateDeviceStatusRecord is UpdateDeviceStatus that also returns the record
// exactly as this call committed it.
func (s *Service) UpdateDeviceStatusRecord(ctx context.Context, caller domain.Identity, id domain.DeviceID, status domain.DeviceStatus) (domain.Device, Result, error) {
	var written domain.Device
	res, err := s.mutate(ctx, OpUpdateDeviceStatus, caller, id.String(), func(tx Transaction) error {
		if !id.Valid() {
			return domain.Errorf(domain.CodeInvalidDevice, "device id %d out of range", id)
		}
		device, ok := tx.FindDevice(id)
		if !ok {
			return domain.Errorf(domain.CodeInvalidDevice, "device %d not registered", id)
		}
		if !status.Valid() {
			return domain.Errorf(domain.CodeInvalidStatus, "unknown status %q", status)
		}
		if !s.policy.CanUpdate(tx.Owner(), caller, device) {
			return domain.Errorf(domain.CodeUnauthorized, "caller is neither the contract owner nor the device owner")
		}
		if device.History.Full() {
			return domain.Errorf(domain.CodeStatusUpdateFailed, "device %d history is full (%d entries)", id, domain.HistoryCapacity)
		}
		updated, err := tx.UpdateDevice(id, func(d *domain.Device) error {
			next, err := d.History.Append(domain.HistoryEntry{Status: status, Sequence: tx.NextSequence()})
			if err != nil {
				return domain.Errorf(domain.CodeStatusUpdateFailed, "%v", err)
			}
			d.History = next
			d.Status = status
			return nil
		})
		written = updated
		return err
	})
	if err != nil {
		return domain.Device{}, res, err
	}
	return written.Clone(), res, nil
}

// GetDeviceHistory returns the device history in insertion order.
func (s *Service) GetDeviceHistory(ctx context.Context, id domain.DeviceID) (domain.History, error) {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	return device.History, nil
}

// GetDevice returns the committed device record.
func (s *Service) GetDevice(ctx context.Context, id domain.DeviceID) (domain.Device, error) {
	var device domain.Device
	err := s.read(ctx, opGetDeviceHistory, func(view TransactionView) error {
		if !id.Valid() {
			return domain.Errorf(domain.CodeInvalidDevice, "device id %d out of range", id)
		}
		d, ok := view.FindDevice(id)
		if !ok {
			return domain.Errorf(domain.CodeInvalidDevice, "device %d not registered", id)
		}
		device = d
		return nil
	})
	return device, err
}

// AddCertification records a valid certification issued by caller. The device
// does not have to be registered.
func (s *Service) AddCertification(ctx context.Context, caller domain.Identity, id domain.DeviceID, certType domain.CertType) (Result, error) {
	key := domain.CertificationKey{DeviceID: id, Type: certType}
	return s.mutate(ctx, OpAddCertification, caller, key.String(), func(tx Transaction) error {
		if !id.Valid() {
			return domain.Errorf(domain.CodeInvalidDevice, "device id %d out of range", id)
		}
		if !certType.Valid() {
			return domain.Errorf(domain.CodeInvalidCertification, "unknown certification type %q", certType)
		}
		if !s.policy.CanCertify(tx, caller, certType) {
			return domain.Errorf(domain.CodeUnauthorized, "caller is not an approved %s regulatory body", certType)
		}
		if _, exists := tx.FindCertification(key); exists {
			return domain.Errorf(domain.CodeCertificationExists, "certification %s already issued", key)
		}
		_, err := tx.CreateCertification(domain.Certification{
			DeviceID: id,
			Type:     certType,
			Issuer:   caller,
			Sequence: tx.NextSequence(),
			Valid:    true,
		})
		return err
	})
}

// VerifyCertification reports whether a valid certification exists. Absence and
// invalid input both report false.
func (s *Service) VerifyCertification(ctx context.Context, id domain.DeviceID, certType domain.CertType) bool {
	cert, ok := s.GetCertification(ctx, id, certType)
	return ok && cert.Valid
}

// GetCertification returns the certification record for (id, certType).
func (s *Service) GetCertification(ctx context.Context, id domain.DeviceID, certType domain.CertType) (domain.Certification, bool) {
	var (
		cert  domain.Certification
		found bool
	)
	_ = s.read(ctx, opVerifyCertification, func(view TransactionView) error {
		cert, found = view.FindCertification(domain.CertificationKey{DeviceID: id, Type: certType})
		return nil
	})
	return cert, found
}

// AddRegulatoryBody approves authority to issue certType. Owner only.
func (s *Service) AddRegulatoryBody(ctx context.Context, caller, authority domain.Identity, certType domain.CertType) (Result, error) {
	key := domain.ApprovalKey{Authority: authority, Type: certType}
	return s.mutate(ctx, OpAddRegulatoryBody, caller, key.String(), func(tx Transaction) error {
		owner := tx.Owner()
		if !s.policy.IsOwner(owner, caller) {
			return domain.Errorf(domain.CodeUnauthorized, "only the contract owner may approve regulatory bodies")
		}
		if !certType.Valid() {
			return domain.Errorf(domain.CodeInvalidCertification, "unknown certification type %q", certType)
		}
		if !s.policy.ValidAuthority(owner, caller, authority) {
			return domain.Errorf(domain.CodeUnauthorized, "authority %q may not be approved", authority)
		}
		_, err := tx.PutApproval(domain.RegulatoryApproval{Authority: authority, Type: certType, Approved: true})
		return err
	})
}

// IsRegulatoryBody reports whether authority is approved for certType.
func (s *Service) IsRegulatoryBody(ctx context.Context, authority domain.Identity, certType domain.CertType) bool {
	var approved bool
	_ = s.store.View(ctx, func(view TransactionView) error {
		approved = view.IsApproved(domain.ApprovalKey{Authority: authority, Type: certType})
		return nil
	})
	return approved
}

// IsContractOwner reports whether identity is the contract owner.
func (s *Service) IsContractOwner(ctx context.Context, identity domain.Identity) bool {
	return s.policy.IsOwner(s.Owner(ctx), identity)
}

// Owner returns the contract owner, or NullIdentity before Initialize.
func (s *Service) Owner(ctx context.Context) domain.Identity {
	var owner domain.Identity
	_ = s.store.View(ctx, func(view TransactionView) error {
		owner = view.Owner()
		return nil
	})
	return owner
}

// Snapshot returns the committed ledger.
func (s *Service) Snapshot() domain.Snapshot {
	return s.store.ExportState()
}

func (s *Service) mutate(ctx context.Context, op string, caller domain.Identity, entityID string, fn func(Transaction) error) (Result, error) {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	res, err := s.store.RunInTransaction(ctx, fn)
	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	s.recordAudit(ctx, op, caller, entityID, duration, err)

	if err != nil {
		s.logger.Warn("registry operation failed", "operation", op, "caller", string(caller), "entity_id", entityID, "code", domain.CodeOf(err).String(), "error", err)
		return res, err
	}
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", string(v.Severity), "entity_id", v.EntityID, "message", v.Message)
	}
	s.logger.Debug("registry operation committed", "operation", op, "caller", string(caller), "entity_id", entityID, "duration", duration)
	return res, nil
}

func (s *Service) read(ctx context.Context, op string, fn func(TransactionView) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	err := s.store.View(ctx, fn)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	return err
}

func (s *Service) recordAudit(ctx context.Context, op string, caller domain.Identity, entityID string, duration time.Duration, err error) {
	meta, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Caller:    caller,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Code = domain.CodeOf(err)
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
