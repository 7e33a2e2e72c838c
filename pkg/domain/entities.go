// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by medtrace.
package domain

import (
	"strconv"
	"strings"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityDevice identifies a tracked device record.
	EntityDevice EntityType = "device"
	// EntityCertification identifies a certification record keyed by device and type.
	EntityCertification EntityType = "certification"
	// EntityRegulatoryApproval identifies an authority approval for a certification type.
	EntityRegulatoryApproval EntityType = "regulatory_approval"
	// EntityRegistry identifies registry-wide scalars (owner, sequence).
	EntityRegistry EntityType = "registry"
)

// Identity is an authenticated caller identity supplied by the execution substrate.
// Identities are opaque and compared by equality only.
type Identity string

// NullIdentity is the reserved identity that can never be granted a role.
const NullIdentity Identity = ""

// IsNull reports whether the identity is the reserved null identity.
func (i Identity) IsNull() bool { return i == NullIdentity }

func (i Identity) String() string { return string(i) }

// DeviceID identifies a device. Valid identifiers lie in [MinDeviceID, MaxDeviceID].
type DeviceID int64

// Device identifier bounds.
const (
	MinDeviceID DeviceID = 1
	MaxDeviceID DeviceID = 1_000_000
)

// Valid reports whether the identifier lies within the accepted range.
func (id DeviceID) Valid() bool {
	return id >= MinDeviceID && id <= MaxDeviceID
}

func (id DeviceID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseDeviceID parses a base-10 device identifier. Range is not checked.
func ParseDeviceID(raw string) (DeviceID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &Error{Code: CodeInvalidDevice, Message: "device id " + strconv.Quote(raw) + " is not an integer"}
	}
	return DeviceID(v), nil
}

// DeviceStatus enumerates the fixed device lifecycle states.
type DeviceStatus string

// Canonical device lifecycle states.
const (
	StatusManufactured DeviceStatus = "manufactured"
	StatusTesting      DeviceStatus = "testing"
	StatusDeployed     DeviceStatus = "deployed"
	StatusMaintained   DeviceStatus = "maintained"
)

var deviceStatuses = []DeviceStatus{StatusManufactured, StatusTesting, StatusDeployed, StatusMaintained}

// DeviceStatuses returns the lifecycle states in declaration order.
func DeviceStatuses() []DeviceStatus {
	return append([]DeviceStatus(nil), deviceStatuses...)
}

// Valid reports whether the status is one of the four lifecycle states.
func (s DeviceStatus) Valid() bool {
	for _, candidate := range deviceStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// ParseDeviceStatus normalises raw input into a DeviceStatus. Unknown values are
// returned verbatim so that validation reports InvalidStatus at the operation boundary.
func ParseDeviceStatus(raw string) DeviceStatus {
	normalized := DeviceStatus(strings.ToLower(strings.TrimSpace(raw)))
	if normalized.Valid() {
		return normalized
	}
	return DeviceStatus(raw)
}

// CertType enumerates the certification types a regulatory body can issue.
type CertType string

// Supported certification types.
const (
	CertFDA    CertType = "FDA"
	CertCE     CertType = "CE"
	CertISO    CertType = "ISO"
	CertSafety CertType = "Safety"
)

var certTypes = []CertType{CertFDA, CertCE, CertISO, CertSafety}

// CertTypes returns the certification types in declaration order.
func CertTypes() []CertType {
	return append([]CertType(nil), certTypes...)
}

// Valid reports whether the type is one of the supported certification types.
func (c CertType) Valid() bool {
	for _, candidate := range certTypes {
		if c == candidate {
			return true
		}
	}
	return false
}

// ParseCertType matches raw input case-insensitively against the supported types.
// Unknown values are returned verbatim.
func ParseCertType(raw string) CertType {
	trimmed := strings.TrimSpace(raw)
	for _, candidate := range certTypes {
		if strings.EqualFold(trimmed, string(candidate)) {
			return candidate
		}
	}
	return CertType(raw)
}

// Device is a tracked medical device with its bounded status history.
type Device struct {
	ID      DeviceID     `json:"id"`
	Owner   Identity     `json:"owner"`
	Status  DeviceStatus `json:"current_status"`
	History History      `json:"history"`
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	cp := d
	cp.History = d.History.Clone()
	return cp
}

// CertificationKey is the composite identity of a certification record.
type CertificationKey struct {
	DeviceID DeviceID
	Type     CertType
}

func (k CertificationKey) String() string {
	return k.DeviceID.String() + "/" + string(k.Type)
}

// Certification records that an approved regulatory body certified a device.
type Certification struct {
	DeviceID DeviceID `json:"device_id"`
	Type     CertType `json:"cert_type"`
	Issuer   Identity `json:"issuer"`
	Sequence uint64   `json:"sequence_number"`
	Valid    bool     `json:"valid"`
}

// Key returns the composite identity of the certification.
func (c Certification) Key() CertificationKey {
	return CertificationKey{DeviceID: c.DeviceID, Type: c.Type}
}

// ApprovalKey is the composite identity of a regulatory approval.
type ApprovalKey struct {
	Authority Identity
	Type      CertType
}

func (k ApprovalKey) String() string {
	return string(k.Authority) + "/" + string(k.Type)
}

// RegulatoryApproval marks an authority as allowed to issue a certification type.
type RegulatoryApproval struct {
	Authority Identity `json:"authority"`
	Type      CertType `json:"cert_type"`
	Approved  bool     `json:"approved"`
}

// Key returns the composite identity of the approval.
func (a RegulatoryApproval) Key() ApprovalKey {
	return ApprovalKey{Authority: a.Authority, Type: a.Type}
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Action describes the type of change applied to an entity.
type Action string

// Change actions enumerate the mutations captured in the audit trail.
const (
	// ActionCreate indicates an entity was created (or overwritten in place).
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
)

// Change describes a mutation recorded inside a transaction.
type Change struct {
	Entity   EntityType
	Action   Action
	EntityID string
	Before   ChangePayload
	After    ChangePayload
}

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
