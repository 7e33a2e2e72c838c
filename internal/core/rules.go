package core

import (
	"context"
	"fmt"

	"medtrace/pkg/domain"
)

type (
	// Rule aliases domain.Rule.
	Rule = domain.Rule
	// RulesEngine aliases domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Result aliases domain.Result.
	Result = domain.Result
	// Transaction aliases domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore.
	PersistentStore = domain.PersistentStore
)

// Rule names.
const (
	RuleHistoryIntegrity          = "history_integrity"
	RuleDeviceReregistration      = "device_reregistration"
	RuleCertificationImmutability = "certification_immutability"
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in registry rules.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(HistoryIntegrityRule())
	engine.Register(DeviceReregistrationRule())
	engine.Register(CertificationImmutabilityRule())
	return engine
}

// HistoryIntegrityRule blocks any device write whose history is empty, over
// capacity, not strictly ordered by sequence, or disagrees with the current status.
func HistoryIntegrityRule() Rule { return historyIntegrityRule{} }

type historyIntegrityRule struct{}

func (historyIntegrityRule) Name() string { return RuleHistoryIntegrity }

func (historyIntegrityRule) Evaluate(_ context.Context, _ TransactionView, changes []domain.Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityDevice {
			continue
		}
		device, ok := domain.DecodeChangePayload[domain.Device](change.After)
		if !ok {
			continue
		}
		if msg := historyProblem(device); msg != "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     RuleHistoryIntegrity,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("device %d: %s", device.ID, msg),
				Entity:   domain.EntityDevice,
				EntityID: change.EntityID,
			})
		}
	}
	return res, nil
}

func historyProblem(device domain.Device) string {
	h := device.History
	last, ok := h.Last()
	switch {
	case !ok:
		return "history is empty"
	case len(h) > domain.HistoryCapacity:
		return fmt.Sprintf("history holds %d entries, capacity is %d", len(h), domain.HistoryCapacity)
	case last.Status != device.Status:
		return fmt.Sprintf("current status %s does not match last history entry %s", device.Status, last.Status)
	}
	for i := 1; i < len(h); i++ {
		if h[i].Sequence <= h[i-1].Sequence {
			return fmt.Sprintf("history sequence %d at position %d does not follow %d", h[i].Sequence, i, h[i-1].Sequence)
		}
	}
	return ""
}

// DeviceReregistrationRule warns when a registration replaced an existing device.
// The overwrite still commits.
func DeviceReregistrationRule() Rule { return deviceReregistrationRule{} }

type deviceReregistrationRule struct{}

func (deviceReregistrationRule) Name() string { return RuleDeviceReregistration }

func (deviceReregistrationRule) Evaluate(_ context.Context, _ TransactionView, changes []domain.Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityDevice || change.Action != domain.ActionCreate || !change.Before.Defined() {
			continue
		}
		before, _ := domain.DecodeChangePayload[domain.Device](change.Before)
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleDeviceReregistration,
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("device %s re-registered; previous record owned by %q with %d history entries was replaced", change.EntityID, before.Owner, len(before.History)),
			Entity:   domain.EntityDevice,
			EntityID: change.EntityID,
		})
	}
	return res, nil
}

// CertificationImmutabilityRule blocks any change to an existing certification.
func CertificationImmutabilityRule() Rule { return certificationImmutabilityRule{} }

type certificationImmutabilityRule struct{}

func (certificationImmutabilityRule) Name() string { return RuleCertificationImmutability }

func (certificationImmutabilityRule) Evaluate(_ context.Context, _ TransactionView, changes []domain.Change) (Result, error) {
	res := Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityCertification {
			continue
		}
		if change.Action == domain.ActionCreate && !change.Before.Defined() {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleCertificationImmutability,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("certification %s is immutable", change.EntityID),
			Entity:   domain.EntityCertification,
			EntityID: change.EntityID,
		})
	}
	return res, nil
}
