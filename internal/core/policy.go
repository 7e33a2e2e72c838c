package core

import "medtrace/pkg/domain"

// Policy holds the authorization decisions of the registry. Every method is a
// pure function of the identities and committed state it is handed.
type Policy struct{}

// IsOwner reports whether caller is the contract owner. The null identity is
// never an owner, even before initialization.
func (Policy) IsOwner(owner, caller domain.Identity) bool {
	return !owner.IsNull() && caller == owner
}

// CanRegister allows the owner to register a device in any state and anyone
// else to register a freshly manufactured device.
func (p Policy) CanRegister(owner, caller domain.Identity, initial domain.DeviceStatus) bool {
	return p.IsOwner(owner, caller) || initial == domain.StatusManufactured
}

// CanUpdate allows the contract owner and the device owner.
func (p Policy) CanUpdate(owner, caller domain.Identity, device domain.Device) bool {
	return p.IsOwner(owner, caller) || caller == device.Owner
}

// ValidAuthority rejects an authority equal to the owner, to the caller or to
// the null identity. The owner therefore can never approve itself.
func (Policy) ValidAuthority(owner, caller, authority domain.Identity) bool {
	return authority != owner && authority != caller && !authority.IsNull()
}

// CanCertify reports whether caller is an approved regulatory body for certType.
func (Policy) CanCertify(view approvalReader, caller domain.Identity, certType domain.CertType) bool {
	return view.IsApproved(domain.ApprovalKey{Authority: caller, Type: certType})
}

type approvalReader interface {
	IsApproved(key domain.ApprovalKey) bool
}
