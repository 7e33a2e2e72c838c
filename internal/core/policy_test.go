package core

import (
	"testing"

	"medtrace/pkg/domain"
)

type approvals map[domain.ApprovalKey]bool

func (a approvals) IsApproved(key domain.ApprovalKey) bool { return a[key] }

func TestPolicy(t *testing.T) {
	var p Policy
	if p.IsOwner(domain.NullIdentity, domain.NullIdentity) {
		t.Fatalf("null identity must never be owner")
	}
	if !p.IsOwner(owner, owner) || p.IsOwner(owner, alice) {
		t.Fatalf("unexpected IsOwner answers")
	}

	if !p.CanRegister(owner, alice, domain.StatusManufactured) || p.CanRegister(owner, alice, domain.StatusDeployed) {
		t.Fatalf("non-owner may only register manufactured devices")
	}
	if !p.CanRegister(owner, owner, domain.StatusMaintained) {
		t.Fatalf("owner may register any status")
	}

	device := domain.Device{ID: 1, Owner: alice}
	if !p.CanUpdate(owner, alice, device) || !p.CanUpdate(owner, owner, device) || p.CanUpdate(owner, bob, device) {
		t.Fatalf("unexpected CanUpdate answers")
	}

	invalid := []struct{ caller, authority domain.Identity }{
		{owner, owner},
		{owner, domain.NullIdentity},
		{alice, alice},
	}
	for _, tc := range invalid {
		if p.ValidAuthority(owner, tc.caller, tc.authority) {
			t.Fatalf("authority %q by %q should be rejected", tc.authority, tc.caller)
		}
	}
	if !p.ValidAuthority(owner, owner, regulator) {
		t.Fatalf("regulator should be a valid authority")
	}

	view := approvals{{Authority: regulator, Type: domain.CertCE}: true}
	if !p.CanCertify(view, regulator, domain.CertCE) || p.CanCertify(view, regulator, domain.CertFDA) || p.CanCertify(view, alice, domain.CertCE) {
		t.Fatalf("unexpected CanCertify answers")
	}
}
