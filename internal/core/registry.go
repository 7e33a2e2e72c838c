package core

import (
	"context"

	"medtrace/pkg/domain"
)

// Registry is the public operation surface of the device registry. Every
// mutating call is atomic: it either commits entirely or returns an error and
// leaves state, including the sequence counter, untouched.
type Registry interface {
	RegisterDevice(ctx context.Context, caller domain.Identity, id domain.DeviceID, initial domain.DeviceStatus) (Result, error)
	UpdateDeviceStatus(ctx context.Context, caller domain.Identity, id domain.DeviceID, status domain.DeviceStatus) (Result, error)
	GetDeviceHistory(ctx context.Context, id domain.DeviceID) (domain.History, error)
	AddCertification(ctx context.Context, caller domain.Identity, id domain.DeviceID, certType domain.CertType) (Result, error)
	VerifyCertification(ctx context.Context, id domain.DeviceID, certType domain.CertType) bool
	AddRegulatoryBody(ctx context.Context, caller, authority domain.Identity, certType domain.CertType) (Result, error)

	IsRegulatoryBody(ctx context.Context, authority domain.Identity, certType domain.CertType) bool
	IsContractOwner(ctx context.Context, identity domain.Identity) bool
	Owner(ctx context.Context) domain.Identity
}

var _ Registry = (*Service)(nil)
