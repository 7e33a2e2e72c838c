package core

import (
	"context"
	"errors"
	"testing"

	"medtrace/pkg/domain"
)

const (
	owner     domain.Identity = "0xowner"
	alice     domain.Identity = "0xalice"
	bob       domain.Identity = "0xbob"
	regulator domain.Identity = "0xfda"
)

func newInitializedService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	svc := NewInMemoryService(NewDefaultRulesEngine(), opts...)
	if err := svc.Initialize(context.Background(), owner); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return svc
}

func mustChangePayload[T any](t *testing.T, value T) domain.ChangePayload {
	t.Helper()
	payload, err := domain.NewChangePayloadFromValue(value)
	if err != nil {
		t.Fatalf("build change payload: %v", err)
	}
	return payload
}

func requireCode(t *testing.T, err error, want *domain.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want.Code, err)
	}
}
