// Package httptransport exposes the registry over HTTP. Caller identity is the
// subject of a verified bearer token and is never read from request bodies.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"medtrace/docs/schema/openapi"
	"medtrace/internal/archive"
	"medtrace/internal/core"
	"medtrace/pkg/domain"
)

// Registry is the service surface the handlers call.
type Registry interface {
	core.Registry
	RegisterDeviceRecord(ctx context.Context, caller domain.Identity, id domain.DeviceID, initial domain.DeviceStatus) (domain.Device, core.Result, error)
	UpdateDeviceStatusRecord(ctx context.Context, caller domain.Identity, id domain.DeviceID, status domain.DeviceStatus) (domain.Device, core.Result, error)
	GetDevice(ctx context.Context, id domain.DeviceID) (domain.Device, error)
	GetCertification(ctx context.Context, id domain.DeviceID, certType domain.CertType) (domain.Certification, bool)
}

// Archiver exports and verifies ledger archives.
type Archiver interface {
	Archive(ctx context.Context) (archive.Manifest, bool, error)
	Verify(ctx context.Context) (archive.Report, error)
}

// Options configures NewRouter. Archiver and Metrics are optional.
type Options struct {
	Registry Registry
	Archiver Archiver
	Auth     *Authenticator
	Logger   *slog.Logger
	Metrics  http.Handler
	// AfterWrite runs after every successful mutation, e.g. to refresh gauges.
	AfterWrite func(ctx context.Context)
}

// Handler serves the registry routes.
type Handler struct {
	registry   Registry
	archiver   Archiver
	logger     *slog.Logger
	afterWrite func(ctx context.Context)
}

// NewRouter wires every route behind request id, logging and authentication
// middleware.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		registry:   opts.Registry,
		archiver:   opts.Archiver,
		logger:     logger,
		afterWrite: opts.AfterWrite,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openapi.Spec())
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(authenticate(opts.Auth))
		h.Register(r)
	})
	return r
}

// Register mounts the registry endpoints on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/owner", h.handleOwner)
	r.Get("/devices/{id}", h.handleGetDevice)
	r.Get("/devices/{id}/history", h.handleHistory)
	r.Get("/devices/{id}/certifications/{type}", h.handleVerify)
	r.Get("/regulators/{authority}/{type}", h.handleIsRegulator)
	r.Get("/archives/verify", h.handleVerifyArchive)

	r.Group(func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/devices", h.handleRegister)
		r.Put("/devices/{id}/status", h.handleUpdateStatus)
		r.Post("/devices/{id}/certifications", h.handleCertify)
		r.Post("/regulators", h.handleApprove)
		r.Post("/archives", h.handleArchive)
	})
}
