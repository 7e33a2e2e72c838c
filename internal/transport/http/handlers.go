package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medtrace/internal/core"
	"medtrace/pkg/domain"
)

type registerRequest struct {
	ID     domain.DeviceID `json:"id"`
	Status string          `json:"status"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type certifyRequest struct {
	Type string `json:"type"`
}

type approveRequest struct {
	Authority string `json:"authority"`
	Type      string `json:"type"`
}

type warning struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

type deviceResponse struct {
	Device   domain.Device `json:"device"`
	Warnings []warning     `json:"warnings,omitempty"`
}

type historyResponse struct {
	DeviceID domain.DeviceID `json:"device_id"`
	History  domain.History  `json:"history"`
}

type verifyResponse struct {
	DeviceID      domain.DeviceID       `json:"device_id"`
	Type          domain.CertType       `json:"cert_type"`
	Certified     bool                  `json:"certified"`
	Certification *domain.Certification `json:"certification,omitempty"`
}

type approvalResponse struct {
	Authority domain.Identity `json:"authority"`
	Type      domain.CertType `json:"cert_type"`
	Approved  bool            `json:"approved"`
}

func warningsOf(res core.Result) []warning {
	var out []warning
	for _, v := range res.Violations {
		out = append(out, warning{Rule: v.Rule, Message: v.Message})
	}
	return out
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid request body: "+err.Error(), 0)
		return false
	}
	return true
}

func deviceParam(w http.ResponseWriter, r *http.Request) (domain.DeviceID, bool) {
	id, err := domain.ParseDeviceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return 0, false
	}
	return id, true
}

func (h *Handler) committed(r *http.Request) {
	if h.afterWrite != nil {
		h.afterWrite(r.Context())
	}
}

func (h *Handler) handleOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := h.registry.Owner(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     owner,
		"is_caller": h.registry.IsContractOwner(ctx, Caller(ctx)),
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	device, res, err := h.registry.RegisterDeviceRecord(ctx, Caller(ctx), req.ID, domain.ParseDeviceStatus(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	h.committed(r)
	writeJSON(w, http.StatusCreated, deviceResponse{Device: device, Warnings: warningsOf(res)})
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	device, res, err := h.registry.UpdateDeviceStatusRecord(ctx, Caller(ctx), id, domain.ParseDeviceStatus(req.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	h.committed(r)
	writeJSON(w, http.StatusOK, deviceResponse{Device: device, Warnings: warningsOf(res)})
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}
	device, err := h.registry.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{Device: device})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}
	history, err := h.registry.GetDeviceHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{DeviceID: id, History: history})
}

func (h *Handler) handleCertify(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}
	var req certifyRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	certType := domain.ParseCertType(req.Type)
	if _, err := h.registry.AddCertification(ctx, Caller(ctx), id, certType); err != nil {
		writeError(w, err)
		return
	}
	h.committed(r)
	cert, _ := h.registry.GetCertification(ctx, id, certType)
	writeJSON(w, http.StatusCreated, cert)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	// verification never fails: malformed ids report not certified
	id, _ := domain.ParseDeviceID(chi.URLParam(r, "id"))
	certType := domain.ParseCertType(chi.URLParam(r, "type"))
	ctx := r.Context()
	resp := verifyResponse{DeviceID: id, Type: certType, Certified: h.registry.VerifyCertification(ctx, id, certType)}
	if resp.Certified {
		if cert, ok := h.registry.GetCertification(ctx, id, certType); ok {
			resp.Certification = &cert
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	authority := domain.Identity(req.Authority)
	certType := domain.ParseCertType(req.Type)
	if _, err := h.registry.AddRegulatoryBody(ctx, Caller(ctx), authority, certType); err != nil {
		writeError(w, err)
		return
	}
	h.committed(r)
	writeJSON(w, http.StatusCreated, approvalResponse{Authority: authority, Type: certType, Approved: true})
}

func (h *Handler) handleIsRegulator(w http.ResponseWriter, r *http.Request) {
	authority := domain.Identity(chi.URLParam(r, "authority"))
	certType := domain.ParseCertType(chi.URLParam(r, "type"))
	writeJSON(w, http.StatusOK, approvalResponse{
		Authority: authority,
		Type:      certType,
		Approved:  h.registry.IsRegulatoryBody(r.Context(), authority, certType),
	})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.archiver == nil {
		writeStatus(w, http.StatusServiceUnavailable, "archiving is not configured", 0)
		return
	}
	if !h.registry.IsContractOwner(ctx, Caller(ctx)) {
		writeError(w, domain.Errorf(domain.CodeUnauthorized, "only the contract owner may archive the ledger"))
		return
	}
	manifest, written, err := h.archiver.Archive(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "archive failed", "request_id", RequestID(ctx), "error", err)
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if written {
		status = http.StatusCreated
	}
	writeJSON(w, status, manifest)
}

func (h *Handler) handleVerifyArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.archiver == nil {
		writeStatus(w, http.StatusServiceUnavailable, "archiving is not configured", 0)
		return
	}
	report, err := h.archiver.Verify(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "archive verification failed", "request_id", RequestID(ctx), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": report.OK(), "report": report})
}
