package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"medtrace/internal/core"
	"medtrace/pkg/domain"
)

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// StatusFor maps a registry error code to an HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeInvalidDevice, domain.CodeInvalidStatus, domain.CodeInvalidCertification:
		return http.StatusUnprocessableEntity
	case domain.CodeStatusUpdateFailed, domain.CodeCertificationExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := StatusFor(code)
	msg := err.Error()
	switch {
	case errors.Is(err, core.ErrAlreadyInitialized):
		status = http.StatusConflict
	case code == 0:
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeStatus(w http.ResponseWriter, status int, msg string, code domain.ErrorCode) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
