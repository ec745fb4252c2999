package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatConflict:
		return http.StatusConflict, true
	case core.ErrCatBudget:
		return http.StatusPaymentRequired, true
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout, true
	case core.ErrCatState:
		// The execution is in the wrong status for the request.
		if domErr.Code == core.CodeInvalidState {
			return http.StatusConflict, true
		}
		return http.StatusInternalServerError, true
	default:
		return http.StatusInternalServerError, true
	}
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondDomainError maps err to a status code and writes it.
func respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var domErr *core.DomainError
	errors.As(err, &domErr)
	msg := domErr.Message
	if domErr.Cause != nil {
		msg += ": " + domErr.Cause.Error()
	}
	respondJSON(w, status, errorResponse{
		Error:   msg,
		Code:    domErr.Code,
		Details: domErr.Details,
	})
}
