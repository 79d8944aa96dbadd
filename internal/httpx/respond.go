package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

const maxBody = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	e, ok := apperr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindAuth:
		switch e.Code {
		case apperr.CodeGatewayAuth:
			return http.StatusBadGateway
		case apperr.CodeInvalidSignature:
			return http.StatusBadRequest
		}
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto a status. Internal faults and raw upstream detail
// are logged but never echoed to the client.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	writeErrorStatus(w, log, statusFor(err), err)
}

func writeErrorStatus(w http.ResponseWriter, log *zap.Logger, status int, err error) {
	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   http.StatusText(http.StatusInternalServerError),
			Code:    apperr.CodeInternal,
			Message: "internal error",
		})
		return
	}
	if e.Kind == apperr.KindUpstream || e.Code == apperr.CodeGatewayAuth {
		log.Warn("gateway failure", zap.String("code", e.Code), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Code: e.Code, Message: e.Message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation(apperr.CodeMissingField, "request body is required")
		}
		return apperr.Validation(apperr.CodeInvalidInput, "invalid json")
	}
	return nil
}
