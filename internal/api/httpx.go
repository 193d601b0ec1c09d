package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"dead-mans-switch/internal/deadman"
)

// 1MB limit on request bodies
const maxBodyBytes = 1 << 20

type ctxKey int

const (
	requestIDKey ctxKey = iota
	callerKey
)

func newRequestID() string { return "req_" + uuid.NewString() }

// RequestID returns the id assigned to the request by the router.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		RequestID: RequestID(r.Context()),
		Error:     ErrorBody{Code: code, Message: message},
	})
}

var statusByCode = map[string]int{
	"ALREADY_EXISTS":     http.StatusConflict,
	"NO_CONTRACT":        http.StatusNotFound,
	"SELF_DELEGATION":    http.StatusUnprocessableEntity,
	"SAME_BENEFICIARY":   http.StatusConflict,
	"DELAY_OUT_OF_RANGE": http.StatusUnprocessableEntity,
	"UNAUTHORIZED":       http.StatusForbidden,
	"SWITCH_NOT_EXPIRED": http.StatusLocked,
	"UNSUPPORTED_CALL":   http.StatusBadRequest,
	"LEDGER_ERROR":       http.StatusUnprocessableEntity,
}

// writeServiceError maps a deadman.Service error onto the envelope. Internal
// errors are logged, the client only sees the code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := deadman.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		h.logger.ErrorContext(r.Context(), "request failed",
			"request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, code, "internal error")
		return
	}
	writeError(w, r, status, code, err.Error())
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
