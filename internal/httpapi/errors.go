package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"clearance.org/internal/audit"
	"clearance.org/internal/auth"
	"clearance.org/internal/clearance"
	"clearance.org/internal/identity"
	"clearance.org/internal/obs"
	"clearance.org/internal/routing"
)

type errorResponse struct {
	Error      string `json:"error"`
	RequestID  string `json:"request_id,omitempty"`
	Capability string `json:"capability,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, RequestID: audit.RequestIDFromContext(r.Context())})
}

// statusFor maps domain errors onto HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, identity.ErrNotEligible), errors.Is(err, identity.ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, clearance.ErrDuplicateRequest), errors.Is(err, clearance.ErrAlreadyDecided),
		errors.Is(err, identity.ErrConflict), errors.Is(err, identity.ErrEligibilityConsumed):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNoReviewerAvailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, routing.ErrUnsupportedDomain), errors.Is(err, clearance.ErrInvalidInput),
		errors.Is(err, identity.ErrInvalidInput), errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, clearance.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.deps.Logger.Error("request failed",
			slog.String("request_id", audit.RequestIDFromContext(r.Context())),
			slog.String("route", obs.RoutePattern(r)),
			slog.Any("error", err),
		)
		writeError(w, r, code, "internal error")
		return
	}
	resp := errorResponse{Error: err.Error(), RequestID: audit.RequestIDFromContext(r.Context())}
	var denied *auth.DeniedError
	if errors.As(err, &denied) {
		resp.Error = "forbidden"
		resp.Capability = string(denied.Capability)
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		default:
			return fmt.Errorf("invalid JSON: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value must be between %d and %d", min, max)
	}
	return n, nil
}
