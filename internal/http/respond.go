package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/validation"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps err to a status and a JSON body. Internal details stay in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal(err, "unexpected error")
	}
	status := statusFor(ae.Kind)
	body := errorBody{Error: ae.Message, Kind: string(ae.Kind), Details: ae.Details}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		body.Details = nil
	}
	writeJSON(w, status, body)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	kind := "unauthorized"
	if status == http.StatusForbidden {
		kind = "forbidden"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// decodeJSON reads a JSON body into dst and runs its validate tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return validation.Struct(dst)
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, apperr.Validation("%s must be a number", key).With("param", key)
	}
	return f, nil
}

func requiredFloat(r *http.Request, key string) (float64, error) {
	if r.URL.Query().Get(key) == "" {
		return 0, apperr.Validation("%s is required", key).With("param", key)
	}
	return queryFloat(r, key, 0)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", key).With("param", key)
	}
	return i, nil
}
