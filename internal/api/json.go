package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const maxBody = 10 << 20

// Machine-readable error codes.
const (
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeExists       = "already_exists"
	codeMismatch     = "checksum_mismatch"
	codeInvalid      = "invalid"
	codeUnavailable  = "unavailable"
	codeInternal     = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

// decode reads a JSON body of at most maxBody bytes into v. Unknown fields
// are rejected. On failure it writes a 400 and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(codeBadRequest, "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

type errResponse struct {
	Code  string `json:"code" validate:"required"`
	Error string `json:"error" validate:"required"`
}

func errorBody(code, msg string) errResponse {
	return errResponse{Code: code, Error: msg}
}
