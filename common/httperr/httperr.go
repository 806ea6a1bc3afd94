// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package httperr defines the wire shape of error responses shared by all
// three services: {"error": {"message", "type", "code"}}.
package httperr

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Error type strings carried in the response body.
const (
	TypeAuth          = "auth_error"
	TypeForbidden     = "forbidden"
	TypeValidation    = "validation_error"
	TypeNotFound      = "not_found"
	TypeConflict      = "conflict"
	TypeRateLimited   = "rate_limited"
	TypeQuotaExceeded = "quota_exceeded"
	TypeUpstream      = "upstream_error"
	TypeUnavailable   = "service_unavailable"
	TypeInternal      = "internal_error"
)

// Body is the standard error envelope.
type Body struct {
	Error Detail `json:"error"`
}

// Detail carries the message, stable type string, and HTTP code.
type Detail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// Write sends the envelope with the given status.
func Write(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Body{Error: Detail{Message: message, Type: errType, Code: status}})
}

// Unauthorized writes a 401.
func Unauthorized(w http.ResponseWriter, message string) {
	Write(w, http.StatusUnauthorized, TypeAuth, message)
}

// Forbidden writes a 403.
func Forbidden(w http.ResponseWriter, message string) {
	Write(w, http.StatusForbidden, TypeForbidden, message)
}

// BadRequest writes a 400.
func BadRequest(w http.ResponseWriter, message string) {
	Write(w, http.StatusBadRequest, TypeValidation, message)
}

// NotFound writes a 404.
func NotFound(w http.ResponseWriter, message string) {
	Write(w, http.StatusNotFound, TypeNotFound, message)
}

// Conflict writes a 409.
func Conflict(w http.ResponseWriter, message string) {
	Write(w, http.StatusConflict, TypeConflict, message)
}

// RateLimited writes a 429 with a Retry-After header when retryAfter > 0.
func RateLimited(w http.ResponseWriter, errType string, retryAfterSeconds int64) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	Write(w, http.StatusTooManyRequests, errType, "too many requests")
}

// Upstream writes a 502.
func Upstream(w http.ResponseWriter, message string) {
	Write(w, http.StatusBadGateway, TypeUpstream, message)
}

// Internal writes a 500 with a generic body. The caller logs the detail.
func Internal(w http.ResponseWriter) {
	Write(w, http.StatusInternalServerError, TypeInternal, "internal server error")
}
