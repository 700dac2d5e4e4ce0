// Package httputil holds JSON response helpers for handlers and an HTTP
// client for talking to a running fastmango server.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fastmango/fastmango/internal/errors"
	"github.com/fastmango/fastmango/internal/logging"
)

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes a structured error body.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteServiceError translates err with errors.FromError and writes it.
// Internal errors are reported without their cause.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) *errors.ServiceError {
	se := errors.FromError(err)
	WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
	return se
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteErrorResponse(w, nil, http.StatusUnauthorized, string(errors.CodeUnauthorized), message, nil)
}

// DecodeJSON decodes a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.BadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

const maxBodyBytes = 4 << 20

// ReadBody reads a request body up to the handler body limit.
func ReadBody(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	data, truncated, err := ReadAllWithLimit(body, maxBodyBytes)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, errors.BadRequest("request body too large")
	}
	return data, nil
}

// ReadAllWithLimit reads at most limit bytes from r and reports whether more
// data was available.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
