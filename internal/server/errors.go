package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/MeKo-Tech/imgclass/internal/preprocess"
)

// Error kinds reported in the "kind" field of error bodies.
const (
	kindInvalidRequest    = "invalid_request"
	kindTooLarge          = "too_large"
	kindDecode            = "decode_error"
	kindUnsupportedFormat = "unsupported_format"
	kindInference         = "inference_error"
	kindTimeout           = "timeout"
	kindInternal          = "internal_error"
	kindRateLimited       = "rate_limited"
)

// requestError is a client mistake detected before the classifier runs.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func invalidRequest(msg string) error { return &requestError{msg: msg} }

// errorKind maps an error to its HTTP status and kind.
func errorKind(err error) (int, string) {
	var (
		reqErr   *requestError
		maxErr   *http.MaxBytesError
		decErr   *preprocess.DecodeError
		fmtErr   *preprocess.UnsupportedFormatError
		inferErr *onnx.InferenceError
		loadErr  *onnx.ModelLoadError
	)
	if isRateLimited(err) {
		return http.StatusTooManyRequests, kindRateLimited
	}
	switch {
	case errors.As(err, &maxErr), isTooLarge(err):
		return http.StatusRequestEntityTooLarge, kindTooLarge
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, kindInvalidRequest
	case errors.As(err, &decErr):
		return http.StatusBadRequest, kindDecode
	case errors.As(err, &fmtErr):
		return http.StatusUnsupportedMediaType, kindUnsupportedFormat
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kindTimeout
	case errors.As(err, &inferErr), errors.As(err, &loadErr):
		return http.StatusInternalServerError, kindInference
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

func isRateLimited(err error) bool {
	var (
		rateErr  *RateLimitError
		quotaErr *QuotaExceededError
	)
	return errors.As(err, &rateErr) || errors.As(err, &quotaErr)
}

// isTooLarge catches multipart parse failures that lose the MaxBytesError type.
func isTooLarge(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request body too large") || strings.Contains(msg, "body too large")
}

// writeError writes the JSON error body for err and records it.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if isRateLimited(err) {
		s.handleRateLimitError(w, r, err)
		return
	}
	status, kind := errorKind(err)
	errorsTotal.WithLabelValues(kind).Inc()

	id := requestIDFrom(r.Context())
	slog.Warn("Request failed",
		"request_id", id,
		"path", r.URL.Path,
		"status", status,
		"kind", kind,
		"error", err)

	s.writeErrorResponse(w, status, ErrorResponse{
		Error:     "Prediction failed",
		Kind:      kind,
		Details:   err.Error(),
		RequestID: id,
	})
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Log error, but can't send another response
		slog.Error("Error writing error response", "error", err)
	}
}
