package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/version"
)

// uploadField is the preferred multipart field name for the image.
const uploadField = "image"

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, response)
}

// modelHandler describes the loaded model and how inputs are prepared for it.
func (s *Server) modelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	opts := s.classifier.Options()
	table := s.classifier.Table()
	response := ModelResponse{
		Model: s.classifier.Engine().Info(),
		Preprocess: PreprocessInfo{
			Width:    s.preprocess.Width,
			Height:   s.preprocess.Height,
			Channels: s.preprocess.Channels,
			Mean:     s.preprocess.Mean,
			Std:      s.preprocess.Std,
			Filter:   s.preprocess.Filter,
		},
		Labels:  LabelsInfo{Count: table.Len(), Source: table.Source()},
		TopN:    opts.TopN,
		MaxTopN: opts.MaxTopN,
		Softmax: opts.Softmax,
	}

	writeJSON(w, http.StatusOK, response)
}

// predictHandler returns the raw model output for one uploaded image.
func (s *Server) predictHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := s.readUpload(w, r)
	if err != nil {
		classifyRequestsTotal.WithLabelValues("predict", "error").Inc()
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	start := time.Now()
	scores, err := s.classifier.Scores(ctx, data)
	inferenceDuration.WithLabelValues("predict").Observe(time.Since(start).Seconds())
	if err != nil {
		classifyRequestsTotal.WithLabelValues("predict", "error").Inc()
		s.writeError(w, r, err)
		return
	}

	classifyRequestsTotal.WithLabelValues("predict", "success").Inc()
	writeJSON(w, http.StatusOK, PredictResponse{Prediction: scores.Data, Shape: scores.Shape})
}

// classifyHandler returns the top-N labeled predictions for one uploaded image.
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n, err := parseTop(r.URL.Query().Get("top"))
	if err != nil {
		classifyRequestsTotal.WithLabelValues("classify", "error").Inc()
		s.writeError(w, r, err)
		return
	}

	data, err := s.readUpload(w, r)
	if err != nil {
		classifyRequestsTotal.WithLabelValues("classify", "error").Inc()
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	start := time.Now()
	res, err := s.classifier.Classify(ctx, data, n)
	inferenceDuration.WithLabelValues("classify").Observe(time.Since(start).Seconds())
	if err != nil {
		classifyRequestsTotal.WithLabelValues("classify", "error").Inc()
		s.writeError(w, r, err)
		return
	}

	classifyRequestsTotal.WithLabelValues("classify", "success").Inc()
	writeJSON(w, http.StatusOK, newClassifyResponse(res, requestIDFrom(r.Context())))
}

// parseTop reads the optional ?top=N parameter. Zero selects the configured default.
func parseTop(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalidRequest(fmt.Sprintf("invalid top parameter %q", raw))
	}
	return n, nil
}

// requestContext bounds a single request by the configured timeout.
func (s *Server) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.timeoutSec <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(s.timeoutSec)*time.Second)
}

// readUpload extracts the image bytes from a multipart form or a raw image body.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		data []byte
		err  error
	)
	switch {
	case mediaType == "multipart/form-data":
		data, err = readMultipartImage(r, limit)
	case strings.HasPrefix(mediaType, "image/"), mediaType == "application/octet-stream":
		data, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	default:
		return nil, invalidRequest("expected multipart/form-data or an image body")
	}
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, invalidRequest("No image file provided")
	}
	uploadSizeBytes.Observe(float64(len(data)))
	if s.rateLimiter != nil {
		if err := s.rateLimiter.ChargeData(getClientIP(r), int64(len(data))); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// readMultipartImage returns the "image" file part, or the first file part
// in field-name order when no "image" field is present.
func readMultipartImage(r *http.Request, limit int64) ([]byte, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		if isTooLarge(err) {
			return nil, err
		}
		return nil, invalidRequest("Failed to parse form data: " + err.Error())
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		return nil, invalidRequest("No image file provided")
	}

	field := uploadField
	if _, ok := r.MultipartForm.File[field]; !ok {
		keys := make([]string, 0, len(r.MultipartForm.File))
		for k := range r.MultipartForm.File {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		field = keys[0]
	}

	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, invalidRequest("No image file provided")
	}
	file, err := headers[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read uploaded file: %w", err)
	}
	return data, nil
}

// writeJSON encodes v before touching the status line, so an unencodable
// value becomes a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
		errorsTotal.WithLabelValues(kindInternal).Inc()
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(ErrorResponse{
			Error:   "Prediction failed",
			Kind:    kindInternal,
			Details: "failed to encode response: " + err.Error(),
		})
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Error writing response", "error", err)
	}
}

func newClassifyResponse(res *classify.Result, requestID string) ClassifyResponse {
	return ClassifyResponse{
		Classes:     res.Classes,
		Predictions: res.Predictions,
		Processing: ProcessingInfo{
			PreprocessMs: milliseconds(res.Timing.Preprocess),
			InferenceMs:  milliseconds(res.Timing.Inference),
			TotalMs:      milliseconds(res.Timing.Total()),
		},
		RequestID: requestID,
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
