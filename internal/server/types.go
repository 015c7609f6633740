package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/MeKo-Tech/imgclass/internal/preprocess"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// classifierInterface defines the methods needed by the server from a classifier.
type classifierInterface interface {
	Scores(ctx context.Context, data []byte) (*classify.Scores, error)
	Classify(ctx context.Context, data []byte, n int) (*classify.Result, error)
	Engine() onnx.Engine
	Table() *classify.Table
	Options() classify.Options
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	classifier  classifierInterface
	preprocess  preprocess.Options
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
	rateLimiter *RateLimiter
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	// Preprocess is reported by /model; it should match the options the
	// classifier's preprocessor was built with.
	Preprocess preprocess.Options
	RateLimit  RateLimitConfig
}

// RateLimitConfig enables per-client throttling. Zero values disable a limit.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDay     int64
}

// Response types for API endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

type PreprocessInfo struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Channels int       `json:"channels"`
	Mean     []float32 `json:"mean"`
	Std      []float32 `json:"std"`
	Filter   string    `json:"filter"`
}

type LabelsInfo struct {
	Count  int    `json:"count"`
	Source string `json:"source,omitempty"`
}

type ModelResponse struct {
	Model      onnx.ModelInfo `json:"model"`
	Preprocess PreprocessInfo `json:"preprocessing"`
	Labels     LabelsInfo     `json:"labels"`
	TopN       int            `json:"top_n"`
	MaxTopN    int            `json:"max_top_n"`
	Softmax    bool           `json:"softmax"`
}

// PredictResponse carries the raw model output.
type PredictResponse struct {
	Prediction []float32 `json:"prediction"`
	Shape      []int64   `json:"shape"`
}

type ProcessingInfo struct {
	PreprocessMs float64 `json:"preprocess_ms"`
	InferenceMs  float64 `json:"inference_ms"`
	TotalMs      float64 `json:"total_ms"`
}

type ClassifyResponse struct {
	Classes     []string                     `json:"classes"`
	Predictions []classify.LabeledPrediction `json:"predictions"`
	Processing  ProcessingInfo               `json:"processing"`
	RequestID   string                       `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewServer creates a server around an already constructed classifier.
func NewServer(config Config, classifier classifierInterface) (*Server, error) {
	if classifier == nil {
		return nil, errors.New("server: nil classifier")
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 5
	}
	if config.Preprocess.Width == 0 {
		config.Preprocess = preprocess.DefaultOptions()
	}

	s := &Server{
		classifier:  classifier,
		preprocess:  config.Preprocess,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		timeoutSec:  config.TimeoutSec,
	}

	if rl := config.RateLimit; rl.Enabled {
		s.rateLimiter = NewRateLimiter(rl.RequestsPerMinute, rl.RequestsPerHour, rl.MaxRequestsPerDay, rl.MaxDataPerDay)
	}

	return s, nil
}

// Close releases server resources.
func (s *Server) Close() error {
	if eng := s.classifier.Engine(); eng != nil {
		return eng.Close()
	}
	return nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/model", s.corsMiddleware(s.modelHandler))
	mux.HandleFunc("/predict", s.corsMiddleware(s.rateLimitMiddleware(s.predictHandler)))
	mux.HandleFunc("/classify", s.corsMiddleware(s.rateLimitMiddleware(s.classifyHandler)))
	mux.HandleFunc("/ws/classify", s.rateLimitMiddleware(s.classifyWebSocketHandler))
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the complete HTTP handler with request IDs and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return requestIDMiddleware(mux)
}

func (s *Server) maxUploadBytes() int64 {
	return s.maxUploadMB * 1024 * 1024
}

// PruneRateLimits drops rate-limit state for clients idle longer than idle.
func (s *Server) PruneRateLimits(idle time.Duration) int {
	if s.rateLimiter == nil {
		return 0
	}
	return s.rateLimiter.Prune(idle)
}
