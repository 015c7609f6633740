package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/preprocess"
	"github.com/MeKo-Tech/imgclass/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testLabels = map[int]string{0: "tench", 1: "goldfish", 2: "great white shark"}

type testServerOption func(*Config, *classify.Options)

func withMaxUploadMB(mb int64) testServerOption {
	return func(c *Config, _ *classify.Options) { c.MaxUploadMB = mb }
}

func withRateLimit(rl RateLimitConfig) testServerOption {
	return func(c *Config, _ *classify.Options) { c.RateLimit = rl }
}

func withClassifyOptions(o classify.Options) testServerOption {
	return func(_ *Config, opts *classify.Options) { *opts = o }
}

// newTestServer builds a Server over a real preprocessor and classifier
// backed by eng.
func newTestServer(t *testing.T, eng *testutil.FakeEngine, opts ...testServerOption) *Server {
	t.Helper()

	cfg := Config{
		CORSOrigin:  "http://localhost:8080",
		MaxUploadMB: 5,
		TimeoutSec:  5,
		Preprocess:  preprocess.DefaultOptions(),
	}
	clsOpts := classify.DefaultOptions()
	for _, o := range opts {
		o(&cfg, &clsOpts)
	}

	pre, err := preprocess.New(cfg.Preprocess)
	require.NoError(t, err)
	c, err := classify.New(pre, eng, classify.NewTable(testLabels), clsOpts)
	require.NoError(t, err)
	s, err := NewServer(cfg, c)
	require.NoError(t, err)
	return s
}

// createMultipartFormRequest builds a POST with data in a file part named field.
func createMultipartFormRequest(t *testing.T, url, field, filename string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// mockWebSocketConn records written messages.
type mockWebSocketConn struct {
	mu       sync.Mutex
	messages [][]byte
	err      error
}

func (m *mockWebSocketConn) WriteMessage(_ int, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, append([]byte(nil), data...))
	return nil
}

func (m *mockWebSocketConn) last(t *testing.T) WebSocketClassifyResponse {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.messages)
	var resp WebSocketClassifyResponse
	require.NoError(t, json.Unmarshal(m.messages[len(m.messages)-1], &resp))
	return resp
}
