package support

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/preprocess"
	"github.com/MeKo-Tech/imgclass/internal/server"
	"github.com/MeKo-Tech/imgclass/internal/testutil"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	// Server configuration collected by Given steps
	Scores      []float32
	Labels      map[int]string
	MaxUploadMB int64
	ClassifyOpt classify.Options
	EngineErr   error

	Engine     *testutil.FakeEngine
	HTTPServer *httptest.Server

	// HTTP response state
	LastStatus  int
	LastBody    []byte
	LastHeaders http.Header
	LastJSON    map[string]interface{}
}

// NewTestContext returns a context with service defaults.
func NewTestContext() *TestContext {
	return &TestContext{
		Labels:      map[int]string{},
		MaxUploadMB: 5,
		ClassifyOpt: classify.DefaultOptions(),
	}
}

// StartServer builds the real preprocessing and classification stack over a
// fake engine and serves it with httptest.
func (tc *TestContext) StartServer() error {
	if tc.HTTPServer != nil {
		return nil
	}

	tc.Engine = testutil.NewFakeEngine(tc.Scores...)
	tc.Engine.Err = tc.EngineErr

	pre, err := preprocess.New(preprocess.DefaultOptions())
	if err != nil {
		return err
	}
	var table *classify.Table
	if len(tc.Labels) > 0 {
		table = classify.NewTable(tc.Labels)
	}
	c, err := classify.New(pre, tc.Engine, table, tc.ClassifyOpt)
	if err != nil {
		return err
	}
	srv, err := server.NewServer(server.Config{
		CORSOrigin:  "http://localhost:8080",
		MaxUploadMB: tc.MaxUploadMB,
		TimeoutSec:  10,
		Preprocess:  preprocess.DefaultOptions(),
	}, c)
	if err != nil {
		return err
	}

	tc.HTTPServer = httptest.NewServer(srv.Handler())
	return nil
}

// Cleanup stops the server.
func (tc *TestContext) Cleanup() {
	if tc.HTTPServer != nil {
		tc.HTTPServer.Close()
		tc.HTTPServer = nil
	}
}

// Do sends req and records the response.
func (tc *TestContext) Do(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	tc.LastStatus = resp.StatusCode
	tc.LastBody = body
	tc.LastHeaders = resp.Header
	tc.LastJSON = nil
	if len(body) > 0 && json.Valid(body) {
		var m map[string]interface{}
		if err := json.Unmarshal(body, &m); err == nil {
			tc.LastJSON = m
		}
	}
	return nil
}

// Upload posts data as a multipart file part named field.
func (tc *TestContext) Upload(path, field string, data []byte) error {
	if err := tc.StartServer(); err != nil {
		return err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, "upload.bin")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, tc.HTTPServer.URL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return tc.Do(req)
}

// EncodeImage encodes img as png, jpeg or gif.
func EncodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		return nil, fmt.Errorf("unknown image format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
