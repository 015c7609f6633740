package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, s *Server, header http.Header) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/classify"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) WebSocketClassifyResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)

	var resp WebSocketClassifyResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestWebSocketRoundTrip(t *testing.T) {
	eng := testutil.NewFakeEngine(0.1, 0.7, 0.2)
	conn := dialTestServer(t, newTestServer(t, eng), nil)

	t.Run("binary image", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, testutil.RedPNG(t)))

		resp := readResponse(t, conn)
		assert.Equal(t, wsResponseType, resp.Type)
		assert.Equal(t, "completed", resp.Status)
		require.NotNil(t, resp.Result)
		assert.Equal(t, []string{"goldfish", "great white shark", "tench"}, resp.Result.Classes)
		assert.NotEmpty(t, resp.RequestID)
		assert.Equal(t, resp.RequestID, resp.Result.RequestID)
	})

	t.Run("json with top", func(t *testing.T) {
		msg, err := json.Marshal(WebSocketClassifyRequest{
			Type:  "classify",
			Image: base64.StdEncoding.EncodeToString(testutil.RedPNG(t)),
			Top:   1,
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

		resp := readResponse(t, conn)
		require.Equal(t, "completed", resp.Status, resp.Error)
		assert.Equal(t, []string{"goldfish"}, resp.Result.Classes)
	})

	t.Run("error keeps connection open", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("garbage")))
		resp := readResponse(t, conn)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, kindDecode, resp.ErrorType)

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, testutil.RedPNG(t)))
		assert.Equal(t, "completed", readResponse(t, conn).Status)
	})

	assert.Equal(t, 3, eng.Calls())
}

func TestWebSocketOriginCheck(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/classify"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://localhost:8080"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestHandleWebSocketMessageErrors(t *testing.T) {
	tests := []struct {
		name        string
		messageType int
		data        string
		wantKind    string
	}{
		{"bad json", websocket.TextMessage, "{", kindInvalidRequest},
		{"unknown type", websocket.TextMessage, `{"type":"detect","image":"AA=="}`, kindInvalidRequest},
		{"missing image", websocket.TextMessage, `{"type":"classify"}`, kindInvalidRequest},
		{"bad base64", websocket.TextMessage, `{"image":"***"}`, kindInvalidRequest},
		{"negative top", websocket.TextMessage, `{"image":"AA==","top":-1}`, kindInvalidRequest},
		{"empty binary", websocket.BinaryMessage, "", kindInvalidRequest},
		{"undecodable", websocket.BinaryMessage, "nope", kindDecode},
	}
	s := newTestServer(t, testutil.NewFakeEngine(1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &mockWebSocketConn{}
			s.handleWebSocketMessage(conn, "192.0.2.1", tt.messageType, []byte(tt.data))

			resp := conn.last(t)
			assert.Equal(t, "error", resp.Type)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.wantKind, resp.ErrorType)
			assert.NotEmpty(t, resp.Error)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestHandleWebSocketMessageTooLarge(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1), withMaxUploadMB(1))
	conn := &mockWebSocketConn{}
	s.handleWebSocketMessage(conn, "192.0.2.1", websocket.BinaryMessage, make([]byte, 1024*1024+1))
	assert.Equal(t, kindTooLarge, conn.last(t).ErrorType)
}

func TestHandleWebSocketMessageInferenceError(t *testing.T) {
	s := newTestServer(t, &testutil.FakeEngine{Err: errors.New("boom")})
	conn := &mockWebSocketConn{}
	s.handleWebSocketMessage(conn, "192.0.2.1", websocket.BinaryMessage, testutil.RedPNG(t))
	assert.Equal(t, kindInference, conn.last(t).ErrorType)
}

func TestSendWebSocketResponseWriteFailure(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1))
	conn := &mockWebSocketConn{err: errors.New("closed")}
	s.sendWebSocketResponse(conn, WebSocketClassifyResponse{Type: wsResponseType, Status: "completed"})
	assert.Empty(t, conn.messages)
}

func TestHandleWebSocketMessageNonFiniteScore(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(0.1, float32(math.NaN())))
	conn := &mockWebSocketConn{}
	s.handleWebSocketMessage(conn, "192.0.2.1", websocket.BinaryMessage, testutil.RedPNG(t))

	resp := conn.last(t)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, kindInference, resp.ErrorType)
}

func TestSendWebSocketResponseUnencodable(t *testing.T) {
	s := newTestServer(t, testutil.NewFakeEngine(1))
	conn := &mockWebSocketConn{}
	result := ClassifyResponse{
		Classes:     []string{"tench"},
		Predictions: []classify.LabeledPrediction{{Index: 0, Score: float32(math.Inf(1)), Label: "tench"}},
	}
	s.sendWebSocketResponse(conn, WebSocketClassifyResponse{
		Type:      wsResponseType,
		Status:    "completed",
		Result:    &result,
		RequestID: "req-1",
	})

	resp := conn.last(t)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, kindInternal, resp.ErrorType)
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestWebSocketMessagesChargeQuota(t *testing.T) {
	img := testutil.RedPNG(t)
	s := newTestServer(t, testutil.NewFakeEngine(0.3, 0.7),
		withRateLimit(RateLimitConfig{Enabled: true, MaxDataPerDay: int64(len(img)) + 10}))

	conn := &mockWebSocketConn{}
	s.handleWebSocketMessage(conn, "198.51.100.7", websocket.BinaryMessage, img)
	require.Equal(t, "completed", conn.last(t).Status)

	s.handleWebSocketMessage(conn, "198.51.100.7", websocket.BinaryMessage, img)
	assert.Equal(t, kindRateLimited, conn.last(t).ErrorType)

	usage := s.rateLimiter.Usage("198.51.100.7")
	assert.Equal(t, 1, usage.RequestsToday)
	assert.Equal(t, int64(len(img)), usage.DataToday)
}
