package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second

	wsResponseType = "classify_response"
)

// WebSocketClassifyRequest is the JSON form of a WebSocket request. Binary
// messages carry the raw image instead.
type WebSocketClassifyRequest struct {
	Type  string `json:"type"` // "classify"
	Image string `json:"image"`
	Top   int    `json:"top,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebSocketClassifyResponse is sent for every request message.
type WebSocketClassifyResponse struct {
	Type      string            `json:"type"`
	Status    string            `json:"status"` // "completed", "error"
	Result    *ClassifyResponse `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorType string            `json:"error_type,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// newUpgrader accepts same-origin clients, tools without an Origin header and
// the configured CORS origin.
func (s *Server) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "", s.corsOrigin == "*", origin == s.corsOrigin:
				return true
			case origin == "http://"+r.Host, origin == "https://"+r.Host:
				return true
			default:
				return false
			}
		},
	}
}

// classifyWebSocketHandler handles WebSocket connections for streaming classification.
func (s *Server) classifyWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.newUpgrader().Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	websocketConnections.Inc()
	defer websocketConnections.Dec()

	slog.Info("WebSocket connection established",
		"remote_addr", getClientIP(r),
		"request_id", requestIDFrom(r.Context()))

	s.handleWebSocketConnection(conn, getClientIP(r))
}

// handleWebSocketConnection processes messages until the client disconnects.
func (s *Server) handleWebSocketConnection(conn *websocket.Conn, clientID string) {
	// Base64 inflates text messages by a third.
	conn.SetReadLimit(s.maxUploadBytes()*4/3 + 1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		websocketMessagesTotal.WithLabelValues("received").Inc()
		s.handleWebSocketMessage(conn, clientID, messageType, data)
	}
}

// handleWebSocketMessage classifies one message and writes exactly one reply.
// Each message counts as one request against clientID's limits.
func (s *Server) handleWebSocketMessage(conn WebSocketConnWriter, clientID string, messageType int, data []byte) {
	requestID := uuid.NewString()
	image, top, err := decodeWebSocketRequest(messageType, data)
	if err != nil {
		s.sendWebSocketError(conn, requestID, err)
		return
	}
	if len(image) > int(s.maxUploadBytes()) {
		s.sendWebSocketError(conn, requestID, &http.MaxBytesError{Limit: s.maxUploadBytes()})
		return
	}
	if s.rateLimiter != nil {
		if err := s.rateLimiter.CheckRateLimit(clientID, int64(len(image))); err != nil {
			s.sendWebSocketError(conn, requestID, err)
			return
		}
	}

	ctx, cancel := s.requestContext(withRequestID(context.Background(), requestID))
	defer cancel()

	start := time.Now()
	res, err := s.classifier.Classify(ctx, image, top)
	inferenceDuration.WithLabelValues("websocket").Observe(time.Since(start).Seconds())
	if err != nil {
		classifyRequestsTotal.WithLabelValues("websocket", "error").Inc()
		s.sendWebSocketError(conn, requestID, err)
		return
	}

	classifyRequestsTotal.WithLabelValues("websocket", "success").Inc()
	uploadSizeBytes.Observe(float64(len(image)))

	result := newClassifyResponse(res, requestID)
	s.sendWebSocketResponse(conn, WebSocketClassifyResponse{
		Type:      wsResponseType,
		Status:    "completed",
		Result:    &result,
		RequestID: requestID,
	})
}

// decodeWebSocketRequest extracts the image and requested top-N from a message.
func decodeWebSocketRequest(messageType int, data []byte) ([]byte, int, error) {
	switch messageType {
	case websocket.BinaryMessage:
		if len(data) == 0 {
			return nil, 0, invalidRequest("No image data provided")
		}
		return data, 0, nil
	case websocket.TextMessage:
		var req WebSocketClassifyRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, 0, invalidRequest(fmt.Sprintf("Failed to parse request: %v", err))
		}
		if req.Type != "" && req.Type != "classify" {
			return nil, 0, invalidRequest("Unsupported request type: " + req.Type)
		}
		if req.Top < 0 {
			return nil, 0, invalidRequest(fmt.Sprintf("invalid top %d", req.Top))
		}
		if req.Image == "" {
			return nil, 0, invalidRequest("No image data provided")
		}
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, 0, invalidRequest("image is not valid base64: " + err.Error())
		}
		return image, req.Top, nil
	default:
		return nil, 0, invalidRequest(fmt.Sprintf("unsupported message type %d", messageType))
	}
}

// sendWebSocketResponse sends a response message over WebSocket.
func (s *Server) sendWebSocketResponse(conn WebSocketConnWriter, response WebSocketClassifyResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal WebSocket response", "request_id", response.RequestID, "error", err)
		errorsTotal.WithLabelValues(kindInternal).Inc()
		data, _ = json.Marshal(WebSocketClassifyResponse{
			Type:      "error",
			Status:    "error",
			Error:     "failed to encode response: " + err.Error(),
			ErrorType: kindInternal,
			RequestID: response.RequestID,
		})
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error("Failed to send WebSocket message", "error", err)
		return
	}

	websocketMessagesTotal.WithLabelValues("sent").Inc()
}

// sendWebSocketError sends an error message over WebSocket.
func (s *Server) sendWebSocketError(conn WebSocketConnWriter, requestID string, err error) {
	_, kind := errorKind(err)
	errorsTotal.WithLabelValues(kind).Inc()
	slog.Warn("WebSocket request failed", "request_id", requestID, "kind", kind, "error", err)

	s.sendWebSocketResponse(conn, WebSocketClassifyResponse{
		Type:      "error",
		Status:    "error",
		Error:     err.Error(),
		ErrorType: kind,
		RequestID: requestID,
	})
}
