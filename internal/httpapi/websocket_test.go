package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay.example/messaging-relay/internal/wstest"
)

func TestServeWSRejectsUnauthorizedDevice(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	mux := http.NewServeMux()
	deps.handlers.Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn, _, err := wstest.DialDevice(server.URL, "unknown-device")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close code, got %d", closeErr.Code)
	}
}

func TestServeWSDeliversQueuedMessage(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	provisionActiveDevice(t, deps, "dev-1")
	provisionActiveDevice(t, deps, "dev-2")

	mux := http.NewServeMux()
	deps.handlers.Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	conn, _, err := wstest.DialDevice(server.URL, "dev-2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	createRR := httptest.NewRecorder()
	createReq := httptest.NewRequest(http.MethodPost, "/api/conversation/create", strings.NewReader(`{"participants":["dev-2"]}`))
	createReq.Header.Set(deviceIDHeader, "dev-1")
	deps.handlers.CreateConversationHandler().ServeHTTP(createRR, createReq)
	var created struct {
		ConversationID string `json:"conversation_id"`
	}
	decodeBody(t, createRR, &created)

	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	sendRR := httptest.NewRecorder()
	sendReq := httptest.NewRequest(http.MethodPost, "/api/message/send", strings.NewReader(
		`{"conversation_id":"`+created.ConversationID+`","payload":"`+payload+`"}`))
	sendReq.Header.Set(deviceIDHeader, "dev-1")
	deps.handlers.SendMessageHandler().ServeHTTP(sendRR, sendReq)

	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.ID == "" {
		t.Fatalf("expected a queued frame carrying a message id")
	}
}
