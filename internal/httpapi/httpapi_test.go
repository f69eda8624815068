package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay.example/messaging-relay/internal/authz"
	"relay.example/messaging-relay/internal/config"
	"relay.example/messaging-relay/internal/conversation"
	"relay.example/messaging-relay/internal/delivery"
	"relay.example/messaging-relay/internal/identity"
	"relay.example/messaging-relay/internal/logging"
	"relay.example/messaging-relay/internal/membership"
	"relay.example/messaging-relay/internal/observability"
	"relay.example/messaging-relay/internal/relay"
	"relay.example/messaging-relay/internal/revocation"
)

const controllerKey = "test-controller-key"

type stubAckHandler struct{}

func (stubAckHandler) Ack(msgID, deviceID string) error { return nil }

type testDeps struct {
	handlers *HandlerSet
	identity *identity.Registry
	events   *observability.Pipeline
}

func newTestHandlerSet(t *testing.T, now time.Time) testDeps {
	t.Helper()
	clock := now
	timeSource := func() time.Time { return clock }

	reg := identity.New(identity.WithClock(clockFunc(func() time.Time { return clock })))
	store := membership.NewMemoryStore(config.DefaultConversationTTLSeconds * time.Second)
	convSvc := conversation.New(store, reg)

	delivery := delivery.New(stubAckHandler{}, logging.NewTestLogger())
	relayCore, err := relay.New(reg, delivery, config.EncryptionModeClient, "", relay.WithClock(timeSource))
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	revoker := revocation.New(store, logging.NewTestLogger())
	events := observability.New(logging.NewTestLogger(), observability.WithClock(timeSource))
	controller := authz.NewAuthenticator([]string{controllerKey})

	handlers := NewHandlerSet(Options{
		Logger:        logging.NewTestLogger(),
		Identity:      reg,
		Conversations: convSvc,
		Relay:         relayCore,
		Delivery:      delivery,
		Ack:           noopAckEngine{},
		Revocation:    revoker,
		Events:        events,
		Controller:    controller,
		TimeSource:    timeSource,
	})
	return testDeps{handlers: handlers, identity: reg, events: events}
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

type noopAckEngine struct{}

func (noopAckEngine) TrackSend(msgID, deviceID string) {}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response body %q: %v", rr.Body.String(), err)
	}
}

func provisionActiveDevice(t *testing.T, deps testDeps, deviceID string) {
	t.Helper()
	if _, err := deps.identity.Register(deviceID, "pubkey", "controller"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := deps.identity.Provision(deviceID); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := deps.identity.Confirm(deviceID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
}

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	deps.handlers.HealthHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, rr, &body)
	if body.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", body.Status)
	}
}

func TestProvisionDeviceHandlerRejectsMissingControllerKey(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/device/provision", strings.NewReader(`{"device_id":"dev-1"}`))

	deps.handlers.ProvisionDeviceHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body errorBody
	decodeBody(t, rr, &body)
	if body.ErrorCode != codeUnauthorized {
		t.Fatalf("expected %q, got %q", codeUnauthorized, body.ErrorCode)
	}
	if body.RequestID == "" {
		t.Fatalf("expected a request_id")
	}
}

func TestProvisionDeviceHandlerSuccess(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/device/provision", strings.NewReader(`{"device_id":"dev-1","public_key":"pk"}`))
	req.Header.Set(controllerKeyHeader, controllerKey)

	deps.handlers.ProvisionDeviceHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Status   string `json:"status"`
		DeviceID string `json:"device_id"`
		State    string `json:"state"`
	}
	decodeBody(t, rr, &body)
	if body.State != string(identity.StatePending) {
		t.Fatalf("expected pending, got %q", body.State)
	}
}

func TestConfirmProvisioningChainsActivation(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	if _, err := deps.identity.Register("dev-1", "pk", "controller"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := deps.identity.Provision("dev-1"); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/device/provision/confirm", strings.NewReader(`{"device_id":"dev-1"}`))
	req.Header.Set(controllerKeyHeader, controllerKey)

	deps.handlers.ConfirmProvisioningHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		State string `json:"state"`
	}
	decodeBody(t, rr, &body)
	if body.State != string(identity.StateProvisioned) {
		t.Fatalf("expected the response to report provisioned, got %q", body.State)
	}
	record, err := deps.identity.Get("dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.State != identity.StateActive {
		t.Fatalf("expected device to be chained to active, got %q", record.State)
	}
}

func TestCreateConversationRequiresActiveDevice(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversation/create", strings.NewReader(`{"participants":["dev-2"]}`))
	req.Header.Set(deviceIDHeader, "dev-1")

	deps.handlers.CreateConversationHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateConversationSuccess(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	provisionActiveDevice(t, deps, "dev-1")
	provisionActiveDevice(t, deps, "dev-2")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversation/create", strings.NewReader(`{"participants":["dev-2"]}`))
	req.Header.Set(deviceIDHeader, "dev-1")

	deps.handlers.CreateConversationHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		ConversationID string   `json:"conversation_id"`
		Participants   []string `json:"participants"`
	}
	decodeBody(t, rr, &body)
	if body.ConversationID == "" {
		t.Fatalf("expected a conversation_id")
	}
	if len(body.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(body.Participants))
	}
}

func TestSendMessageHandlerHappyPath(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	provisionActiveDevice(t, deps, "dev-1")
	provisionActiveDevice(t, deps, "dev-2")

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

	if sendRR.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", sendRR.Code, sendRR.Body.String())
	}
	var sent struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	decodeBody(t, sendRR, &sent)
	if sent.MessageID == "" {
		t.Fatalf("expected a message_id")
	}

	recvRR := httptest.NewRecorder()
	recvReq := httptest.NewRequest(http.MethodGet, "/api/message/receive", nil)
	recvReq.Header.Set(deviceIDHeader, "dev-2")
	deps.handlers.ReceiveMessageHandler().ServeHTTP(recvRR, recvReq)

	var received struct {
		Messages []struct {
			MessageID string `json:"message_id"`
		} `json:"messages"`
	}
	decodeBody(t, recvRR, &received)
	if len(received.Messages) != 1 || received.Messages[0].MessageID != sent.MessageID {
		t.Fatalf("expected recipient to receive the queued message, got %+v", received)
	}
}

func TestSendMessageHandlerRejectsOversizedPayload(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	provisionActiveDevice(t, deps, "dev-1")
	provisionActiveDevice(t, deps, "dev-2")

	createRR := httptest.NewRecorder()
	createReq := httptest.NewRequest(http.MethodPost, "/api/conversation/create", strings.NewReader(`{"participants":["dev-2"]}`))
	createReq.Header.Set(deviceIDHeader, "dev-1")
	deps.handlers.CreateConversationHandler().ServeHTTP(createRR, createReq)
	var created struct {
		ConversationID string `json:"conversation_id"`
	}
	decodeBody(t, createRR, &created)

	oversized := strings.Repeat("a", int(config.MaxPayloadBytes)+1)
	payload := base64.StdEncoding.EncodeToString([]byte(oversized))
	sendRR := httptest.NewRecorder()
	sendReq := httptest.NewRequest(http.MethodPost, "/api/message/send", strings.NewReader(
		`{"conversation_id":"`+created.ConversationID+`","payload":"`+payload+`"}`))
	sendReq.Header.Set(deviceIDHeader, "dev-1")

	deps.handlers.SendMessageHandler().ServeHTTP(sendRR, sendReq)

	if sendRR.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", sendRR.Code, sendRR.Body.String())
	}
	var body errorBody
	decodeBody(t, sendRR, &body)
	if body.ErrorCode != codePayloadSizeExceeded {
		t.Fatalf("expected %q, got %q", codePayloadSizeExceeded, body.ErrorCode)
	}
}

func TestLogEventHandlerRejectsContentBearingKey(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	provisionActiveDevice(t, deps, "dev-1")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/log/event", strings.NewReader(
		`{"event_type":"message_attempted","event_data":{"plaintext_content":"hi"}}`))
	req.Header.Set(deviceIDHeader, "dev-1")

	deps.handlers.LogEventHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var body errorBody
	decodeBody(t, rr, &body)
	if body.ErrorCode != codeContentNotAllowed {
		t.Fatalf("expected %q, got %q", codeContentNotAllowed, body.ErrorCode)
	}
}

func TestRevokeDeviceHandlerPropagatesRevocation(t *testing.T) {
	deps := newTestHandlerSet(t, time.Now())
	provisionActiveDevice(t, deps, "dev-1")
	provisionActiveDevice(t, deps, "dev-2")

	createRR := httptest.NewRecorder()
	createReq := httptest.NewRequest(http.MethodPost, "/api/conversation/create", strings.NewReader(`{"participants":["dev-2"]}`))
	createReq.Header.Set(deviceIDHeader, "dev-1")
	deps.handlers.CreateConversationHandler().ServeHTTP(createRR, createReq)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/device/revoke", strings.NewReader(`{"device_id":"dev-1"}`))
	req.Header.Set(controllerKeyHeader, controllerKey)

	deps.handlers.RevokeDeviceHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		AffectedConversations int `json:"affected_conversations"`
	}
	decodeBody(t, rr, &body)
	if body.AffectedConversations != 1 {
		t.Fatalf("expected 1 affected conversation, got %d", body.AffectedConversations)
	}
	record, err := deps.identity.Get("dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.State != identity.StateRevoked {
		t.Fatalf("expected dev-1 to be revoked, got %q", record.State)
	}
}
