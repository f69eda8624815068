// Package httpapi implements the API Surface of spec §4.J: the HTTP and
// WebSocket endpoint table of §6, adapted from a HandlerSet shape (Options
// struct, narrow capability interfaces, writeJSON) onto the messaging
// relay's domain operations.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
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

const (
	deviceIDHeader     = "X-Device-ID"
	controllerKeyHeader = "X-Controller-Key"
)

// IdentityService is the subset of the Identity Registry the API surface needs.
type IdentityService interface {
	Register(id, publicKey, controller string) (identity.Record, error)
	Provision(id string) error
	Confirm(id string) error
	Revoke(id string) error
	Get(id string) (identity.Record, error)
	IsActive(id string) bool
	CanRead(id string) bool
	Exists(id string) bool
	Touch(id string)
}

// ConversationService is the subset of the Conversation Service the API
// surface needs.
type ConversationService interface {
	Create(ctx context.Context, caller string, participants []string, convID string) (conversation.CreateResult, error)
	Join(ctx context.Context, caller, convID string) (conversation.JoinResult, error)
	Leave(ctx context.Context, caller, convID string) (conversation.LeaveResult, error)
	Close(ctx context.Context, caller, convID string) (membership.Record, error)
	Info(ctx context.Context, caller, convID string) (membership.Record, error)
}

// RelayEngine is the subset of the Relay Core the API surface needs.
type RelayEngine interface {
	Relay(ctx context.Context, sender string, recipients []string, rawPayload, msgID, convID string, expiresAt time.Time) (relay.Message, error)
	Poll(deviceID, lastSeenID string) []relay.Message
	Ack(msgID, deviceID string) error
}

// DeliveryChannel is the subset of the Delivery Channel the API surface needs.
type DeliveryChannel interface {
	Connect(deviceID string, conn delivery.Conn)
	Disconnect(deviceID string)
	HandleInbound(deviceID string, raw []byte)
}

// AckEngine is the subset of the ACK & Retry Engine the API surface needs.
type AckEngine interface {
	TrackSend(msgID, deviceID string)
}

// RevocationPropagator is the subset of the Revocation Propagator the API
// surface needs.
type RevocationPropagator interface {
	Propagate(ctx context.Context, deviceID string) revocation.Result
}

// EventLogger is the subset of the Observability Pipeline the API surface needs.
type EventLogger interface {
	Log(eventType observability.EventType, classification string, data map[string]any) error
	RecordMetric(name string, delta int64)
}

// Authenticator validates controller API keys.
type Authenticator interface {
	Valid(candidate string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Identity       IdentityService
	Conversations  ConversationService
	Relay          RelayEngine
	Delivery       DeliveryChannel
	Ack            AckEngine
	Revocation     RevocationPropagator
	Events         EventLogger
	Controller     Authenticator
	DemoMode       bool
	FrontendOrigin string
	TimeSource     func() time.Time
	Upgrader       Upgrader
}

// HandlerSet bundles the messaging relay's HTTP and WebSocket handlers.
type HandlerSet struct {
	logger        *logging.Logger
	identity      IdentityService
	conversations ConversationService
	relay         RelayEngine
	delivery      DeliveryChannel
	ack           AckEngine
	revocation    RevocationPropagator
	events        EventLogger
	controller    Authenticator
	demoMode      bool
	now           func() time.Time
	upgrader      Upgrader

	controllerLimiter *slidingWindowLimiter
	logEventLimiter   *slidingWindowLimiter
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = newWebsocketUpgrader(opts.FrontendOrigin)
	}
	return &HandlerSet{
		logger:            logger,
		identity:          opts.Identity,
		conversations:     opts.Conversations,
		relay:             opts.Relay,
		delivery:          opts.Delivery,
		ack:               opts.Ack,
		revocation:        opts.Revocation,
		events:            opts.Events,
		controller:        opts.Controller,
		demoMode:          opts.DemoMode,
		now:               now,
		upgrader:          upgrader,
		controllerLimiter: newSlidingWindowLimiter(time.Minute, 60, now),
		logEventLimiter:   newSlidingWindowLimiter(time.Minute, 600, now),
	}
}

// Register attaches every endpoint of §6 to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/health", h.HealthHandler())

	mux.HandleFunc("/api/device/provision", h.ProvisionDeviceHandler())
	mux.HandleFunc("/api/device/provision/confirm", h.ConfirmProvisioningHandler())
	mux.HandleFunc("/api/device/revoke", h.RevokeDeviceHandler())

	mux.HandleFunc("/api/conversation/create", h.CreateConversationHandler())
	mux.HandleFunc("/api/conversation/join", h.JoinConversationHandler())
	mux.HandleFunc("/api/conversation/leave", h.LeaveConversationHandler())
	mux.HandleFunc("/api/conversation/close", h.CloseConversationHandler())
	mux.HandleFunc("/api/conversation/info", h.ConversationInfoHandler())

	mux.HandleFunc("/api/message/send", h.SendMessageHandler())
	mux.HandleFunc("/api/message/receive", h.ReceiveMessageHandler())

	mux.HandleFunc("/api/log/event", h.LogEventHandler())

	mux.HandleFunc("/ws/messages", h.ServeWS())
}

// HealthHandler implements the public health check.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "healthy"})
	}
}

func (h *HandlerSet) authoriseController(r *http.Request) bool {
	key := strings.TrimSpace(r.Header.Get(controllerKeyHeader))
	if key == "" || h.controller == nil {
		return false
	}
	return h.controller.Valid(key)
}

func deviceIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(deviceIDHeader))
}

// deviceState maps identity.State onto the authorization gate's
// state vocabulary.
func deviceState(s identity.State) authz.DeviceState {
	switch s {
	case identity.StatePending:
		return authz.DevicePending
	case identity.StateProvisioned:
		return authz.DeviceProvisioned
	case identity.StateActive:
		return authz.DeviceActive
	case identity.StateRevoked:
		return authz.DeviceRevoked
	default:
		return authz.DeviceUnknown
	}
}

// authoriseDevice resolves the caller's identity record and evaluates the
// authorization gate for op, accounting for the demo activity window
// separately from the device's persisted state.
func (h *HandlerSet) authoriseDevice(deviceID string, op authz.Operation) (identity.Record, authz.Decision) {
	record, err := h.identity.Get(deviceID)
	if err != nil {
		return identity.Record{}, authz.Check(authz.DeviceUnknown, false, op)
	}
	state := deviceState(record.State)
	demoActive := state != authz.DeviceActive && h.identity.IsActive(deviceID)
	return record, authz.Check(state, demoActive, op)
}

// ProvisionDeviceHandler implements POST /api/device/provision.
func (h *HandlerSet) ProvisionDeviceHandler() http.HandlerFunc {
	type request struct {
		DeviceID  string `json:"device_id"`
		PublicKey string `json:"public_key"`
	}
	type response struct {
		Status   string `json:"status"`
		DeviceID string `json:"device_id"`
		State    string `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authoriseController(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
			return
		}
		if !h.controllerLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, "Invalid request")
			return
		}
		if strings.TrimSpace(req.DeviceID) == "" {
			writeError(w, http.StatusBadRequest, codeDeviceIDRequired, "device_id is required")
			return
		}
		record, err := h.identity.Register(req.DeviceID, req.PublicKey, "controller")
		if err != nil {
			if errors.Is(err, identity.ErrAlreadyExists) {
				writeError(w, http.StatusConflict, codeDeviceAlreadyExists, "Device already registered")
				return
			}
			writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			return
		}
		_ = h.events.Log(observability.EventDeviceProvisioned, "Internal", map[string]any{
			"device_id": record.ID,
		})
		writeJSON(w, http.StatusOK, response{Status: "provisioned", DeviceID: record.ID, State: string(record.State)})
	}
}

// ConfirmProvisioningHandler implements POST /api/device/provision/confirm.
//
// Pending -> Provisioned is the transition reported back to the
// controller, matching the external response contract; Provisioned ->
// Active is chained internally immediately afterward so the device
// becomes usable without a third controller round trip. A device that is
// already Provisioned skips the first step and goes straight to Confirm.
func (h *HandlerSet) ConfirmProvisioningHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id"`
	}
	type response struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authoriseController(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
			writeError(w, http.StatusBadRequest, codeDeviceIDRequired, "device_id is required")
			return
		}
		if err := h.identity.Provision(req.DeviceID); err != nil {
			alreadyProvisioned := false
			if errors.Is(err, identity.ErrBadState) {
				if rec, getErr := h.identity.Get(req.DeviceID); getErr == nil && rec.State == identity.StateProvisioned {
					alreadyProvisioned = true
				}
			}
			if !alreadyProvisioned {
				switch {
				case errors.Is(err, identity.ErrNotFound):
					writeError(w, http.StatusNotFound, codeDeviceNotFound, "Device not found")
				case errors.Is(err, identity.ErrBadState):
					writeError(w, http.StatusConflict, codeInvalidState, "Device not in pending or provisioned state")
				default:
					writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
				}
				return
			}
		}
		if err := h.identity.Confirm(req.DeviceID); err != nil {
			h.logger.Warn("device activation failed after provisioning confirm",
				logging.DeviceID(req.DeviceID), logging.Error(err))
		}
		writeJSON(w, http.StatusOK, response{Status: "confirmed", State: string(identity.StateProvisioned)})
	}
}

// RevokeDeviceHandler implements POST /api/device/revoke.
func (h *HandlerSet) RevokeDeviceHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id"`
	}
	type response struct {
		Status                string `json:"status"`
		AffectedConversations int    `json:"affected_conversations"`
		ConversationsClosed   int    `json:"conversations_closed"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authoriseController(r) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.DeviceID) == "" {
			writeError(w, http.StatusBadRequest, codeDeviceIDRequired, "device_id is required")
			return
		}
		err := h.identity.Revoke(req.DeviceID)
		if err != nil && !errors.Is(err, identity.ErrAlreadyRevoked) {
			if errors.Is(err, identity.ErrNotFound) {
				writeError(w, http.StatusNotFound, codeDeviceNotFound, "Device not found")
				return
			}
			writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			return
		}
		//1.- Revocation MUST complete before the response is returned (§4.A, §4.H).
		result := h.revocation.Propagate(r.Context(), req.DeviceID)
		writeJSON(w, http.StatusOK, response{
			Status:                "revoked",
			AffectedConversations: result.AffectedConversations,
			ConversationsClosed:   result.ConversationsClosed,
		})
	}
}

// CreateConversationHandler implements POST /api/conversation/create.
func (h *HandlerSet) CreateConversationHandler() http.HandlerFunc {
	type request struct {
		Participants []string `json:"participants"`
	}
	type response struct {
		ConversationID string   `json:"conversation_id"`
		Participants   []string `json:"participants"`
		Status         string   `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		if _, decision := h.authoriseDevice(deviceID, authz.OpCreateConversation); !decision.Allowed {
			writeError(w, decision.HTTPStatus, decision.ReasonCode, "Forbidden")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, "Invalid request")
			return
		}
		if len(req.Participants) == 0 {
			writeError(w, http.StatusBadRequest, codeParticipantsRequired, "participants must not be empty")
			return
		}
		result, err := h.conversations.Create(r.Context(), deviceID, req.Participants, "")
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrEmptyParticipants):
				writeError(w, http.StatusBadRequest, codeParticipantsRequired, "participants must not be empty")
			case errors.Is(err, conversation.ErrTooManyParticipants):
				writeError(w, http.StatusBadRequest, codeTooManyParticipants, "too many participants")
			case errors.Is(err, conversation.ErrParticipantsNotProvisioned):
				writeError(w, http.StatusForbidden, codeDeviceNotActive, "all participants must be provisioned")
			case errors.Is(err, conversation.ErrConversationNotActive):
				writeError(w, http.StatusBadRequest, codeConversationNotActive, "conversation exists but is not active")
			default:
				writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			}
			return
		}
		writeJSON(w, http.StatusOK, response{
			ConversationID: result.Record.ConversationID,
			Participants:   result.Record.Participants,
			Status:         "success",
		})
	}
}

// JoinConversationHandler implements POST /api/conversation/join.
func (h *HandlerSet) JoinConversationHandler() http.HandlerFunc {
	type response struct {
		ConversationID string   `json:"conversation_id"`
		Participants   []string `json:"participants"`
		AutoCreated    bool     `json:"auto_created,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		if _, decision := h.authoriseDevice(deviceID, authz.OpJoinConversation); !decision.Allowed {
			writeError(w, decision.HTTPStatus, decision.ReasonCode, "Forbidden")
			return
		}
		convID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
		if convID == "" {
			writeError(w, http.StatusBadRequest, codeConversationIDRequired, "conversation_id is required")
			return
		}
		result, err := h.conversations.Join(r.Context(), deviceID, convID)
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrConversationNotFound):
				writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
			case errors.Is(err, conversation.ErrConversationNotActive):
				writeError(w, http.StatusBadRequest, codeConversationNotActive, "conversation is not active")
			case errors.Is(err, conversation.ErrParticipantsNotProvisioned):
				writeError(w, http.StatusForbidden, codeDeviceNotActive, "device is not active")
			default:
				writeError(w, http.StatusForbidden, codeNotParticipant, "join rejected")
			}
			return
		}
		writeJSON(w, http.StatusOK, response{
			ConversationID: result.Record.ConversationID,
			Participants:   result.Record.Participants,
			AutoCreated:    result.AutoCreated,
		})
	}
}

// LeaveConversationHandler implements POST /api/conversation/leave.
func (h *HandlerSet) LeaveConversationHandler() http.HandlerFunc {
	type response struct {
		ConversationID     string `json:"conversation_id"`
		ConversationClosed bool   `json:"conversation_closed,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		convID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
		if convID == "" {
			writeError(w, http.StatusBadRequest, codeConversationIDRequired, "conversation_id is required")
			return
		}
		result, err := h.conversations.Leave(r.Context(), deviceID, convID)
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrConversationNotFound):
				writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
			case errors.Is(err, conversation.ErrNotParticipant):
				writeError(w, http.StatusForbidden, codeNotParticipant, "caller is not a participant")
			default:
				writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			}
			return
		}
		writeJSON(w, http.StatusOK, response{ConversationID: convID, ConversationClosed: result.Closed})
	}
}

// CloseConversationHandler implements POST /api/conversation/close.
func (h *HandlerSet) CloseConversationHandler() http.HandlerFunc {
	type response struct {
		ConversationID string `json:"conversation_id"`
		State          string `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		convID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
		if convID == "" {
			writeError(w, http.StatusBadRequest, codeConversationIDRequired, "conversation_id is required")
			return
		}
		record, err := h.conversations.Close(r.Context(), deviceID, convID)
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrConversationNotFound):
				writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
			case errors.Is(err, conversation.ErrNotParticipant):
				writeError(w, http.StatusForbidden, codeNotParticipant, "caller is not a participant")
			default:
				writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			}
			return
		}
		writeJSON(w, http.StatusOK, response{ConversationID: record.ConversationID, State: string(record.State)})
	}
}

// ConversationInfoHandler implements GET /api/conversation/info.
func (h *HandlerSet) ConversationInfoHandler() http.HandlerFunc {
	type response struct {
		ConversationID string   `json:"conversation_id"`
		Participants   []string `json:"participants"`
		State          string   `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		if _, decision := h.authoriseDevice(deviceID, authz.OpReadConversation); !decision.Allowed {
			writeError(w, decision.HTTPStatus, decision.ReasonCode, "Forbidden")
			return
		}
		convID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
		if convID == "" {
			writeError(w, http.StatusBadRequest, codeConversationIDRequired, "conversation_id is required")
			return
		}
		record, err := h.conversations.Info(r.Context(), deviceID, convID)
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrConversationNotFound):
				writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
			case errors.Is(err, conversation.ErrNotAllowed):
				writeError(w, http.StatusForbidden, codeNotParticipant, "not allowed")
			default:
				writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			}
			return
		}
		writeJSON(w, http.StatusOK, response{
			ConversationID: record.ConversationID,
			Participants:   record.Participants,
			State:          string(record.State),
		})
	}
}

// SendMessageHandler implements POST /api/message/send.
func (h *HandlerSet) SendMessageHandler() http.HandlerFunc {
	type request struct {
		ConversationID string `json:"conversation_id"`
		Payload        string `json:"payload"`
		Expiration     string `json:"expiration,omitempty"`
	}
	type response struct {
		MessageID string `json:"message_id"`
		Timestamp string `json:"timestamp"`
		Status    string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sender := deviceIDFromRequest(r)
		if sender == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		if _, decision := h.authoriseDevice(sender, authz.OpSendMessage); !decision.Allowed {
			writeError(w, decision.HTTPStatus, decision.ReasonCode, "Messaging Disabled")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, "Invalid request")
			return
		}
		convID := strings.TrimSpace(req.ConversationID)
		if convID == "" {
			writeError(w, http.StatusBadRequest, codeConversationIDRequired, "conversation_id is required")
			return
		}
		if req.Payload == "" {
			writeError(w, http.StatusBadRequest, codePayloadRequired, "payload is required")
			return
		}
		// Hex, the widest accepted encoding, doubles the byte count; the
		// Relay Core enforces the exact limit on the decoded bytes.
		if int64(len(req.Payload)) > 2*config.MaxPayloadBytes {
			writeError(w, http.StatusBadRequest, codePayloadSizeExceeded, "payload exceeds the maximum size")
			return
		}

		record, err := h.conversations.Info(r.Context(), sender, convID)
		if err != nil {
			switch {
			case errors.Is(err, conversation.ErrConversationNotFound):
				writeError(w, http.StatusNotFound, codeConversationNotFound, "Conversation not found")
			case errors.Is(err, conversation.ErrNotAllowed):
				writeError(w, http.StatusForbidden, codeSenderNotParticipant, "sender is not a participant")
			default:
				writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			}
			return
		}
		if record.State != membership.StateActive {
			writeError(w, http.StatusBadRequest, codeConversationNotActive, "conversation is not active")
			return
		}
		recipients := make([]string, 0, len(record.Participants))
		for _, p := range record.Participants {
			if p != sender {
				recipients = append(recipients, p)
			}
		}
		if len(recipients) == 0 {
			writeError(w, http.StatusBadRequest, codeNoRecipientsAvailable, "no recipients available")
			return
		}

		expiresAt := h.now().Add(config.DefaultMessageTTL)
		if strings.TrimSpace(req.Expiration) != "" {
			parsed, err := time.Parse(time.RFC3339, req.Expiration)
			if err != nil {
				writeError(w, http.StatusBadRequest, codeExpirationInvalidFormat, "expiration must be RFC3339")
				return
			}
			if !parsed.After(h.now()) {
				writeError(w, http.StatusBadRequest, codeExpirationNotFuture, "expiration must be in the future")
				return
			}
			expiresAt = parsed
		}

		msg, err := h.relay.Relay(r.Context(), sender, recipients, req.Payload, "", convID, expiresAt)
		if err != nil {
			var rejectErr *relay.RejectError
			if errors.As(err, &rejectErr) {
				writeRelayRejection(w, rejectErr.Reason)
				return
			}
			writeError(w, http.StatusInternalServerError, codeBackendFailure, "Backend failure")
			return
		}

		for _, recipient := range recipients {
			h.ack.TrackSend(msg.ID, recipient)
		}
		_ = h.events.Log(observability.EventMessageAttempted, "Internal", map[string]any{
			"conversation_id": convID,
			"recipient_count": len(recipients),
		})

		writeJSON(w, http.StatusAccepted, response{
			MessageID: msg.ID,
			Timestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
			Status:    "queued",
		})
	}
}

func writeRelayRejection(w http.ResponseWriter, reason relay.RejectReason) {
	switch reason {
	case relay.ReasonSenderNotActive:
		writeError(w, http.StatusUnauthorized, codeDeviceNotActive, "Messaging Disabled")
	case relay.ReasonAlreadyExpired:
		writeError(w, http.StatusBadRequest, codeExpirationNotFuture, "expiration must be in the future")
	case relay.ReasonTooManyRecipients:
		writeError(w, http.StatusBadRequest, codeTooManyParticipants, "too many recipients")
	case relay.ReasonRecipientNotActive:
		writeError(w, http.StatusBadRequest, codeNoRecipientsAvailable, "no recipients available")
	case relay.ReasonPayloadTooLarge:
		writeError(w, http.StatusBadRequest, codePayloadSizeExceeded, "payload exceeds the maximum size")
	case relay.ReasonPayloadPlaintextRejected:
		writeError(w, http.StatusBadRequest, codePayloadPlaintextRejected, "payload must be encoded ciphertext")
	default:
		writeError(w, http.StatusBadRequest, codeInvalidPayload, "message rejected")
	}
}

// ReceiveMessageHandler implements GET /api/message/receive.
func (h *HandlerSet) ReceiveMessageHandler() http.HandlerFunc {
	type wireMessage struct {
		MessageID      string `json:"message_id"`
		Payload        string `json:"payload"`
		SenderID       string `json:"sender_id"`
		Expiration     int64  `json:"expiration"`
		ConversationID string `json:"conversation_id"`
	}
	type response struct {
		Messages []wireMessage `json:"messages"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		if _, decision := h.authoriseDevice(deviceID, authz.OpSendMessage); !decision.Allowed {
			writeError(w, decision.HTTPStatus, decision.ReasonCode, "Forbidden")
			return
		}
		lastSeen := strings.TrimSpace(r.URL.Query().Get("last_received_id"))
		messages := h.relay.Poll(deviceID, lastSeen)
		out := make([]wireMessage, 0, len(messages))
		for _, m := range messages {
			out = append(out, wireMessage{
				MessageID:      m.ID,
				Payload:        m.PayloadHex,
				SenderID:       m.SenderID,
				Expiration:     m.ExpiresAt.Unix(),
				ConversationID: m.ConversationID,
			})
		}
		writeJSON(w, http.StatusOK, response{Messages: out})
	}
}

// LogEventHandler implements POST /api/log/event.
func (h *HandlerSet) LogEventHandler() http.HandlerFunc {
	type request struct {
		EventType string         `json:"event_type"`
		EventData map[string]any `json:"event_data,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deviceID := deviceIDFromRequest(r)
		if deviceID == "" {
			writeError(w, http.StatusUnauthorized, codeDeviceUnknown, "X-Device-ID is required")
			return
		}
		if !h.logEventLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPayload, "Invalid request")
			return
		}
		if err := h.events.Log(observability.EventType(req.EventType), "Internal", req.EventData); err != nil {
			var schemaErr *observability.SchemaViolationError
			if errors.As(err, &schemaErr) {
				writeError(w, http.StatusBadRequest, codeContentNotAllowed, "event data is not permitted")
				return
			}
			writeError(w, http.StatusBadRequest, codeUnknownEventType, "unknown event type")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{Status: "logged"})
	}
}
