package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// errorBody is the structured error response of §6: every client-rule
// violation carries a stable error_code alongside a neutral message and a
// request identifier for correlation in logs.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Canonical error_code values (§6).
const (
	codeConversationIDRequired   = "conversation_id_required"
	codePayloadRequired          = "payload_required"
	codePayloadNotString         = "payload_not_string"
	codePayloadEncodingInvalid   = "payload_encoding_invalid"
	codePayloadPlaintextRejected = "payload_plaintext_rejected"
	codePayloadSizeExceeded      = "payload_size_exceeded"
	codeConversationNotActive    = "conversation_not_active"
	codeConversationNotFound     = "conversation_not_found"
	codeNoRecipientsAvailable    = "no_recipients_available"
	codeExpirationInvalidFormat  = "expiration_invalid_format"
	codeExpirationNotFuture      = "expiration_not_future"
	codeSenderNotParticipant     = "sender_not_participant"
	codeDeviceNotActive          = "device_not_active"
	codeParticipantsRequired     = "participants_required"

	codeDeviceNotFound      = "device_not_found"
	codeDeviceUnknown       = "device_unknown"
	codeDeviceRevoked       = "device_revoked"
	codeDeviceIDRequired    = "device_id_required"
	codeDeviceAlreadyExists = "device_already_exists"
	codeInvalidState        = "invalid_state"
	codeUnauthorized        = "unauthorized"
	codeBackendFailure      = "backend_failure"
	codeInvalidPayload      = "invalid_request_payload"
	codeTooManyParticipants = "too_many_participants"
	codeNotParticipant      = "not_participant"
	codeUnknownEventType    = "unknown_event_type"
	codeContentNotAllowed   = "content_not_allowed"
)

// writeJSON encodes payload as the response body, matching the
// writeJSON helper pattern (status written explicitly only when non-200).
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the structured error body of §6 with a fresh request_id.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{
		ErrorCode: code,
		Message:   message,
		RequestID: uuid.NewString(),
	})
}
