// Package authz implements the stateless authorization policy of §4.C: a
// pure function over actor state and operation kind, plus the controller
// API-key authenticator consulted for controller-only operations.
package authz

import (
	"crypto/subtle"
	"net/http"
	"sync"
)

// Operation enumerates the actions the gate can evaluate.
type Operation string

const (
	OpSendMessage        Operation = "send_message"
	OpCreateConversation Operation = "create_conversation"
	OpJoinConversation   Operation = "join_conversation"
	OpLeaveConversation  Operation = "leave_conversation"
	OpCloseConversation  Operation = "close_conversation"
	OpReadConversation   Operation = "read_conversation"
	OpProvisionDevice    Operation = "provision_device"
	OpConfirmProvisioning Operation = "confirm_provisioning"
	OpRevokeDevice       Operation = "revoke_device"
)

// DeviceState mirrors the subset of identity.State the gate needs to reason
// about, without importing the identity package and coupling the two.
type DeviceState string

const (
	DeviceUnknown     DeviceState = ""
	DevicePending     DeviceState = "pending"
	DeviceProvisioned DeviceState = "provisioned"
	DeviceActive      DeviceState = "active"
	DeviceRevoked     DeviceState = "revoked"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed    bool
	ReasonCode string
	HTTPStatus int
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, status int) Decision {
	return Decision{Allowed: false, ReasonCode: reason, HTTPStatus: status}
}

// Check evaluates the (device-state, operation) policy table in §4.C.
// demoWindowActive reports whether the caller is within the demo-mode
// activity window, which stands in for Active on Send/Create/Join.
func Check(state DeviceState, demoWindowActive bool, op Operation) Decision {
	switch op {
	case OpSendMessage, OpCreateConversation, OpJoinConversation:
		if state == DeviceActive || demoWindowActive {
			return allow()
		}
		if state == DeviceUnknown {
			return deny("device_unknown", http.StatusUnauthorized)
		}
		if state == DeviceRevoked {
			return deny("device_revoked", http.StatusForbidden)
		}
		return deny("device_not_active", http.StatusUnauthorized)

	case OpReadConversation:
		if state == DeviceActive || state == DeviceRevoked || demoWindowActive {
			return allow()
		}
		return deny("device_not_active", http.StatusUnauthorized)

	case OpLeaveConversation, OpCloseConversation:
		// Participation is verified by the Conversation Service (§4.D); the
		// gate itself imposes no device-state requirement here.
		return allow()

	case OpProvisionDevice, OpConfirmProvisioning, OpRevokeDevice:
		// Controller operations are gated on the API key, not device state;
		// callers should check Authenticator before reaching here.
		return allow()

	default:
		return deny("unknown_operation", http.StatusBadRequest)
	}
}

// Authenticator validates controller API keys with a constant-time
// comparison and supports dynamic key management (add/remove without a
// restart).
type Authenticator struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewAuthenticator constructs an authenticator seeded with the given keys.
func NewAuthenticator(keys []string) *Authenticator {
	a := &Authenticator{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k != "" {
			a.keys[k] = struct{}{}
		}
	}
	return a
}

// Valid reports whether candidate matches a known controller key. Every
// configured key is compared, so the loop's timing does not reveal which
// key matched; subtle.ConstantTimeCompare still returns at once when the
// lengths differ.
func (a *Authenticator) Valid(candidate string) bool {
	if candidate == "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	ok := false
	for k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// AddKey registers a new valid controller key.
func (a *Authenticator) AddKey(key string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	a.keys[key] = struct{}{}
	a.mu.Unlock()
}

// RemoveKey revokes a controller key.
func (a *Authenticator) RemoveKey(key string) {
	a.mu.Lock()
	delete(a.keys, key)
	a.mu.Unlock()
}
