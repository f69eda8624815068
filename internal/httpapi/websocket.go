package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"relay.example/messaging-relay/internal/authz"
	"relay.example/messaging-relay/internal/logging"
)

const (
	pingInterval       = 30 * time.Second
	pongWaitMultiplier = 3
	wsReadLimitBytes   = 64 * 1024
	writeWait          = 10 * time.Second
)

// Upgrader is the minimal gorilla/websocket surface the handler needs,
// satisfied by *websocket.Upgrader in production and a fake in tests.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

// newWebsocketUpgrader builds the production Upgrader, restricting
// cross-origin upgrades to the configured frontend origin the way
// buildOriginChecker restricts CheckOrigin.
func newWebsocketUpgrader(frontendOrigin string) Upgrader {
	allowed := strings.ToLower(strings.TrimSpace(frontendOrigin))
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients (native apps, CLI test harnesses) send no
				// Origin header; §4.J does not restrict those.
				return true
			}
			if allowed == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.ToLower(u.Scheme+"://"+u.Host) == allowed
		},
	}
}

type wsConn struct {
	*websocket.Conn
}

// ServeWS implements the WebSocket contract of §4.J/§6: a device connects
// at /ws/messages?device_id=..., unauthorized or unknown devices are closed
// with policy violation code 1008, and inbound frames are forwarded to the
// Delivery Channel's read loop.
func (h *HandlerSet) ServeWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
		if deviceID == "" {
			http.Error(w, "device_id is required", http.StatusBadRequest)
			return
		}
		if _, decision := h.authoriseDevice(deviceID, authz.OpSendMessage); !decision.Allowed {
			conn, err := h.upgrader.Upgrade(w, r, nil)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, decision.ReasonCode)
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", logging.DeviceID(deviceID), logging.Error(err))
			return
		}
		conn.SetReadLimit(wsReadLimitBytes)

		waitDuration := pongWaitMultiplier * pingInterval
		_ = conn.SetReadDeadline(h.now().Add(waitDuration))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(h.now().Add(waitDuration))
		})

		h.delivery.Connect(deviceID, wsConn{conn})
		h.identity.Touch(deviceID)

		defer func() {
			h.delivery.Disconnect(deviceID)
			_ = conn.Close()
		}()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket closed", logging.DeviceID(deviceID))
				}
				return
			}
			_ = conn.SetReadDeadline(h.now().Add(waitDuration))
			h.identity.Touch(deviceID)
			h.delivery.HandleInbound(deviceID, message)
		}
	}
}
