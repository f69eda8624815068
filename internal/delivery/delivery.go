// Package delivery implements the Delivery Channel of spec §4.F: a
// concurrent connection table keyed by device identifier plus a single
// drain worker that serializes writes per connection, generalized from the
// websocket client bookkeeping in main.go (per-connection send channel,
// read/write deadlines, deregistration under a single lock).
package delivery

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay.example/messaging-relay/internal/logging"
	"relay.example/messaging-relay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	queueDepth = 256
)

// Conn is the minimal websocket surface the channel needs, satisfied by
// *websocket.Conn in production and a fake in tests.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AckHandler receives inbound ack frames forwarded from a connection's read
// loop (§4.F "Inbound frames").
type AckHandler interface {
	Ack(msgID, deviceID string) error
}

type outboundFrame struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Payload        string `json:"payload"`
	Timestamp      int64  `json:"timestamp"`
	SenderID       string `json:"sender_id"`
	Expiration     int64  `json:"expiration"`
}

type inboundFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Channel maintains the device -> connection table and drains a pending
// queue of outbound messages.
type Channel struct {
	mu    sync.RWMutex
	conns map[string]*registration

	logger *logging.Logger
	ack    AckHandler
}

type registration struct {
	conn  Conn
	queue chan relay.OutboundMessage
	done  chan struct{}
}

// New constructs an empty Delivery Channel.
func New(ack AckHandler, logger *logging.Logger) *Channel {
	if logger == nil {
		logger = logging.L()
	}
	return &Channel{
		conns:  make(map[string]*registration),
		logger: logger,
		ack:    ack,
	}
}

// Connect registers a device's connection and starts its drain worker. Any
// previous connection for the same device is closed and replaced.
func (c *Channel) Connect(deviceID string, conn Conn) {
	reg := &registration{
		conn:  conn,
		queue: make(chan relay.OutboundMessage, queueDepth),
		done:  make(chan struct{}),
	}

	c.mu.Lock()
	if prior, exists := c.conns[deviceID]; exists {
		close(prior.done)
		_ = prior.conn.Close()
	}
	c.conns[deviceID] = reg
	c.mu.Unlock()

	go c.drain(deviceID, reg)
}

// Disconnect removes a device's connection, stopping its drain worker.
func (c *Channel) Disconnect(deviceID string) {
	c.mu.Lock()
	reg, exists := c.conns[deviceID]
	if exists {
		delete(c.conns, deviceID)
	}
	c.mu.Unlock()
	if exists {
		close(reg.done)
		_ = reg.conn.Close()
	}
}

// IsConnected reports whether a device currently has a live connection.
func (c *Channel) IsConnected(deviceID string) bool {
	c.mu.RLock()
	_, ok := c.conns[deviceID]
	c.mu.RUnlock()
	return ok
}

// Enqueue implements relay.Enqueuer: a non-blocking handoff to the drain
// worker. A device with no live connection simply drops the enqueue; the
// message remains retrievable via REST poll (§4.F).
func (c *Channel) Enqueue(deviceID string, msg relay.OutboundMessage) {
	c.mu.RLock()
	reg, ok := c.conns[deviceID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case reg.queue <- msg:
	default:
		c.logger.Warn("delivery queue full, dropping frame", logging.DeviceID(deviceID))
	}
}

// drain is the dedicated goroutine that serializes writes for one
// connection, mirroring a per-client writer goroutine pattern.
func (c *Channel) drain(deviceID string, reg *registration) {
	for {
		select {
		case <-reg.done:
			return
		case msg := <-reg.queue:
			frame := outboundFrame{
				ID:             msg.ID,
				ConversationID: msg.ConversationID,
				Payload:        msg.PayloadHex,
				Timestamp:      msg.Timestamp.Unix(),
				SenderID:       msg.SenderID,
				Expiration:     msg.ExpiresAt.Unix(),
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				c.logger.Error("failed to encode outbound frame", logging.Error(err))
				continue
			}
			if err := reg.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("delivery write failed, dropping connection",
					logging.DeviceID(deviceID), logging.Error(err))
				c.Disconnect(deviceID)
				return
			}
		}
	}
}

// HandleInbound parses an inbound frame. ack frames are forwarded to the
// ACK & Retry Engine; unknown frame types are logged at debug and
// discarded (§4.F).
func (c *Channel) HandleInbound(deviceID string, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug("dropping invalid inbound frame", logging.Error(err))
		return
	}
	switch frame.Type {
	case "ack":
		if c.ack == nil {
			return
		}
		if err := c.ack.Ack(frame.MessageID, deviceID); err != nil {
			c.logger.Debug("ack for unknown message",
				logging.MessageID(frame.MessageID), logging.Error(err))
		}
	default:
		c.logger.Debug("dropping unknown inbound frame type", logging.String("type", frame.Type))
	}
}
