package delivery

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"relay.example/messaging-relay/internal/relay"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	failOn  int
	closed  bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.written)+1 == f.failOn {
		return assertErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

var assertErr = &fakeErr{"write failed"}

type fakeAckHandler struct {
	mu   sync.Mutex
	acks []string
}

func (f *fakeAckHandler) Ack(msgID, deviceID string) error {
	f.mu.Lock()
	f.acks = append(f.acks, msgID+":"+deviceID)
	f.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestEnqueueDeliversToConnectedDevice(t *testing.T) {
	ch := New(nil, nil)
	conn := &fakeConn{}
	ch.Connect("dev-a", conn)

	ch.Enqueue("dev-a", relay.OutboundMessage{ID: "msg-1", ConversationID: "conv-1"})

	waitFor(t, func() bool { return len(conn.snapshot()) == 1 })
	var frame outboundFrame
	if err := json.Unmarshal(conn.snapshot()[0], &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.ID != "msg-1" {
		t.Fatalf("expected msg-1, got %s", frame.ID)
	}
}

func TestEnqueueWithoutConnectionIsNoop(t *testing.T) {
	ch := New(nil, nil)
	ch.Enqueue("dev-ghost", relay.OutboundMessage{ID: "msg-1"})
	if ch.IsConnected("dev-ghost") {
		t.Fatalf("expected no connection to be registered")
	}
}

func TestWriteFailureDisconnects(t *testing.T) {
	ch := New(nil, nil)
	conn := &fakeConn{failOn: 1}
	ch.Connect("dev-a", conn)
	ch.Enqueue("dev-a", relay.OutboundMessage{ID: "msg-1"})

	waitFor(t, func() bool { return !ch.IsConnected("dev-a") })
}

func TestDisconnectStopsDrain(t *testing.T) {
	ch := New(nil, nil)
	conn := &fakeConn{}
	ch.Connect("dev-a", conn)
	ch.Disconnect("dev-a")
	if ch.IsConnected("dev-a") {
		t.Fatalf("expected device to be disconnected")
	}
}

func TestHandleInboundForwardsAck(t *testing.T) {
	handler := &fakeAckHandler{}
	ch := New(handler, nil)
	raw, _ := json.Marshal(inboundFrame{Type: "ack", MessageID: "msg-1"})
	ch.HandleInbound("dev-a", raw)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.acks) != 1 || handler.acks[0] != "msg-1:dev-a" {
		t.Fatalf("expected ack forwarded, got %v", handler.acks)
	}
}

func TestHandleInboundDiscardsUnknownType(t *testing.T) {
	handler := &fakeAckHandler{}
	ch := New(handler, nil)
	raw, _ := json.Marshal(inboundFrame{Type: "mystery"})
	ch.HandleInbound("dev-a", raw)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.acks) != 0 {
		t.Fatalf("expected no ack forwarded for unknown frame type")
	}
}
