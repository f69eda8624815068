// Package wstest provides WebSocket dial helpers shared by relay tests.
package wstest

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so tests can simulate an unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// DialDevice connects to the relay's /ws/messages endpoint the way a real
// device does: an httptest.Server's http:// base URL is rewritten to ws://
// and deviceID is carried as the device_id query parameter §4.J requires.
func DialDevice(serverURL, deviceID string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/messages?" +
		url.Values{"device_id": {deviceID}}.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, resp, err
}
