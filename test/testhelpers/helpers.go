// Package testhelpers provides shared utilities for exercising the socket
// hub over real WebSocket connections in integration tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tangbaotrann/cnm-socket-server-heroku/internal/server"
)

var startHubOnce sync.Once

// StartTestServer starts the hub (once per process) and an httptest server
// with the full route set. The returned ws URL points at the /ws endpoint.
func StartTestServer(t *testing.T) (srv *httptest.Server, wsURL string) {
	t.Helper()

	startHubOnce.Do(server.StartHub)

	srv = httptest.NewServer(server.SetupRoutes())
	t.Cleanup(srv.Close)

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

// Dial connects a WebSocket client to wsURL with an allowed Origin header.
func Dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("Origin", "http://localhost:3000")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Emit sends one event envelope on the connection.
func Emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s data: %v", event, err)
	}
	frame, err := json.Marshal(server.Envelope{Event: event, Data: payload})
	if err != nil {
		t.Fatalf("marshal %s envelope: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// WaitForEvent reads frames until one matches the wanted event name (other
// events, such as interleaved get_users broadcasts, are skipped) and returns
// its data. Fails the test after the timeout.
func WaitForEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set read deadline: %v", err)
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}

		var env server.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("unmarshal frame %s: %v", frame, err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

// WaitForUsers reads get_users broadcasts until the predicate is satisfied
// and returns the matching snapshot. Fails the test after the timeout.
func WaitForUsers(t *testing.T, conn *websocket.Conn, timeout time.Duration, ok func([]server.UserPresence) bool) []server.UserPresence {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for matching get_users snapshot")
		}
		data := WaitForEvent(t, conn, server.EventGetUsers, time.Until(deadline))

		var users []server.UserPresence
		if err := json.Unmarshal(data, &users); err != nil {
			t.Fatalf("unmarshal get_users data: %v", err)
		}
		if ok(users) {
			return users
		}
	}
}

// WaitForEventRejecting behaves like WaitForEvent but fails the test if a
// frame with the rejected event name arrives first.
func WaitForEventRejecting(t *testing.T, conn *websocket.Conn, event, rejected string, timeout time.Duration) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set read deadline: %v", err)
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}

		var env server.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("unmarshal frame %s: %v", frame, err)
		}
		switch env.Event {
		case rejected:
			t.Fatalf("received %s before %s: %s", rejected, event, frame)
		case event:
			return env.Data
		}
	}
}

// ExpectNoEvent reads frames for the given window and fails the test if one
// matches the event name. The connection is unusable afterwards (its read
// deadline has expired).
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, event string, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return // window elapsed without the event
		}

		var env server.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		if env.Event == event {
			t.Fatalf("received %s when none was expected: %s", event, frame)
		}
	}
}

// Online reports whether a snapshot contains the user.
func Online(users []server.UserPresence, userID string) bool {
	for _, u := range users {
		if u.UserID == userID {
			return true
		}
	}
	return false
}
