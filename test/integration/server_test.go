// Package integration contains end-to-end tests that exercise the hub over
// real HTTP and WebSocket connections.
package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tangbaotrann/cnm-socket-server-heroku/test/testhelpers"
)

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testhelpers.StartTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "running") {
		t.Errorf("body: got %q, want a running message", body)
	}
}

func TestTestPageServed(t *testing.T) {
	srv, _ := testhelpers.StartTestServer(t)

	resp, err := http.Get(srv.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Errorf("content type: got %q, want text/html", ct)
	}
}

func TestWebSocketEndpointRejectsPost(t *testing.T) {
	srv, _ := testhelpers.StartTestServer(t)

	resp, err := http.Post(srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /ws: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketEndpointRejectsPlainGet(t *testing.T) {
	srv, _ := testhelpers.StartTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		t.Error("plain GET without upgrade headers unexpectedly succeeded")
	}
}
