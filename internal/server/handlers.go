// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the HTTP connection, assigns a fresh
// connection identifier, and registers the client with the hub, which starts
// the read/write pumps. The connection starts undeclared; presence is only
// established when the client sends status_user.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := NewClient(conn, hub, uuid.NewString(), r.RemoteAddr)
	client.hub.register <- client
}

// HealthHandler provides a simple health check endpoint that returns server
// status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Socket server is running!")
}

// TestPageHandler serves an HTML page for exercising the hub by hand:
// connect, declare presence, join a room, and send messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Socket Hub Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
            white-space: pre-wrap;
        }
        input[type="text"] { padding: 5px; margin-right: 5px; }
        button { padding: 5px 15px; cursor: pointer; }
    </style>
</head>
<body>
    <h1>Socket Hub Test</h1>
    <div>
        <button onclick="connect()">Connect</button>
        <input type="text" id="userId" placeholder="user id">
        <button onclick="declare()">status_user</button>
        <input type="text" id="room" placeholder="conversation id">
        <button onclick="joinRoom()">join_room</button>
    </div>
    <div>
        <input type="text" id="content" placeholder="message content" size="40">
        <button onclick="sendMessage()">send_message</button>
    </div>
    <div id="log"></div>

    <script>
        let ws = null;
        const log = (line) => {
            const el = document.getElementById('log');
            el.textContent += line + '\n';
            el.scrollTop = el.scrollHeight;
        };

        function connect() {
            ws = new WebSocket('ws://' + location.host + '/ws');
            ws.onopen = () => log('connected');
            ws.onmessage = (e) => log('<-- ' + e.data);
            ws.onclose = () => { log('closed'); ws = null; };
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { log('not connected'); return; }
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            log('--> ' + frame);
        }

        function declare() {
            emit('status_user', document.getElementById('userId').value);
        }

        function joinRoom() {
            emit('join_room', document.getElementById('room').value);
        }

        function sendMessage() {
            emit('send_message', {message: {
                conversationID: document.getElementById('room').value,
                members: [],
                content: document.getElementById('content').value,
                createAt: new Date().toISOString()
            }});
        }
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Warn("error writing HTML response", "err", err)
	}
}
