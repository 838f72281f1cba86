// Package server coordinates connection registration, room membership, and
// event fan-out for the socket hub via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Emitter is the addressing surface the event router resolves recipients
// against. Any transport providing these four operations is substitutable;
// the Hub is the WebSocket implementation.
type Emitter interface {
	JoinRoom(connID, room string)
	EmitToConnection(connID, event string, data any)
	EmitToRoom(room, event string, data any)
	EmitToAll(event string, data any)
}

// Hub manages all WebSocket connections, their room memberships, and the
// presence registry. Connection registration/unregistration flows through
// channels into a single Run loop; emits read the connection table under a
// read lock and never block on a slow client.
type Hub struct {
	clients  map[string]*Client
	rooms    map[string]map[string]*Client
	registry *Registry
	router   *Router
	logger   *slog.Logger

	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub with an empty connection table and presence registry,
// ready to accept connections once Run is started.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		registry:   NewRegistry(),
		logger:     slog.Default(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.router = NewRouter(h.registry, h, h.logger)
	return h
}

// Registry exposes the presence registry for inspection (tests, diagnostics).
func (h *Hub) Registry() *Registry {
	return h.registry
}

// GetRegisterChan returns the channel used for registering new connections.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering connections.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's main loop, handling connection registration and
// unregistration. This method should be called in a separate goroutine as it
// runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.addClient(client)
			h.startPumps(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

var hub = NewHub()

// addClient inserts the connection into the table.
func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.logger.Info("client connected", "conn", client.id, "addr", client.addr, "clients", clientCount)
}

func (h *Hub) startPumps(client *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient drops the connection from the table and every room, then runs
// the disconnect routing (registry removal + presence broadcast). Safe to
// call more than once per connection; only the first call has any effect.
func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	for room, members := range h.rooms {
		delete(members, client.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.logger.Info("client disconnected", "conn", client.id, "addr", client.addr, "clients", clientCount)

	h.router.HandleDisconnect(client.id)
}

// JoinRoom adds the connection to the named room. Joining a room twice or
// joining on an unknown connection id is a no-op.
func (h *Hub) JoinRoom(connID, room string) {
	if room == "" {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[connID] = client
}

// EmitToConnection sends one event to a single connection. An unknown
// connection id is a silent no-op.
func (h *Hub) EmitToConnection(connID, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", event, "err", err)
		return
	}

	h.mutex.RLock()
	client, ok := h.clients[connID]
	h.mutex.RUnlock()
	if !ok {
		return
	}

	h.safeSend(client, frame)
}

// EmitToRoom sends one event to every current member of the room. An unknown
// or empty room is a silent no-op.
func (h *Hub) EmitToRoom(room, event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", event, "room", room, "err", err)
		return
	}

	for _, client := range h.roomSnapshot(room) {
		h.safeSend(client, frame)
	}
}

// EmitToAll sends one event to every live connection.
func (h *Hub) EmitToAll(event string, data any) {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Warn("failed to encode event", "event", event, "err", err)
		return
	}

	for _, client := range h.clientSnapshot() {
		h.safeSend(client, frame)
	}
}

// safeSend delivers a frame to one client without blocking. A full or closed
// send buffer drops the frame for that client.
func (h *Hub) safeSend(client *Client, frame []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("recovered from panic in safeSend", "panic", r)
		}
	}()

	// Hold the lock during the send so unregister cannot close the channel
	// mid-delivery.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	current, exists := h.clients[client.id]
	if !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		h.logger.Warn("dropping frame for slow client", "conn", client.id)
		return false
	}
}

// clientSnapshot returns a point-in-time slice of all connections.
func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// roomSnapshot returns a point-in-time slice of the room's members.
func (h *Hub) roomSnapshot(room string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := h.rooms[room]
	clients := make([]*Client, 0, len(members))
	for _, client := range members {
		clients = append(clients, client)
	}
	return clients
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	clients := h.clientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.logger.Warn("error closing client connection", "conn", client.id, "err", err)
				}
			}
		}
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all pump
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
