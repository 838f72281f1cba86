// Package server implements the real-time presence and message-relay hub.
//
// Clients connect over WebSocket, declare identity with status_user, join
// conversation rooms, and exchange chat, friend, and group events that the
// hub routes to the currently connected recipients. The implementation is
// organized into specialized files for configuration, the presence registry,
// the hub, the event router, clients, routing, and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
