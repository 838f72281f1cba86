// Package server routes inbound events to the connections that should
// receive them. Each event has one handler: destructure the payload, resolve
// recipients through the registry or room membership, emit.
package server

import (
	"encoding/json"
	"log/slog"
)

// Router dispatches inbound events by name. Handlers run on the receiving
// connection's read goroutine; they share no state beyond the registry and
// the emitter, and a failure in one event never affects other connections.
type Router struct {
	registry *Registry
	emitter  Emitter
	logger   *slog.Logger
}

// NewRouter creates a Router resolving recipients against reg and delivering
// through em.
func NewRouter(reg *Registry, em Emitter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		emitter:  em,
		logger:   logger,
	}
}

// HandleEvent routes one inbound envelope from the given connection. Unknown
// events and malformed payloads are logged and dropped; a panicking handler
// is recovered so a single bad event cannot take the process down.
func (rt *Router) HandleEvent(connID string, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("recovered from panic in event handler", "event", env.Event, "conn", connID, "panic", r)
		}
	}()

	switch env.Event {
	case EventStatusUser:
		rt.handleStatusUser(connID, env.Data)
	case EventJoinRoom:
		rt.handleJoinRoom(connID, env.Data)
	case EventSendMessage:
		rt.handleSendMessage(connID, env.Data)
	case EventRecallMessage:
		rt.handleRecallMessage(connID, env.Data)
	case EventSendFriendRequest:
		rt.handleSendFriendRequest(connID, env.Data)
	case EventAcceptFriendRequest:
		rt.handleAcceptFriendRequest(connID, env.Data)
	case EventDeleteFriend:
		rt.handleDeleteFriend(connID, env.Data)
	case EventRecallFriendRequest:
		rt.handleRecallFriendRequest(connID, env.Data)
	case EventCancelFriendRequest:
		rt.handleCancelFriendRequest(connID, env.Data)
	case EventCreateGroup:
		rt.handleCreateGroup(connID, env.Data)
	case EventAddUserToGroup:
		rt.handleAddUserToGroup(connID, env.Data)
	case EventChangeNameGroup, EventChangeAvatarGroup:
		rt.handleChangeGroup(connID, env.Event, env.Data)
	case EventBlockUserInGroup, EventUserOutGroup, EventRemoveGroup:
		rt.handleGroupRemoval(connID, env.Event, env.Data)
	case EventBlockMessageUserInGroup:
		rt.handleBlockMessageUser(connID, env.Data)
	default:
		rt.logger.Warn("unknown event", "event", env.Event, "conn", connID)
	}
}

// HandleDisconnect removes any presence bound to the connection and
// broadcasts the updated online-user list. Called exactly once per
// disconnect by the hub, whether or not the connection ever declared.
func (rt *Router) HandleDisconnect(connID string) {
	rt.registry.Remove(connID)
	rt.emitter.EmitToAll(EventGetUsers, rt.registry.Snapshot())
}

// dropEvent logs a malformed payload. The event is not retried and the
// registry is left untouched.
func (rt *Router) dropEvent(event, connID, reason string, err error) {
	rt.logger.Warn("dropping malformed event", "event", event, "conn", connID, "reason", reason, "err", err)
}

func (rt *Router) handleStatusUser(connID string, data json.RawMessage) {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil {
		rt.dropEvent(EventStatusUser, connID, "userId is not a string", err)
		return
	}
	if userID == "" {
		rt.dropEvent(EventStatusUser, connID, "empty userId", nil)
		return
	}

	rt.registry.Register(userID, connID)
	rt.emitter.EmitToAll(EventGetUsers, rt.registry.Snapshot())
}

func (rt *Router) handleJoinRoom(connID string, data json.RawMessage) {
	var room string
	if err := json.Unmarshal(data, &room); err != nil {
		rt.dropEvent(EventJoinRoom, connID, "room is not a string", err)
		return
	}
	if room == "" {
		rt.dropEvent(EventJoinRoom, connID, "empty room", nil)
		return
	}

	rt.emitter.JoinRoom(connID, room)

	// Membership changes may affect presence visibility for room viewers.
	rt.emitter.EmitToAll(EventGetUsers, rt.registry.Snapshot())
}

// handleSendMessage implements the dual emit for conversation content: the
// message goes to the conversation room for clients viewing the open thread,
// and a last-message update goes to each online member directly so clients
// on other screens still refresh their conversation list preview.
func (rt *Router) handleSendMessage(connID string, data json.RawMessage) {
	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventSendMessage, connID, "invalid payload", err)
		return
	}
	var addr messageAddress
	if err := json.Unmarshal(payload.Message, &addr); err != nil {
		rt.dropEvent(EventSendMessage, connID, "invalid message object", err)
		return
	}
	if addr.ConversationID == "" {
		rt.dropEvent(EventSendMessage, connID, "missing conversationID", nil)
		return
	}

	rt.emitter.EmitToRoom(addr.ConversationID, EventReceiverMessage, payload.Message)

	for _, member := range addr.Members {
		if presence, online := rt.registry.FindByUserID(member); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventUpdateLastMessage, payload.Message)
		}
	}
}

func (rt *Router) handleRecallMessage(connID string, data json.RawMessage) {
	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventRecallMessage, connID, "invalid payload", err)
		return
	}
	if len(payload.Message) == 0 {
		rt.dropEvent(EventRecallMessage, connID, "missing message", nil)
		return
	}

	rt.emitter.EmitToAll(EventReceiverRecallMessage, payload.Message)
}

func (rt *Router) handleSendFriendRequest(connID string, data json.RawMessage) {
	var payload sendFriendRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventSendFriendRequest, connID, "invalid payload", err)
		return
	}
	var addr friendRequestAddress
	if err := json.Unmarshal(payload.Request, &addr); err != nil {
		rt.dropEvent(EventSendFriendRequest, connID, "invalid request object", err)
		return
	}
	if addr.ReceiverID == "" {
		rt.dropEvent(EventSendFriendRequest, connID, "missing receiverId", nil)
		return
	}

	if presence, online := rt.registry.FindByUserID(addr.ReceiverID); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventReceiverFriendRequest, payload.Request)
	}
}

// handleAcceptFriendRequest notifies both parties of the new friendship and
// its conversation. Each side resolves independently; delivering to only the
// online one is a valid outcome.
func (rt *Router) handleAcceptFriendRequest(connID string, data json.RawMessage) {
	var payload acceptFriendRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventAcceptFriendRequest, connID, "invalid payload", err)
		return
	}
	if payload.Sender.ID == "" || payload.Receiver.ID == "" {
		rt.dropEvent(EventAcceptFriendRequest, connID, "missing sender or receiver id", nil)
		return
	}

	if presence, online := rt.registry.FindByUserID(payload.Receiver.ID); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventReceiveFriends, payload.ListFriendsReceiver)
		rt.emitter.EmitToConnection(presence.ConnectionID, EventReceiveFriendsGiveConversation, payload.Conversation)
	}
	if presence, online := rt.registry.FindByUserID(payload.Sender.ID); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventSendFriends, payload.ListFriendsSender)
		rt.emitter.EmitToConnection(presence.ConnectionID, EventSendFriendsGiveConversation, payload.Conversation)
	}
}

func (rt *Router) handleDeleteFriend(connID string, data json.RawMessage) {
	var payload deleteFriendPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventDeleteFriend, connID, "invalid payload", err)
		return
	}
	var addr deleteFriendAddress
	if err := json.Unmarshal(payload.Request, &addr); err != nil {
		rt.dropEvent(EventDeleteFriend, connID, "invalid request object", err)
		return
	}
	if addr.CreatedBy == "" {
		rt.dropEvent(EventDeleteFriend, connID, "missing createdBy", nil)
		return
	}

	if presence, online := rt.registry.FindByUserID(addr.CreatedBy); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventConfirmDelete, payload.Request)
	}
}

func (rt *Router) handleRecallFriendRequest(connID string, data json.RawMessage) {
	var payload recallFriendRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventRecallFriendRequest, connID, "invalid payload", err)
		return
	}
	var addr recallFriendRequestAddress
	if err := json.Unmarshal(payload.Deleted, &addr); err != nil {
		rt.dropEvent(EventRecallFriendRequest, connID, "invalid deleted object", err)
		return
	}
	if addr.ID == "" {
		rt.dropEvent(EventRecallFriendRequest, connID, "missing id", nil)
		return
	}

	if presence, online := rt.registry.FindByUserID(addr.ID); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventDeleteFriendRequest, payload.Deleted)
	}
}

func (rt *Router) handleCancelFriendRequest(connID string, data json.RawMessage) {
	var payload cancelFriendRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventCancelFriendRequest, connID, "invalid payload", err)
		return
	}
	var addr cancelFriendRequestAddress
	if err := json.Unmarshal(payload.Data, &addr); err != nil {
		rt.dropEvent(EventCancelFriendRequest, connID, "invalid data object", err)
		return
	}
	if addr.IDSender == "" {
		rt.dropEvent(EventCancelFriendRequest, connID, "missing idSender", nil)
		return
	}

	if presence, online := rt.registry.FindByUserID(addr.IDSender); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventRemoveRequest, payload.Data)
	}
}

// handleCreateGroup notifies every member except the creator, who already
// has the conversation locally.
func (rt *Router) handleCreateGroup(connID string, data json.RawMessage) {
	var payload createGroupPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventCreateGroup, connID, "invalid payload", err)
		return
	}
	var addr conversationAddress
	if err := json.Unmarshal(payload.Conversation, &addr); err != nil {
		rt.dropEvent(EventCreateGroup, connID, "invalid conversation object", err)
		return
	}
	if len(addr.Members) == 0 {
		rt.dropEvent(EventCreateGroup, connID, "missing members", nil)
		return
	}

	for _, member := range addr.Members {
		if member == addr.CreatedBy {
			continue
		}
		if presence, online := rt.registry.FindByUserID(member); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventSendConversationGroup, payload.Conversation)
		}
	}
}

// handleAddUserToGroup runs two emit passes: the newly added users receive
// the conversation as a "group created" event, while the members that were
// already in the group get a conversation-list update. The members list
// carries the new users as its tail, so the existing set is the list minus
// that tail.
func (rt *Router) handleAddUserToGroup(connID string, data json.RawMessage) {
	var payload groupInfoPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventAddUserToGroup, connID, "invalid payload", err)
		return
	}
	var addr groupInfoAddress
	if err := json.Unmarshal(payload.Info, &addr); err != nil {
		rt.dropEvent(EventAddUserToGroup, connID, "invalid info object", err)
		return
	}
	if len(addr.NewMember) == 0 {
		rt.dropEvent(EventAddUserToGroup, connID, "missing newMember", nil)
		return
	}

	for _, member := range addr.NewMember {
		if presence, online := rt.registry.FindByUserID(member); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventSendConversationGroup, payload.Info)
		}
	}

	existing := addr.Members
	if len(addr.Members) >= len(addr.NewMember) {
		existing = addr.Members[:len(addr.Members)-len(addr.NewMember)]
	}
	for _, member := range existing {
		if presence, online := rt.registry.FindByUserID(member); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventUpdateLastMessage, payload.Info)
		}
	}
}

// handleChangeGroup covers name and avatar changes: every member gets a
// conversation-list update.
func (rt *Router) handleChangeGroup(connID, event string, data json.RawMessage) {
	var payload groupConversationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(event, connID, "invalid payload", err)
		return
	}
	var addr groupConversationAddress
	if err := json.Unmarshal(payload.Conversation, &addr); err != nil {
		rt.dropEvent(event, connID, "invalid conversation object", err)
		return
	}
	if len(addr.Members) == 0 {
		rt.dropEvent(event, connID, "missing members", nil)
		return
	}

	for _, member := range addr.Members {
		if presence, online := rt.registry.FindByUserID(member); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventUpdateLastMessage, payload.Conversation)
		}
	}
}

// handleGroupRemoval covers blocking a user, a user leaving, and deleting the
// group: every member gets a conversation-list update, and the specifically
// affected member additionally gets the removal event so their client drops
// the conversation.
func (rt *Router) handleGroupRemoval(connID, event string, data json.RawMessage) {
	var payload groupInfoPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(event, connID, "invalid payload", err)
		return
	}
	var addr groupInfoAddress
	if err := json.Unmarshal(payload.Info, &addr); err != nil {
		rt.dropEvent(event, connID, "invalid info object", err)
		return
	}
	if len(addr.Members) == 0 {
		rt.dropEvent(event, connID, "missing members", nil)
		return
	}

	for _, member := range addr.Members {
		if presence, online := rt.registry.FindByUserID(member); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventUpdateLastMessage, payload.Info)
		}
	}

	if addr.IDMember != "" {
		if presence, online := rt.registry.FindByUserID(addr.IDMember); online {
			rt.emitter.EmitToConnection(presence.ConnectionID, EventRemoveConversationBlockGroup, payload.Info)
		}
	}
}

func (rt *Router) handleBlockMessageUser(connID string, data json.RawMessage) {
	var payload groupInfoPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		rt.dropEvent(EventBlockMessageUserInGroup, connID, "invalid payload", err)
		return
	}
	var addr groupInfoAddress
	if err := json.Unmarshal(payload.Info, &addr); err != nil {
		rt.dropEvent(EventBlockMessageUserInGroup, connID, "invalid info object", err)
		return
	}
	if addr.UserID == "" {
		rt.dropEvent(EventBlockMessageUserInGroup, connID, "missing userId", nil)
		return
	}

	if presence, online := rt.registry.FindByUserID(addr.UserID); online {
		rt.emitter.EmitToConnection(presence.ConnectionID, EventBlockedMessageUser, payload.Info)
	}
}
