package server_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tangbaotrann/cnm-socket-server-heroku/internal/server"
)

// --- helpers ----------------------------------------------------------------

type emitRecord struct {
	Kind   string // "join" | "conn" | "room" | "all"
	Target string
	Event  string
	Data   any
}

// fakeEmitter records every emit so tests can assert on exact fan-out.
type fakeEmitter struct {
	mu      sync.Mutex
	records []emitRecord
}

func (f *fakeEmitter) JoinRoom(connID, room string) {
	f.record(emitRecord{Kind: "join", Target: connID, Event: room})
}

func (f *fakeEmitter) EmitToConnection(connID, event string, data any) {
	f.record(emitRecord{Kind: "conn", Target: connID, Event: event, Data: data})
}

func (f *fakeEmitter) EmitToRoom(room, event string, data any) {
	f.record(emitRecord{Kind: "room", Target: room, Event: event, Data: data})
}

func (f *fakeEmitter) EmitToAll(event string, data any) {
	f.record(emitRecord{Kind: "all", Event: event, Data: data})
}

func (f *fakeEmitter) record(r emitRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakeEmitter) all() []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitRecord(nil), f.records...)
}

func (f *fakeEmitter) byEvent(event string) []emitRecord {
	var out []emitRecord
	for _, r := range f.all() {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*server.Router, *server.Registry, *fakeEmitter) {
	t.Helper()
	reg := server.NewRegistry()
	em := &fakeEmitter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return server.NewRouter(reg, em, logger), reg, em
}

func handle(rt *server.Router, connID, event, data string) {
	rt.HandleEvent(connID, server.Envelope{Event: event, Data: json.RawMessage(data)})
}

// --- presence ---------------------------------------------------------------

func TestStatusUserRegistersAndBroadcasts(t *testing.T) {
	rt, reg, em := newTestRouter(t)

	handle(rt, "c1", server.EventStatusUser, `"u1"`)

	presence, ok := reg.FindByUserID("u1")
	if !ok || presence.ConnectionID != "c1" {
		t.Fatalf("registry after status_user: got (%v, %v), want (c1, true)", presence, ok)
	}

	broadcasts := em.byEvent(server.EventGetUsers)
	if len(broadcasts) != 1 || broadcasts[0].Kind != "all" {
		t.Fatalf("get_users broadcasts: got %v, want one broadcast to all", broadcasts)
	}
	snapshot := broadcasts[0].Data.([]server.UserPresence)
	if len(snapshot) != 1 || snapshot[0].UserID != "u1" {
		t.Errorf("snapshot payload: got %v, want [u1]", snapshot)
	}
}

func TestDuplicateStatusUserKeepsFirstConnection(t *testing.T) {
	rt, reg, _ := newTestRouter(t)

	handle(rt, "c1", server.EventStatusUser, `"u1"`)
	handle(rt, "c2", server.EventStatusUser, `"u1"`)

	presence, _ := reg.FindByUserID("u1")
	if presence.ConnectionID != "c1" {
		t.Errorf("connection after duplicate declare: got %q, want c1", presence.ConnectionID)
	}
}

func TestStatusUserRejectsEmptyAndNonString(t *testing.T) {
	rt, reg, em := newTestRouter(t)

	handle(rt, "c1", server.EventStatusUser, `""`)
	handle(rt, "c1", server.EventStatusUser, `{"userId":"u1"}`)

	if n := reg.Count(); n != 0 {
		t.Errorf("registry entries after malformed declares: got %d, want 0", n)
	}
	if emits := em.all(); len(emits) != 0 {
		t.Errorf("emits after malformed declares: got %v, want none", emits)
	}
}

func TestJoinRoomJoinsAndBroadcasts(t *testing.T) {
	rt, _, em := newTestRouter(t)

	handle(rt, "c1", server.EventJoinRoom, `"room1"`)

	joins := em.byEvent("room1")
	if len(joins) != 1 || joins[0].Kind != "join" || joins[0].Target != "c1" {
		t.Fatalf("join records: got %v, want c1 joining room1", joins)
	}
	if len(em.byEvent(server.EventGetUsers)) != 1 {
		t.Error("join_room did not broadcast get_users")
	}
}

func TestHandleDisconnectRemovesAndBroadcasts(t *testing.T) {
	rt, reg, em := newTestRouter(t)

	handle(rt, "c1", server.EventStatusUser, `"u1"`)
	rt.HandleDisconnect("c1")

	if _, ok := reg.FindByUserID("u1"); ok {
		t.Error("u1 still online after disconnect")
	}
	broadcasts := em.byEvent(server.EventGetUsers)
	if len(broadcasts) != 2 {
		t.Fatalf("get_users broadcasts: got %d, want 2", len(broadcasts))
	}
	final := broadcasts[1].Data.([]server.UserPresence)
	if len(final) != 0 {
		t.Errorf("snapshot after disconnect: got %v, want empty", final)
	}
}

func TestHandleDisconnectForUndeclaredConnection(t *testing.T) {
	rt, _, em := newTestRouter(t)

	rt.HandleDisconnect("never-declared")

	if len(em.byEvent(server.EventGetUsers)) != 1 {
		t.Error("disconnect of undeclared connection did not broadcast get_users")
	}
}

// --- messages ---------------------------------------------------------------

func TestSendMessageDualEmit(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("u1", "c1")
	reg.Register("u2", "c2")

	handle(rt, "c1", server.EventSendMessage,
		`{"message":{"conversationID":"room1","members":["u1","u3"],"content":"hi","createAt":"now"}}`)

	rooms := em.byEvent(server.EventReceiverMessage)
	if len(rooms) != 1 || rooms[0].Kind != "room" || rooms[0].Target != "room1" {
		t.Fatalf("receiver_message emits: got %v, want one room emit to room1", rooms)
	}

	direct := em.byEvent(server.EventUpdateLastMessage)
	if len(direct) != 1 || direct[0].Kind != "conn" || direct[0].Target != "c1" {
		t.Fatalf("update_last_message emits: got %v, want exactly one direct emit to c1", direct)
	}

	// Nothing may reference the offline u3 or the non-member c2.
	for _, r := range em.all() {
		if r.Target == "c2" {
			t.Errorf("unexpected emit to non-member connection: %v", r)
		}
	}
}

func TestSendMessagePassesMessageThroughUnchanged(t *testing.T) {
	rt, _, em := newTestRouter(t)

	raw := `{"conversationID":"room1","members":[],"content":"hi","extra":{"kept":true}}`
	handle(rt, "c1", server.EventSendMessage, `{"message":`+raw+`}`)

	rooms := em.byEvent(server.EventReceiverMessage)
	if len(rooms) != 1 {
		t.Fatalf("receiver_message emits: got %d, want 1", len(rooms))
	}
	if got := string(rooms[0].Data.(json.RawMessage)); got != raw {
		t.Errorf("relayed message altered:\ngot  %s\nwant %s", got, raw)
	}
}

func TestSendMessageMissingConversationIDIsDropped(t *testing.T) {
	rt, _, em := newTestRouter(t)

	handle(rt, "c1", server.EventSendMessage, `{"message":{"members":["u1"],"content":"hi"}}`)

	if emits := em.all(); len(emits) != 0 {
		t.Errorf("emits for message without conversationID: got %v, want none", emits)
	}
}

func TestRecallMessageBroadcasts(t *testing.T) {
	rt, _, em := newTestRouter(t)

	handle(rt, "c1", server.EventRecallMessage, `{"message":{"_id":"m1"}}`)

	recalls := em.byEvent(server.EventReceiverRecallMessage)
	if len(recalls) != 1 || recalls[0].Kind != "all" {
		t.Fatalf("receiver_recall_message emits: got %v, want one broadcast", recalls)
	}
}

// --- friend requests --------------------------------------------------------

func TestSendFriendRequestToOnlineReceiver(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("u1", "c1")
	reg.Register("u2", "c2")

	handle(rt, "c2", server.EventSendFriendRequest, `{"request":{"receiverId":"u1","from":"u2"}}`)

	emits := em.byEvent(server.EventReceiverFriendRequest)
	if len(emits) != 1 || emits[0].Target != "c1" {
		t.Fatalf("receiver_friend_request emits: got %v, want exactly one to c1", emits)
	}
}

func TestSendFriendRequestToOfflineReceiverIsSilent(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("u1", "c1")
	reg.Register("u2", "c2")

	handle(rt, "c2", server.EventSendFriendRequest, `{"request":{"receiverId":"u3"}}`)

	if emits := em.all(); len(emits) != 0 {
		t.Errorf("emits for offline receiver: got %v, want none", emits)
	}
}

func TestAcceptFriendRequestNotifiesBothParties(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("sender", "c1")
	reg.Register("receiver", "c2")

	handle(rt, "c2", server.EventAcceptFriendRequest, `{
		"listFriendsReceiver":[{"id":"sender"}],
		"listFriendsSender":[{"id":"receiver"}],
		"sender":{"id":"sender"},
		"receiver":{"id":"receiver"},
		"conversation":{"id":"conv1"}
	}`)

	for _, tc := range []struct {
		event  string
		target string
	}{
		{server.EventReceiveFriends, "c2"},
		{server.EventReceiveFriendsGiveConversation, "c2"},
		{server.EventSendFriends, "c1"},
		{server.EventSendFriendsGiveConversation, "c1"},
	} {
		emits := em.byEvent(tc.event)
		if len(emits) != 1 || emits[0].Target != tc.target {
			t.Errorf("%s emits: got %v, want exactly one to %s", tc.event, emits, tc.target)
		}
	}
}

func TestAcceptFriendRequestPartialDelivery(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("receiver", "c2")

	handle(rt, "c2", server.EventAcceptFriendRequest, `{
		"listFriendsReceiver":[],
		"listFriendsSender":[],
		"sender":{"id":"sender"},
		"receiver":{"id":"receiver"},
		"conversation":{"id":"conv1"}
	}`)

	if got := len(em.byEvent(server.EventReceiveFriends)); got != 1 {
		t.Errorf("receive_friends emits: got %d, want 1", got)
	}
	if got := len(em.byEvent(server.EventSendFriends)); got != 0 {
		t.Errorf("send_friends emits with sender offline: got %d, want 0", got)
	}
}

func TestFriendRequestRemovalTargets(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		data     string
		target   string
		outbound string
	}{
		{
			name:     "delete_friend notifies createdBy",
			event:    server.EventDeleteFriend,
			data:     `{"request":{"createdBy":"u1","_id":"r1","status":"deleted"}}`,
			target:   "c1",
			outbound: server.EventConfirmDelete,
		},
		{
			name:     "recall_friend_request notifies receiver",
			event:    server.EventRecallFriendRequest,
			data:     `{"deleted":{"deleted":true,"id":"u2"}}`,
			target:   "c2",
			outbound: server.EventDeleteFriendRequest,
		},
		{
			name:     "cancel_friend_request notifies original sender",
			event:    server.EventCancelFriendRequest,
			data:     `{"data":{"idSender":"u1","friendRequestID":"r1"}}`,
			target:   "c1",
			outbound: server.EventRemoveRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt, reg, em := newTestRouter(t)
			reg.Register("u1", "c1")
			reg.Register("u2", "c2")

			handle(rt, "c9", tc.event, tc.data)

			emits := em.byEvent(tc.outbound)
			if len(emits) != 1 || emits[0].Target != tc.target {
				t.Fatalf("%s emits: got %v, want exactly one to %s", tc.outbound, emits, tc.target)
			}
		})
	}
}

// --- groups -----------------------------------------------------------------

func TestCreateGroupExcludesCreator(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("a", "ca")
	reg.Register("b", "cb")
	reg.Register("c", "cc")

	handle(rt, "ca", server.EventCreateGroup,
		`{"conversation":{"members":["a","b","c"],"createdBy":"a","name":"trio"}}`)

	emits := em.byEvent(server.EventSendConversationGroup)
	targets := map[string]bool{}
	for _, r := range emits {
		targets[r.Target] = true
	}
	if len(emits) != 2 || !targets["cb"] || !targets["cc"] {
		t.Errorf("send_conversation_group targets: got %v, want cb and cc", emits)
	}
	if targets["ca"] {
		t.Error("creator received its own group-created event")
	}
}

func TestCreateGroupSkipsOfflineMembers(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("a", "ca")

	handle(rt, "ca", server.EventCreateGroup,
		`{"conversation":{"members":["a","b"],"createdBy":"a"}}`)

	if emits := em.all(); len(emits) != 0 {
		t.Errorf("emits with all recipients offline: got %v, want none", emits)
	}
}

func TestAddUserToGroupSplitsNewAndExistingMembers(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("a", "ca")
	reg.Register("b", "cb")
	reg.Register("c", "cc")

	// Members carries the new user as its tail.
	handle(rt, "ca", server.EventAddUserToGroup,
		`{"info":{"id":"g1","members":["a","b","c"],"newMember":["c"]}}`)

	created := em.byEvent(server.EventSendConversationGroup)
	if len(created) != 1 || created[0].Target != "cc" {
		t.Fatalf("send_conversation_group emits: got %v, want exactly one to cc", created)
	}

	updated := em.byEvent(server.EventUpdateLastMessage)
	targets := map[string]bool{}
	for _, r := range updated {
		targets[r.Target] = true
	}
	if len(updated) != 2 || !targets["ca"] || !targets["cb"] {
		t.Errorf("update_last_message targets: got %v, want ca and cb", updated)
	}
	if targets["cc"] {
		t.Error("newly added member received the existing-member update")
	}
}

func TestChangeGroupNotifiesAllMembers(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("a", "ca")
	reg.Register("b", "cb")

	for _, event := range []string{server.EventChangeNameGroup, server.EventChangeAvatarGroup} {
		handle(rt, "ca", event,
			`{"conversation":{"id":"g1","name":"new","action":"rename","members":["a","b"]}}`)
	}

	if got := len(em.byEvent(server.EventUpdateLastMessage)); got != 4 {
		t.Errorf("update_last_message emits for two change events: got %d, want 4", got)
	}
}

func TestGroupRemovalNotifiesMembersAndAffectedUser(t *testing.T) {
	for _, event := range []string{
		server.EventBlockUserInGroup,
		server.EventUserOutGroup,
		server.EventRemoveGroup,
	} {
		t.Run(event, func(t *testing.T) {
			rt, reg, em := newTestRouter(t)
			reg.Register("a", "ca")
			reg.Register("b", "cb")

			handle(rt, "ca", event,
				`{"info":{"_id":"g1","idMember":"b","action":"removed","members":["a","b"]}}`)

			updated := em.byEvent(server.EventUpdateLastMessage)
			if len(updated) != 2 {
				t.Errorf("update_last_message emits: got %d, want 2", len(updated))
			}

			removed := em.byEvent(server.EventRemoveConversationBlockGroup)
			if len(removed) != 1 || removed[0].Target != "cb" {
				t.Errorf("remove_conversation_block_group emits: got %v, want exactly one to cb", removed)
			}
		})
	}
}

func TestBlockMessageUserInGroup(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("b", "cb")

	handle(rt, "ca", server.EventBlockMessageUserInGroup,
		`{"info":{"blockBy":"a","id":"g1","userId":"b"}}`)

	emits := em.byEvent(server.EventBlockedMessageUser)
	if len(emits) != 1 || emits[0].Target != "cb" {
		t.Fatalf("blocked_message_user emits: got %v, want exactly one to cb", emits)
	}
}

// --- failure isolation ------------------------------------------------------

func TestMalformedPayloadLeavesRegistryUntouched(t *testing.T) {
	rt, reg, em := newTestRouter(t)
	reg.Register("u1", "c1")

	handle(rt, "c1", server.EventSendMessage, `"not an object"`)
	handle(rt, "c1", server.EventAcceptFriendRequest, `{"sender":{},"receiver":{}}`)
	handle(rt, "c1", server.EventCreateGroup, `{}`)

	if n := reg.Count(); n != 1 {
		t.Errorf("registry entries after malformed events: got %d, want 1", n)
	}
	if emits := em.all(); len(emits) != 0 {
		t.Errorf("emits from malformed events: got %v, want none", emits)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	rt, _, em := newTestRouter(t)

	handle(rt, "c1", "no_such_event", `{}`)

	if emits := em.all(); len(emits) != 0 {
		t.Errorf("emits for unknown event: got %v, want none", emits)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	reg := server.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := server.NewRouter(reg, panickyEmitter{}, logger)

	// Must not propagate the emitter's panic to the caller.
	handle(rt, "c1", server.EventStatusUser, `"u1"`)

	if _, ok := reg.FindByUserID("u1"); !ok {
		t.Error("completed registry operation was affected by a later panic")
	}
}

type panickyEmitter struct{}

func (panickyEmitter) JoinRoom(connID, room string)                    { panic("join") }
func (panickyEmitter) EmitToConnection(connID, event string, data any) { panic("conn") }
func (panickyEmitter) EmitToRoom(room, event string, data any)         { panic("room") }
func (panickyEmitter) EmitToAll(event string, data any)                { panic("all") }
