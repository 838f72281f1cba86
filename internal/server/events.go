// Package server defines the wire envelope and the payload shapes of every
// routed event. Event names are the compatibility contract with existing
// clients and must not change.
package server

import "encoding/json"

// Inbound event names.
const (
	EventStatusUser              = "status_user"
	EventJoinRoom                = "join_room"
	EventSendMessage             = "send_message"
	EventRecallMessage           = "recall_message"
	EventSendFriendRequest       = "send_friend_request"
	EventAcceptFriendRequest     = "accept_friend_request"
	EventDeleteFriend            = "delete_friend"
	EventRecallFriendRequest     = "recall_friend_request"
	EventCancelFriendRequest     = "cancel_friend_request"
	EventCreateGroup             = "create_group"
	EventAddUserToGroup          = "add_user_to_group"
	EventChangeNameGroup         = "change_name_group"
	EventChangeAvatarGroup       = "change_avatar_group"
	EventBlockUserInGroup        = "block_user_in_group"
	EventUserOutGroup            = "user_out_group"
	EventRemoveGroup             = "remove_group"
	EventBlockMessageUserInGroup = "block_message_user_in_group"
)

// Outbound event names.
const (
	EventGetUsers                       = "get_users"
	EventReceiverMessage                = "receiver_message"
	EventUpdateLastMessage              = "update_last_message"
	EventReceiverRecallMessage          = "receiver_recall_message"
	EventReceiverFriendRequest          = "receiver_friend_request"
	EventReceiveFriends                 = "receive_friends"
	EventReceiveFriendsGiveConversation = "receive_friends_give_conversation"
	EventSendFriends                    = "send_friends"
	EventSendFriendsGiveConversation    = "send_friends_give_conversation"
	EventConfirmDelete                  = "confirm_delete"
	EventDeleteFriendRequest            = "delete_friend_request"
	EventRemoveRequest                  = "remove_request"
	EventSendConversationGroup          = "send_conversation_group"
	EventRemoveConversationBlockGroup   = "remove_conversation_block_group"
	EventBlockedMessageUser             = "blocked_message_user"
)

// Envelope is the frame exchanged on the wire in both directions. Data stays
// raw until the handler for the event decodes the fields it routes on.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// encodeEvent marshals an outbound frame. Raw payloads pass through
// byte-for-byte.
func encodeEvent(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// Payload variants, one per inbound event. Business objects the hub only
// relays (messages, friend lists, conversations) are kept as json.RawMessage;
// a second decode into the *Address types extracts the routing fields.

type sendMessagePayload struct {
	Message json.RawMessage `json:"message"`
}

// messageAddress holds the addressing fields of a relayed chat message.
type messageAddress struct {
	ConversationID string   `json:"conversationID"`
	Members        []string `json:"members"`
}

type sendFriendRequestPayload struct {
	Request json.RawMessage `json:"request"`
}

type friendRequestAddress struct {
	ReceiverID string `json:"receiverId"`
}

// userRef identifies one party of a friend-request acceptance.
type userRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type acceptFriendRequestPayload struct {
	ListFriendsReceiver json.RawMessage `json:"listFriendsReceiver"`
	ListFriendsSender   json.RawMessage `json:"listFriendsSender"`
	Sender              userRef         `json:"sender"`
	Receiver            userRef         `json:"receiver"`
	Conversation        json.RawMessage `json:"conversation"`
}

type deleteFriendPayload struct {
	Request json.RawMessage `json:"request"`
}

type deleteFriendAddress struct {
	CreatedBy string `json:"createdBy"`
}

type recallFriendRequestPayload struct {
	Deleted json.RawMessage `json:"deleted"`
}

type recallFriendRequestAddress struct {
	ID string `json:"id"`
}

type cancelFriendRequestPayload struct {
	Data json.RawMessage `json:"data"`
}

type cancelFriendRequestAddress struct {
	IDSender string `json:"idSender"`
}

type createGroupPayload struct {
	Conversation json.RawMessage `json:"conversation"`
}

type conversationAddress struct {
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy"`
}

type groupInfoPayload struct {
	Info json.RawMessage `json:"info"`
}

type groupInfoAddress struct {
	Members   []string `json:"members"`
	NewMember []string `json:"newMember"`
	IDMember  string   `json:"idMember"`
	UserID    string   `json:"userId"`
}

type groupConversationPayload struct {
	Conversation json.RawMessage `json:"conversation"`
}

type groupConversationAddress struct {
	Members []string `json:"members"`
}
