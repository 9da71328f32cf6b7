package models

// Event names emitted through the real-time gateway.
const (
	EventReceiveMessage    = "receiveMessage"
	EventUpdateMessage     = "updateMessage"
	EventDeleteMessage     = "deleteMessage"
	EventChatUnreadUpdate  = "chatUnreadUpdate"
	EventTotalUnreadUpdate = "totalUnreadUpdate"
	EventChatCreated       = "chatCreated"
	EventGroupCreated      = "groupCreated"
	EventUserAdded         = "userAdded"
	EventUserRemoved       = "userRemoved"
)

// WSEvent is the frame written to websocket clients.
type WSEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// MessageDeletedPayload accompanies deleteMessage events.
type MessageDeletedPayload struct {
	ChatID    int `json:"chat_id"`
	MessageID int `json:"message_id"`
}

// ChatUnreadPayload accompanies chatUnreadUpdate events.
type ChatUnreadPayload struct {
	ChatID int `json:"chat_id"`
	Count  int `json:"count"`
}

// TotalUnreadPayload accompanies totalUnreadUpdate events.
type TotalUnreadPayload struct {
	Total int `json:"total"`
}

// MembershipPayload accompanies userAdded and userRemoved events.
type MembershipPayload struct {
	ChatID int `json:"chat_id"`
	UserID int `json:"user_id"`
}
