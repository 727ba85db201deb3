package types

import (
	"time"
)

// Acknowledgement states of a message. A message is written as delivered,
// since persistence and the first broadcast happen in the same call, and
// moves to read when any recipient reads it. Pending exists only client-side
// while a send is in flight.
const (
	AckPending   = "pending"
	AckDelivered = "delivered"
	AckRead      = "read"
)

// Notification types relayed over the socket.
const (
	NotificationMessage    = "message"
	NotificationPrivate    = "private"
	NotificationUserJoined = "user-joined"
	NotificationUserLeft   = "user-left"
)

type User struct {
	Id          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarColor string    `json:"avatar_color,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Room struct {
	ExternalId    string     `json:"id"`
	Name          string     `json:"name"`
	IsPrivate     bool       `json:"is_private"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}

// Message is the wire view of a persisted message. FromName is a snapshot of
// the sender's display name at send time and never changes afterwards.
type Message struct {
	Id            string    `json:"id"`
	RoomId        string    `json:"room_id"`
	FromUserId    int       `json:"from_user_id"`
	FromName      string    `json:"from_name"`
	ToUserId      int       `json:"to_user_id,omitempty"`
	Text          string    `json:"text"`
	ReadBy        []int     `json:"read_by"`
	AckState      string    `json:"ack_state"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Notification struct {
	Type      string    `json:"type"`
	RoomId    string    `json:"room_id,omitempty"`
	MessageId string    `json:"message_id,omitempty"`
	UserId    int       `json:"user_id,omitempty"`
	FromName  string    `json:"from_name,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
