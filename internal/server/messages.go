package server

import (
	"time"

	"github.com/pcarlton/relaychat/internal/types"
)

// Error codes reported inline in ack frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
	CodeUnavailable     = "unavailable"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame sent by a client. Exactly one of the request
// pointers is set. Id correlates the frame with its ack; fire-and-forget
// requests (typing, read) carry no Id and receive no ack.
type ClientMessage struct {
	BaseMessage
	Join      *JoinRequest      `json:"join,omitempty"`
	Send      *SendRequest      `json:"send,omitempty"`
	Private   *PrivateRequest   `json:"private,omitempty"`
	Typing    *TypingRequest    `json:"typing,omitempty"`
	Read      *ReadRequest      `json:"read,omitempty"`
	Presence  *PresenceRequest  `json:"presence,omitempty"`
	Reconnect *ReconnectRequest `json:"reconnect,omitempty"`
	UserId    int               `json:"-"`
	client    *Client           `json:"-"`
}

type JoinRequest struct {
	RoomId string `json:"room_id"`
}

type SendRequest struct {
	RoomId        string `json:"room_id"`
	Text          string `json:"text"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

type PrivateRequest struct {
	ToUserId      int    `json:"to_user_id"`
	Text          string `json:"text"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

type TypingRequest struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type ReadRequest struct {
	MessageId string `json:"message_id"`
	RoomId    string `json:"room_id,omitempty"`
}

type PresenceRequest struct{}

type ReconnectRequest struct{}

// ServerMessage is a frame sent to a client. A frame with Id set is the
// reply to the client request with the same Id.
type ServerMessage struct {
	BaseMessage
	Auth         *AuthEvent          `json:"auth,omitempty"`
	Ack          *Ack                `json:"ack,omitempty"`
	Message      *types.Message      `json:"message,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
	Typing       *TypingEvent        `json:"typing,omitempty"`
	Read         *ReadEvent          `json:"message_read,omitempty"`
	Presence     *PresenceEvent      `json:"presence,omitempty"`
	SkipClient   *Client             `json:"-"`
}

type Ack struct {
	Ok              bool     `json:"ok"`
	Code            string   `json:"code,omitempty"`
	Error           string   `json:"error,omitempty"`
	ServerMessageId string   `json:"server_message_id,omitempty"`
	CorrelationId   string   `json:"correlation_id,omitempty"`
	RoomId          string   `json:"room_id,omitempty"`
	Rooms           []string `json:"rooms,omitempty"`
}

// AuthEvent is the initial state snapshot emitted once per handshake.
type AuthEvent struct {
	Status string     `json:"status"`
	User   types.User `json:"user"`
	Rooms  []string   `json:"rooms"`
}

type TypingEvent struct {
	RoomId   string `json:"room_id"`
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ReadEvent struct {
	MessageId string `json:"message_id"`
	RoomId    string `json:"room_id"`
	By        int    `json:"by"`
}

type PresenceEvent struct {
	UserId   int       `json:"user_id"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	Ts       time.Time `json:"ts"`
}

func AckOk(id int, ack *Ack) *ServerMessage {
	if ack == nil {
		ack = &Ack{}
	}
	ack.Ok = true

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Ack: ack,
	}
}

func ackError(id int, code, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Ack: &Ack{
			Code:  code,
			Error: msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return ackError(id, CodeNotFound, "room not found")
}

func ErrUserNotFound(id int) *ServerMessage {
	return ackError(id, CodeNotFound, "user not found")
}

func ErrForbidden(id int) *ServerMessage {
	return ackError(id, CodeForbidden, "join room first")
}

func ErrInvalidArgument(id int, msg string) *ServerMessage {
	return ackError(id, CodeInvalidArgument, msg)
}

func ErrInternalError(id int) *ServerMessage {
	return ackError(id, CodeInternal, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return ackError(id, CodeUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := ackError(0, CodeInvalidArgument, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
