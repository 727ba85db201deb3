package server

import (
	"database/sql"
	"testing"
	"time"

	"github.com/pcarlton/relaychat/internal/database"
	"github.com/pcarlton/relaychat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	db := &database.MockChatRepository{}
	global := database.Room{Id: 1, ExternalId: GlobalRoomId, Name: "Global"}
	db.On("ListAccountRooms", 1).Return([]database.Room{global}, nil)
	db.On("GetRoomByExternalId", GlobalRoomId).Return(global, nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})

	require.NoError(t, cs.Connect(c))

	auth := receiveMessage(t, c)
	require.NotNil(t, auth.Auth)
	assert.Equal(t, "ok", auth.Auth.Status)
	assert.Equal(t, 1, auth.Auth.User.Id)
	assert.ElementsMatch(t, []string{GlobalRoomId}, auth.Auth.Rooms)

	online := receiveMessage(t, c)
	require.NotNil(t, online.Presence)
	assert.True(t, online.Presence.Online)

	assert.True(t, cs.presence.IsOnline(1))
	assert.True(t, cs.membership.Contains(1, GlobalRoomId))
	db.AssertNotCalled(t, "AddAccountRoom", mock.Anything, mock.Anything)
}

func TestConnect_SubscribesGlobalRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	global := database.Room{Id: 7, ExternalId: GlobalRoomId, Name: "Global"}
	db.On("ListAccountRooms", 1).Return([]database.Room{}, nil)
	db.On("GetRoomByExternalId", GlobalRoomId).Return(global, nil)
	db.On("AddAccountRoom", 1, 7).Return(nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})

	require.NoError(t, cs.Connect(c))

	auth := receiveMessage(t, c)
	require.NotNil(t, auth.Auth)
	assert.ElementsMatch(t, []string{GlobalRoomId}, auth.Auth.Rooms)
	db.AssertExpectations(t)
}

func TestConnect_CreatesGlobalRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	global := database.Room{Id: 1, ExternalId: GlobalRoomId, Name: "Global"}
	db.On("ListAccountRooms", 1).Return([]database.Room{}, nil)
	db.On("GetRoomByExternalId", GlobalRoomId).Return(database.Room{}, sql.ErrNoRows).Once()
	db.On("CreateRoom", database.CreateRoomParams{ExternalId: GlobalRoomId, Name: "Global"}).Return(global, nil)
	db.On("AddAccountRoom", 1, 1).Return(nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})

	require.NoError(t, cs.Connect(c))
	db.AssertExpectations(t)
}

func TestPrivateRoomId(t *testing.T) {
	assert.Equal(t, "p-1-2", PrivateRoomId(1, 2))
	assert.Equal(t, "p-1-2", PrivateRoomId(2, 1), "argument order must not matter")
}

func TestHandleJoin(t *testing.T) {
	db := &database.MockChatRepository{}
	room := database.Room{Id: 3, ExternalId: "abc123", Name: "general"}
	db.On("GetRoomByExternalId", "abc123").Return(room, nil)
	db.On("AddRoomParticipant", 3, 1).Return(nil)
	db.On("AddAccountRoom", 1, 3).Return(nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})
	cs.addClient(c)

	cs.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Join:        &JoinRequest{RoomId: "abc123"},
		UserId:      1,
		client:      c,
	})

	joined := receiveMessage(t, c)
	require.NotNil(t, joined.Notification)
	assert.Equal(t, types.NotificationUserJoined, joined.Notification.Type)
	assert.Equal(t, "Alice joined room", joined.Notification.Text)

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.True(t, ack.Ack.Ok)
	assert.Equal(t, 2, ack.Id)
	assert.True(t, cs.membership.Contains(1, "abc123"))
	db.AssertExpectations(t)
}

func TestHandleJoin_RoomNotFound(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoomByExternalId", "missing").Return(database.Room{}, sql.ErrNoRows)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)

	cs.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Join:        &JoinRequest{RoomId: "missing"},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.False(t, ack.Ack.Ok)
	assert.Equal(t, CodeNotFound, ack.Ack.Code)
}

func TestHandleSend(t *testing.T) {
	db := &database.MockChatRepository{}
	room := database.Room{Id: 3, ExternalId: "abc123", Name: "general"}
	createdAt := Now()
	db.On("GetRoomByExternalId", "abc123").Return(room, nil)
	db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.RoomId == 3 && p.Body == "hi" && p.CorrelationId == "c1" && p.AckState == types.AckDelivered
	})).Return(database.Message{
		Id:            9,
		ExternalId:    "m1",
		RoomId:        3,
		FromAccount:   1,
		FromName:      "Alice",
		Body:          "hi",
		CorrelationId: "c1",
		ReadBy:        []int{1},
		AckState:      types.AckDelivered,
		CreatedAt:     createdAt,
	}, nil)
	db.On("TouchRoomActivity", 3, createdAt).Return(nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	sender := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})
	member := newTestClient(t, cs, types.User{Id: 2, Username: "bob", DisplayName: "Bob"})
	cs.addClient(sender)
	cs.addClient(member)
	cs.membership.Add(1, "abc123")
	cs.membership.Add(2, "abc123")

	cs.handleSend(&ClientMessage{
		BaseMessage: BaseMessage{Id: 5, Timestamp: createdAt},
		Send:        &SendRequest{RoomId: "abc123", Text: "hi", CorrelationId: "c1"},
		UserId:      1,
		client:      sender,
	})

	delivered := receiveMessage(t, member)
	require.NotNil(t, delivered.Message)
	assert.Equal(t, "m1", delivered.Message.Id)
	assert.Equal(t, "hi", delivered.Message.Text)
	assert.Equal(t, "c1", delivered.Message.CorrelationId)
	assert.Equal(t, []int{1}, delivered.Message.ReadBy, "sender counts as having read their own message")

	notif := receiveMessage(t, member)
	require.NotNil(t, notif.Notification)
	assert.Equal(t, types.NotificationMessage, notif.Notification.Type)

	// sender receives the fan-out too, then the ack
	receiveMessage(t, sender)
	receiveMessage(t, sender)
	ack := receiveMessage(t, sender)
	require.NotNil(t, ack.Ack)
	assert.True(t, ack.Ack.Ok)
	assert.Equal(t, 5, ack.Id)
	assert.Equal(t, "m1", ack.Ack.ServerMessageId)
	assert.Equal(t, "c1", ack.Ack.CorrelationId)
	db.AssertExpectations(t)
}

func TestHandleSend_RequiresMembership(t *testing.T) {
	db := &database.MockChatRepository{}

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)

	cs.handleSend(&ClientMessage{
		BaseMessage: BaseMessage{Id: 5},
		Send:        &SendRequest{RoomId: "abc123", Text: "hi"},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.False(t, ack.Ack.Ok)
	assert.Equal(t, CodeForbidden, ack.Ack.Code)
	db.AssertNotCalled(t, "CreateMessage", mock.Anything)
}

func TestHandleSend_InvalidArgument(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)

	cs.handleSend(&ClientMessage{
		BaseMessage: BaseMessage{Id: 5},
		Send:        &SendRequest{RoomId: "abc123"},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, CodeInvalidArgument, ack.Ack.Code)
}

func TestHandlePrivate(t *testing.T) {
	db := &database.MockChatRepository{}
	room := database.Room{Id: 4, ExternalId: "p-1-2", Name: "Direct", IsPrivate: true}
	createdAt := Now()
	db.On("GetAccountById", 2).Return(database.Account{Id: 2, Username: "bob", DisplayName: "Bob"}, nil)
	db.On("GetRoomByExternalId", "p-1-2").Return(database.Room{}, sql.ErrNoRows).Once()
	db.On("CreateRoom", database.CreateRoomParams{
		ExternalId:     "p-1-2",
		Name:           "Direct",
		IsPrivate:      true,
		ParticipantIds: []int{1, 2},
	}).Return(room, nil)
	db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.RoomId == 4 && p.ToAccount == 2 && p.Body == "psst"
	})).Return(database.Message{
		Id:            10,
		ExternalId:    "m2",
		RoomId:        4,
		FromAccount:   1,
		FromName:      "Alice",
		ToAccount:     2,
		Body:          "psst",
		CorrelationId: "c2",
		AckState:      types.AckDelivered,
		CreatedAt:     createdAt,
	}, nil)
	db.On("TouchRoomActivity", 4, createdAt).Return(nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	sender := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})
	recipient := newTestClient(t, cs, types.User{Id: 2, Username: "bob", DisplayName: "Bob"})
	cs.addClient(sender)
	cs.addClient(recipient)
	cs.presence.Online(2, recipient.connId)

	cs.handlePrivate(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7, Timestamp: createdAt},
		Private:     &PrivateRequest{ToUserId: 2, Text: "psst", CorrelationId: "c2"},
		UserId:      1,
		client:      sender,
	})

	// recipient is pulled into the room and told about the conversation
	notif := receiveMessage(t, recipient)
	require.NotNil(t, notif.Notification)
	assert.Equal(t, types.NotificationPrivate, notif.Notification.Type)
	assert.Equal(t, "p-1-2", notif.Notification.RoomId)
	assert.True(t, cs.membership.Contains(2, "p-1-2"))

	// sender receives the fan-out, then the ack carrying the room id
	delivered := receiveMessage(t, sender)
	require.NotNil(t, delivered.Message)
	assert.Equal(t, 2, delivered.Message.ToUserId)

	ack := receiveMessage(t, sender)
	require.NotNil(t, ack.Ack)
	assert.True(t, ack.Ack.Ok)
	assert.Equal(t, "m2", ack.Ack.ServerMessageId)
	assert.Equal(t, "c2", ack.Ack.CorrelationId)
	assert.Equal(t, "p-1-2", ack.Ack.RoomId)
	db.AssertExpectations(t)
}

func TestHandlePrivate_OfflineRecipient(t *testing.T) {
	db := &database.MockChatRepository{}
	room := database.Room{Id: 4, ExternalId: "p-1-2", Name: "Direct", IsPrivate: true}
	db.On("GetAccountById", 2).Return(database.Account{Id: 2, Username: "bob", DisplayName: "Bob"}, nil)
	db.On("GetRoomByExternalId", "p-1-2").Return(room, nil)
	db.On("CreateMessage", mock.Anything).Return(database.Message{
		Id: 10, ExternalId: "m2", RoomId: 4, FromAccount: 1, ToAccount: 2, Body: "psst", CreatedAt: Now(),
	}, nil)
	db.On("TouchRoomActivity", mock.Anything, mock.Anything).Return(nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	sender := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})
	cs.addClient(sender)

	cs.handlePrivate(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Private:     &PrivateRequest{ToUserId: 2, Text: "psst"},
		UserId:      1,
		client:      sender,
	})

	receiveMessage(t, sender) // fan-out
	ack := receiveMessage(t, sender)
	require.NotNil(t, ack.Ack)
	assert.True(t, ack.Ack.Ok)

	// offline recipients are reconciled from durable state on their next handshake
	assert.False(t, cs.membership.Contains(2, "p-1-2"))
}

func TestHandlePrivate_SelfTarget(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)

	cs.handlePrivate(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Private:     &PrivateRequest{ToUserId: 1, Text: "hi"},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, CodeInvalidArgument, ack.Ack.Code)
}

func TestHandlePrivate_UserNotFound(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetAccountById", 42).Return(database.Account{}, sql.ErrNoRows)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)

	cs.handlePrivate(&ClientMessage{
		BaseMessage: BaseMessage{Id: 7},
		Private:     &PrivateRequest{ToUserId: 42, Text: "hi"},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, CodeNotFound, ack.Ack.Code)
}

func TestHandleTyping(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	sender := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})
	member := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	cs.addClient(sender)
	cs.addClient(member)
	cs.membership.Add(1, "global")
	cs.membership.Add(2, "global")

	cs.handleTyping(&ClientMessage{
		Typing: &TypingRequest{RoomId: "global", IsTyping: true},
		UserId: 1,
		client: sender,
	})

	ev := receiveMessage(t, member)
	require.NotNil(t, ev.Typing)
	assert.Equal(t, "Alice", ev.Typing.Username)
	assert.True(t, ev.Typing.IsTyping)
	assertNoMessage(t, sender)
}

func TestHandleRead(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetMessageByExternalId", "m1").Return(database.Message{
		Id:             9,
		ExternalId:     "m1",
		RoomId:         3,
		RoomExternalId: "abc123",
	}, nil)
	db.On("AddMessageReader", 9, 2).Return(true, nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	reader := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	member := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(reader)
	cs.addClient(member)
	cs.membership.Add(1, "abc123")
	cs.membership.Add(2, "abc123")

	cs.handleRead(&ClientMessage{
		Read:   &ReadRequest{MessageId: "m1"},
		UserId: 2,
		client: reader,
	})

	ev := receiveMessage(t, member)
	require.NotNil(t, ev.Read)
	assert.Equal(t, "m1", ev.Read.MessageId)
	assert.Equal(t, "abc123", ev.Read.RoomId, "room id falls back to the stored message's room")
	assert.Equal(t, 2, ev.Read.By)
	db.AssertExpectations(t)
}

func TestHandleRead_Idempotent(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetMessageByExternalId", "m1").Return(database.Message{
		Id:             9,
		ExternalId:     "m1",
		RoomId:         3,
		RoomExternalId: "abc123",
	}, nil)
	// the reader set only grows, a repeated read changes no row
	db.On("AddMessageReader", 9, 2).Return(true, nil).Once()
	db.On("AddMessageReader", 9, 2).Return(false, nil).Once()

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	reader := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	member := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(reader)
	cs.addClient(member)
	cs.membership.Add(1, "abc123")
	cs.membership.Add(2, "abc123")

	read := &ClientMessage{
		Read:   &ReadRequest{MessageId: "m1"},
		UserId: 2,
		client: reader,
	}
	cs.handleRead(read)
	cs.handleRead(read)

	ev := receiveMessage(t, member)
	require.NotNil(t, ev.Read)
	assert.Equal(t, 2, ev.Read.By)
	assertNoMessage(t, member)
	db.AssertExpectations(t)
}

func TestHandleRead_UnknownMessage(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetMessageByExternalId", "missing").Return(database.Message{}, sql.ErrNoRows)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	cs.addClient(c)

	cs.handleRead(&ClientMessage{
		Read:   &ReadRequest{MessageId: "missing"},
		UserId: 2,
		client: c,
	})

	assertNoMessage(t, c)
	db.AssertNotCalled(t, "AddMessageReader", mock.Anything, mock.Anything)
}

func TestHandleReconnect(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("ListAccountRooms", 1).Return([]database.Room{
		{Id: 1, ExternalId: "global"},
		{Id: 3, ExternalId: "abc123"},
	}, nil)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)

	cs.handleReconnect(&ClientMessage{
		BaseMessage: BaseMessage{Id: 9},
		Reconnect:   &ReconnectRequest{},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.True(t, ack.Ack.Ok)
	assert.Equal(t, 9, ack.Id)
	assert.ElementsMatch(t, []string{"global", "abc123"}, ack.Ack.Rooms)
	assert.True(t, cs.membership.Contains(1, "abc123"))
}

func TestHandlePresence(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice", DisplayName: "Alice"})
	other := newTestClient(t, cs, types.User{Id: 2, Username: "bob"})
	cs.addClient(c)
	cs.addClient(other)

	cs.handlePresence(&ClientMessage{
		BaseMessage: BaseMessage{Id: 4},
		Presence:    &PresenceRequest{},
		UserId:      1,
		client:      c,
	})

	broadcast := receiveMessage(t, other)
	require.NotNil(t, broadcast.Presence)
	assert.True(t, broadcast.Presence.Online)

	// caller gets the broadcast copy and a correlated reply
	receiveMessage(t, c)
	reply := receiveMessage(t, c)
	require.NotNil(t, reply.Presence)
	assert.Equal(t, 4, reply.Id)
}

func TestHandleSend_SaveFailure(t *testing.T) {
	db := &database.MockChatRepository{}
	room := database.Room{Id: 3, ExternalId: "abc123"}
	db.On("GetRoomByExternalId", "abc123").Return(room, nil)
	db.On("CreateMessage", mock.Anything).Return(database.Message{}, assert.AnError)

	cs := newTestChatServer(t, db, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})
	cs.addClient(c)
	cs.membership.Add(1, "abc123")

	cs.handleSend(&ClientMessage{
		BaseMessage: BaseMessage{Id: 5, Timestamp: time.Now()},
		Send:        &SendRequest{RoomId: "abc123", Text: "hi"},
		UserId:      1,
		client:      c,
	})

	ack := receiveMessage(t, c)
	require.NotNil(t, ack.Ack)
	assert.False(t, ack.Ack.Ok)
	assert.Equal(t, CodeInternal, ack.Ack.Code)
}
