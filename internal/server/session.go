package server

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pcarlton/relaychat/internal/database"
	"github.com/pcarlton/relaychat/internal/types"
)

// Connect completes the handshake for an authenticated connection: it loads
// the user's durable room list, ensures the global room exists and is part
// of it, rebuilds the live membership snapshot, registers presence, emits
// the auth snapshot to the connection and broadcasts the user online.
func (cs *ChatServer) Connect(c *Client) error {
	rooms, err := cs.db.ListAccountRooms(c.user.Id)
	if err != nil {
		return fmt.Errorf("list account rooms: %w", err)
	}

	global, err := cs.ensureGlobalRoom()
	if err != nil {
		return fmt.Errorf("ensure global room: %w", err)
	}

	roomIds := make([]string, 0, len(rooms)+1)
	hasGlobal := false
	for _, room := range rooms {
		if room.ExternalId == global.ExternalId {
			hasGlobal = true
		}
		roomIds = append(roomIds, room.ExternalId)
	}

	if !hasGlobal {
		if err := cs.db.AddAccountRoom(c.user.Id, global.Id); err != nil {
			return fmt.Errorf("add global room: %w", err)
		}
		roomIds = append(roomIds, global.ExternalId)
	}

	cs.log.Printf("adding connection %q from %q", c.connId, c.user.Username)
	cs.addClient(c)
	cs.membership.Rehydrate(c.user.Id, roomIds)

	if first := cs.presence.Online(c.user.Id, c.connId); first {
		cs.stats.Incr(statOnlineUsers)
	}
	cs.stats.Incr(statActiveConnections)

	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Auth: &AuthEvent{
			Status: "ok",
			User:   c.user,
			Rooms:  roomIds,
		},
	})

	ts := Now()
	cs.broadcastAll(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: ts},
		Presence: &PresenceEvent{
			UserId:   c.user.Id,
			Username: c.user.DisplayName,
			Online:   true,
			Ts:       ts,
		},
	})

	return nil
}

func (cs *ChatServer) ensureGlobalRoom() (database.Room, error) {
	room, err := cs.db.GetRoomByExternalId(GlobalRoomId)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Room{}, err
	}

	room, err = cs.db.CreateRoom(database.CreateRoomParams{
		ExternalId: GlobalRoomId,
		Name:       "Global",
	})
	if err != nil {
		// lost the creation race, the room exists now
		if database.IsUniqueViolation(err) {
			return cs.db.GetRoomByExternalId(GlobalRoomId)
		}
		return database.Room{}, err
	}

	return room, nil
}

// PrivateRoomId returns the deterministic room id for the unordered pair of
// users, so repeated resolution in either argument order is idempotent.
func PrivateRoomId(a, b int) string {
	if a > b {
		a, b = b, a
	}

	return fmt.Sprintf("p-%d-%d", a, b)
}

func (cs *ChatServer) ensurePrivateRoom(a, b int) (database.Room, error) {
	externalId := PrivateRoomId(a, b)

	room, err := cs.db.GetRoomByExternalId(externalId)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return database.Room{}, err
	}

	room, err = cs.db.CreateRoom(database.CreateRoomParams{
		ExternalId:     externalId,
		Name:           "Direct",
		IsPrivate:      true,
		ParticipantIds: []int{a, b},
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return cs.db.GetRoomByExternalId(externalId)
		}
		return database.Room{}, err
	}

	return room, nil
}

func (cs *ChatServer) handleJoin(msg *ClientMessage) {
	c := msg.client
	if msg.Join.RoomId == "" {
		c.queueMessage(ErrInvalidArgument(msg.Id, "room_id required"))
		return
	}

	room, err := cs.db.GetRoomByExternalId(msg.Join.RoomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(ErrRoomNotFound(msg.Id))
		} else {
			cs.log.Println("GetRoomByExternalId:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	cs.membership.Add(msg.UserId, room.ExternalId)

	if err := cs.db.AddRoomParticipant(room.Id, msg.UserId); err != nil {
		cs.log.Println("AddRoomParticipant:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if err := cs.db.AddAccountRoom(msg.UserId, room.Id); err != nil {
		cs.log.Println("AddAccountRoom:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	ts := Now()
	cs.broadcastRoom(room.ExternalId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: ts},
		Notification: &types.Notification{
			Type:      types.NotificationUserJoined,
			RoomId:    room.ExternalId,
			UserId:    msg.UserId,
			Text:      c.user.DisplayName + " joined room",
			Timestamp: ts,
		},
	})

	c.queueMessage(AckOk(msg.Id, nil))
}

func (cs *ChatServer) handleSend(msg *ClientMessage) {
	c := msg.client
	req := msg.Send
	if req.RoomId == "" || req.Text == "" {
		c.queueMessage(ErrInvalidArgument(msg.Id, "room_id and text required"))
		return
	}

	// senders must join before sending so fan-out recipients are well-defined
	if !cs.membership.Contains(msg.UserId, req.RoomId) {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	room, err := cs.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(ErrRoomNotFound(msg.Id))
		} else {
			cs.log.Println("GetRoomByExternalId:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	saved, corrId, ok := cs.saveMessage(msg, room, req.Text, req.CorrelationId, 0)
	if !ok {
		return
	}

	cs.broadcastMessage(room.ExternalId, saved)
	cs.broadcastRoom(room.ExternalId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: saved.Timestamp},
		Notification: &types.Notification{
			Type:      types.NotificationMessage,
			RoomId:    room.ExternalId,
			MessageId: saved.Id,
			FromName:  saved.FromName,
			Text:      saved.Text,
			Timestamp: saved.Timestamp,
		},
	})

	c.queueMessage(AckOk(msg.Id, &Ack{
		ServerMessageId: saved.Id,
		CorrelationId:   corrId,
	}))
}

func (cs *ChatServer) handlePrivate(msg *ClientMessage) {
	c := msg.client
	req := msg.Private
	if req.ToUserId == 0 || req.Text == "" {
		c.queueMessage(ErrInvalidArgument(msg.Id, "to_user_id and text required"))
		return
	}
	if req.ToUserId == msg.UserId {
		c.queueMessage(ErrInvalidArgument(msg.Id, "cannot message yourself"))
		return
	}

	target, err := cs.db.GetAccountById(req.ToUserId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(ErrUserNotFound(msg.Id))
		} else {
			cs.log.Println("GetAccountById:", err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	room, err := cs.ensurePrivateRoom(msg.UserId, target.Id)
	if err != nil {
		cs.log.Println("ensurePrivateRoom:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	cs.membership.Add(msg.UserId, room.ExternalId)

	saved, corrId, ok := cs.saveMessage(msg, room, req.Text, req.CorrelationId, target.Id)
	if !ok {
		return
	}

	cs.broadcastMessage(room.ExternalId, saved)

	// pull an online recipient into the private room so they see the
	// conversation without an explicit join
	if cs.presence.IsOnline(target.Id) {
		cs.membership.Add(target.Id, room.ExternalId)
		cs.broadcastUser(target.Id, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: saved.Timestamp},
			Notification: &types.Notification{
				Type:      types.NotificationPrivate,
				RoomId:    room.ExternalId,
				MessageId: saved.Id,
				FromName:  saved.FromName,
				Text:      saved.Text,
				Timestamp: saved.Timestamp,
			},
		})
	}

	c.queueMessage(AckOk(msg.Id, &Ack{
		ServerMessageId: saved.Id,
		CorrelationId:   corrId,
		RoomId:          room.ExternalId,
	}))
}

// saveMessage persists a message and reports it along with the resolved
// correlation id. On failure it queues the error ack itself and returns
// ok=false.
func (cs *ChatServer) saveMessage(msg *ClientMessage, room database.Room, text, corrId string, toUserId int) (*types.Message, string, bool) {
	c := msg.client
	if corrId == "" {
		corrId = uuid.NewString()
	}

	externalId, err := cs.generateId()
	if err != nil {
		cs.log.Println("generate message id:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return nil, "", false
	}

	saved, err := cs.db.CreateMessage(database.CreateMessageParams{
		ExternalId:    externalId,
		RoomId:        room.Id,
		FromAccount:   msg.UserId,
		FromName:      c.user.DisplayName,
		ToAccount:     toUserId,
		Body:          text,
		CorrelationId: corrId,
		AckState:      types.AckDelivered,
		CreatedAt:     msg.Timestamp,
	})
	if err != nil {
		cs.log.Println("CreateMessage:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return nil, "", false
	}

	// best-effort, a stale activity timestamp never fails the send
	if err := cs.db.TouchRoomActivity(room.Id, saved.CreatedAt); err != nil {
		cs.log.Println("TouchRoomActivity:", err)
	}

	cs.stats.Incr(statMessagesSent)

	return &types.Message{
		Id:            saved.ExternalId,
		RoomId:        room.ExternalId,
		FromUserId:    saved.FromAccount,
		FromName:      saved.FromName,
		ToUserId:      saved.ToAccount,
		Text:          saved.Body,
		ReadBy:        saved.ReadBy,
		AckState:      saved.AckState,
		CorrelationId: saved.CorrelationId,
		Timestamp:     saved.CreatedAt,
	}, corrId, true
}

func (cs *ChatServer) broadcastMessage(roomId string, message *types.Message) {
	cs.broadcastRoom(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: message.Timestamp},
		Message:     message,
	})
}

// handleTyping relays a typing signal to the other connections in the room.
// Best-effort: no persistence, no ack, no membership check.
func (cs *ChatServer) handleTyping(msg *ClientMessage) {
	if msg.Typing.RoomId == "" {
		return
	}

	cs.broadcastRoom(msg.Typing.RoomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Typing: &TypingEvent{
			RoomId:   msg.Typing.RoomId,
			UserId:   msg.UserId,
			Username: msg.client.user.DisplayName,
			IsTyping: msg.Typing.IsTyping,
		},
		SkipClient: msg.client,
	})
}

// handleRead records the caller in the message's reader set and relays the
// read to the room. A missing message is a silent no-op.
func (cs *ChatServer) handleRead(msg *ClientMessage) {
	if msg.Read.MessageId == "" {
		return
	}

	dbMsg, err := cs.db.GetMessageByExternalId(msg.Read.MessageId)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			cs.log.Println("GetMessageByExternalId:", err)
		}
		return
	}

	changed, err := cs.db.AddMessageReader(dbMsg.Id, msg.UserId)
	if err != nil {
		cs.log.Println("AddMessageReader:", err)
		return
	}
	// already a reader, nothing to relay
	if !changed {
		return
	}

	roomId := msg.Read.RoomId
	if roomId == "" {
		roomId = dbMsg.RoomExternalId
	}

	cs.broadcastRoom(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Read: &ReadEvent{
			MessageId: dbMsg.ExternalId,
			RoomId:    roomId,
			By:        msg.UserId,
		},
	})
}

// handlePresence rebroadcasts the caller's online status system-wide and
// replies with the same payload.
func (cs *ChatServer) handlePresence(msg *ClientMessage) {
	ev := &PresenceEvent{
		UserId:   msg.UserId,
		Username: msg.client.user.DisplayName,
		Online:   true,
		Ts:       Now(),
	}

	cs.broadcastAll(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: ev.Ts},
		Presence:    ev,
	})

	msg.client.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Id: msg.Id, Timestamp: ev.Ts},
		Presence:    ev,
	})
}

// handleReconnect repairs the live membership snapshot from the durable room
// list after a transport-level reconnect the server did not observe as a
// full handshake.
func (cs *ChatServer) handleReconnect(msg *ClientMessage) {
	c := msg.client

	rooms, err := cs.db.ListAccountRooms(msg.UserId)
	if err != nil {
		cs.log.Println("ListAccountRooms:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	roomIds := make([]string, 0, len(rooms))
	for _, room := range rooms {
		roomIds = append(roomIds, room.ExternalId)
	}

	cs.membership.Rehydrate(msg.UserId, roomIds)

	c.queueMessage(AckOk(msg.Id, &Ack{Rooms: roomIds}))
}
