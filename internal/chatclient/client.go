// Package chatclient is a websocket client that mirrors server state locally
// and reconciles it across reconnects. Requests that expect an ack are
// correlated by frame id and resolved by whichever comes first, the reply or
// the call timeout.
package chatclient

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pcarlton/relaychat/internal/server"
	"github.com/pcarlton/relaychat/internal/types"
)

const (
	DefaultCallTimeout   = 5 * time.Second
	maxNotifications     = 50
	maxReconnectAttempts = 5
	reconnectBaseDelay   = 500 * time.Millisecond
)

var (
	ErrTimedOut     = errors.New("call timed out")
	ErrNotConnected = errors.New("not connected")
)

// AckError is a request the server rejected.
type AckError struct {
	Code    string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// PendingSend is an unacked outgoing message retained for retry. Resending
// reuses the original correlation id so the server can treat the retry and
// the original interchangeably.
type PendingSend struct {
	RoomId        string
	ToUserId      int
	Text          string
	CorrelationId string
}

type Client struct {
	url         string
	token       string
	log         *log.Logger
	dialer      *websocket.Dialer
	callTimeout time.Duration

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	callsMu sync.Mutex
	nextId  int
	calls   map[int]chan *server.ServerMessage

	mu            sync.RWMutex
	state         ConnState
	user          types.User
	rooms         map[string]struct{}
	activeRoom    string
	typing        map[string]map[int]string
	presence      map[int]bool
	notifications []types.Notification
	unread        map[string]int

	retryMu    sync.Mutex
	retryQueue []PendingSend

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(url, token string, logger *log.Logger) *Client {
	return &Client{
		url:         url,
		token:       token,
		log:         logger,
		dialer:      websocket.DefaultDialer,
		callTimeout: DefaultCallTimeout,
		calls:       make(map[int]chan *server.ServerMessage),
		rooms:       make(map[string]struct{}),
		typing:      make(map[string]map[int]string),
		presence:    make(map[int]bool),
		unread:      make(map[string]int),
		stop:        make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop. The server's auth frame
// seeds the local room set.
func (c *Client) Connect() error {
	c.setState(Connecting)

	if err := c.dial(); err != nil {
		c.setState(Failed)
		return err
	}

	c.setState(Connected)
	go c.readLoop()

	return nil
}

func (c *Client) dial() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := c.dialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	return nil
}

func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.setState(Disconnected)
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return
		}

		var msg server.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.stop:
				return
			default:
			}

			c.log.Printf("read: %v", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		c.handleFrame(&msg)
	}
}

// reconnect redials with bounded backoff and rehydrates the room set from
// the server. Returns false once the attempt budget is exhausted.
func (c *Client) reconnect() bool {
	c.setState(Reconnecting)

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-c.stop:
			return false
		case <-time.After(reconnectBaseDelay * time.Duration(attempt)):
		}

		if err := c.dial(); err != nil {
			c.log.Printf("reconnect attempt %d: %v", attempt, err)
			continue
		}

		c.setState(Connected)

		// the rehydrate ack is resolved by the read loop this method was
		// called from, so the call must not block it
		go func() {
			if err := c.rehydrate(); err != nil {
				c.log.Printf("rehydrate: %v", err)
			}
		}()

		return true
	}

	c.setState(Failed)
	return false
}

func (c *Client) rehydrate() error {
	reply, err := c.call(&server.ClientMessage{Reconnect: &server.ReconnectRequest{}})
	if err != nil {
		return err
	}

	if reply.Ack == nil || !reply.Ack.Ok {
		return fmt.Errorf("reconnect rejected")
	}

	c.mu.Lock()
	for _, roomId := range reply.Ack.Rooms {
		c.rooms[roomId] = struct{}{}
	}
	c.mu.Unlock()

	return nil
}

func (c *Client) handleFrame(msg *server.ServerMessage) {
	if msg.Id != 0 && c.resolveCall(msg) {
		return
	}

	switch {
	case msg.Auth != nil:
		c.mu.Lock()
		c.user = msg.Auth.User
		for _, roomId := range msg.Auth.Rooms {
			c.rooms[roomId] = struct{}{}
		}
		c.mu.Unlock()
	case msg.Message != nil:
		c.onMessage(msg.Message)
	case msg.Notification != nil:
		c.onNotification(msg.Notification)
	case msg.Typing != nil:
		c.onTyping(msg.Typing)
	case msg.Read != nil:
		c.onRead(msg.Read)
	case msg.Presence != nil:
		c.mu.Lock()
		c.presence[msg.Presence.UserId] = msg.Presence.Online
		c.mu.Unlock()
	}
}

func (c *Client) onMessage(m *types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.FromUserId != c.user.Id && m.RoomId != c.activeRoom {
		c.unread[m.RoomId]++
	}
}

func (c *Client) onNotification(n *types.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// newest first, bounded
	c.notifications = append([]types.Notification{*n}, c.notifications...)
	if len(c.notifications) > maxNotifications {
		c.notifications = c.notifications[:maxNotifications]
	}

	if n.Type == types.NotificationPrivate && n.RoomId != "" {
		c.rooms[n.RoomId] = struct{}{}
	}
}

func (c *Client) onTyping(t *server.TypingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers, ok := c.typing[t.RoomId]
	if !ok {
		if !t.IsTyping {
			return
		}
		peers = make(map[int]string)
		c.typing[t.RoomId] = peers
	}

	if t.IsTyping {
		peers[t.UserId] = t.Username
	} else {
		delete(peers, t.UserId)
	}
}

func (c *Client) onRead(_ *server.ReadEvent) {
	// read receipts only matter for rendering, nothing to reconcile here
}

// call sends a frame and waits for the matching ack. The pending entry is
// removed by whichever side wins, so a reply arriving after the timeout is
// discarded.
func (c *Client) call(msg *server.ClientMessage) (*server.ServerMessage, error) {
	c.callsMu.Lock()
	c.nextId++
	id := c.nextId
	ch := make(chan *server.ServerMessage, 1)
	c.calls[id] = ch
	c.callsMu.Unlock()

	msg.Id = id
	msg.Timestamp = time.Now().UTC()

	if err := c.writeFrame(msg); err != nil {
		c.dropCall(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(c.callTimeout):
		c.dropCall(id)
		return nil, ErrTimedOut
	case <-c.stop:
		c.dropCall(id)
		return nil, ErrNotConnected
	}
}

func (c *Client) resolveCall(msg *server.ServerMessage) bool {
	c.callsMu.Lock()
	ch, ok := c.calls[msg.Id]
	if ok {
		delete(c.calls, msg.Id)
	}
	c.callsMu.Unlock()

	if !ok {
		return false
	}

	ch <- msg
	return true
}

func (c *Client) dropCall(id int) {
	c.callsMu.Lock()
	delete(c.calls, id)
	c.callsMu.Unlock()
}

func (c *Client) writeFrame(msg *server.ClientMessage) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.WriteJSON(msg)
}

func ackResult(reply *server.ServerMessage) (*server.Ack, error) {
	if reply.Ack == nil {
		return nil, fmt.Errorf("reply carried no ack")
	}

	if !reply.Ack.Ok {
		return nil, &AckError{Code: reply.Ack.Code, Message: reply.Ack.Error}
	}

	return reply.Ack, nil
}

// JoinRoom subscribes to a room and records the membership locally.
func (c *Client) JoinRoom(roomId string) error {
	reply, err := c.call(&server.ClientMessage{Join: &server.JoinRequest{RoomId: roomId}})
	if err != nil {
		return err
	}

	if _, err := ackResult(reply); err != nil {
		return err
	}

	c.mu.Lock()
	c.rooms[roomId] = struct{}{}
	c.mu.Unlock()

	return nil
}

// SendMessage sends a room message and returns its correlation id. A timed
// out send is retained in the retry queue under the same correlation id.
func (c *Client) SendMessage(roomId, text string) (string, error) {
	corrId := uuid.NewString()

	reply, err := c.call(&server.ClientMessage{
		Send: &server.SendRequest{RoomId: roomId, Text: text, CorrelationId: corrId},
	})
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			c.enqueueRetry(PendingSend{RoomId: roomId, Text: text, CorrelationId: corrId})
		}
		return corrId, err
	}

	if _, err := ackResult(reply); err != nil {
		return corrId, err
	}

	return corrId, nil
}

// SendPrivate sends a direct message and returns the server assigned private
// room id together with the correlation id.
func (c *Client) SendPrivate(toUserId int, text string) (roomId, corrId string, err error) {
	corrId = uuid.NewString()

	reply, err := c.call(&server.ClientMessage{
		Private: &server.PrivateRequest{ToUserId: toUserId, Text: text, CorrelationId: corrId},
	})
	if err != nil {
		if errors.Is(err, ErrTimedOut) {
			c.enqueueRetry(PendingSend{ToUserId: toUserId, Text: text, CorrelationId: corrId})
		}
		return "", corrId, err
	}

	ack, err := ackResult(reply)
	if err != nil {
		return "", corrId, err
	}

	c.mu.Lock()
	c.rooms[ack.RoomId] = struct{}{}
	c.mu.Unlock()

	return ack.RoomId, corrId, nil
}

func (c *Client) enqueueRetry(p PendingSend) {
	c.retryMu.Lock()
	c.retryQueue = append(c.retryQueue, p)
	c.retryMu.Unlock()
}

// RetryPending resends every queued unacked message with its original
// correlation id. Sends that time out again are requeued.
func (c *Client) RetryPending() error {
	c.retryMu.Lock()
	queue := c.retryQueue
	c.retryQueue = nil
	c.retryMu.Unlock()

	var firstErr error
	for _, p := range queue {
		var frame server.ClientMessage
		if p.ToUserId != 0 {
			frame.Private = &server.PrivateRequest{ToUserId: p.ToUserId, Text: p.Text, CorrelationId: p.CorrelationId}
		} else {
			frame.Send = &server.SendRequest{RoomId: p.RoomId, Text: p.Text, CorrelationId: p.CorrelationId}
		}

		reply, err := c.call(&frame)
		if err != nil {
			if errors.Is(err, ErrTimedOut) {
				c.enqueueRetry(p)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if _, err := ackResult(reply); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Typing is fire-and-forget, no ack expected.
func (c *Client) Typing(roomId string, isTyping bool) error {
	return c.writeFrame(&server.ClientMessage{
		Typing: &server.TypingRequest{RoomId: roomId, IsTyping: isTyping},
	})
}

// MarkRead reports a read receipt, fire-and-forget.
func (c *Client) MarkRead(messageId, roomId string) error {
	return c.writeFrame(&server.ClientMessage{
		Read: &server.ReadRequest{MessageId: messageId, RoomId: roomId},
	})
}

// Presence asks the server to rebroadcast this client's presence.
func (c *Client) Presence() error {
	_, err := c.call(&server.ClientMessage{Presence: &server.PresenceRequest{}})
	if err != nil && !errors.Is(err, ErrTimedOut) {
		return err
	}

	return nil
}

// SetActiveRoom marks the room the user is viewing. Messages arriving for
// the active room do not count as unread, and switching to a room clears
// its counter.
func (c *Client) SetActiveRoom(roomId string) {
	c.mu.Lock()
	c.activeRoom = roomId
	delete(c.unread, roomId)
	c.mu.Unlock()
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

func (c *Client) User() types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.user
}

func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for roomId := range c.rooms {
		rooms = append(rooms, roomId)
	}

	return rooms
}

func (c *Client) InRoom(roomId string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.rooms[roomId]
	return ok
}

func (c *Client) IsOnline(userId int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.presence[userId]
}

func (c *Client) Unread(roomId string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.unread[roomId]
}

// TypingUsers returns the usernames currently typing in a room.
func (c *Client) TypingUsers(roomId string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.typing[roomId]))
	for _, name := range c.typing[roomId] {
		names = append(names, name)
	}

	return names
}

// Notifications returns the retained notifications, newest first.
func (c *Client) Notifications() []types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Notification, len(c.notifications))
	copy(out, c.notifications)

	return out
}

// PendingRetries reports the sends still awaiting a successful ack.
func (c *Client) PendingRetries() []PendingSend {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()

	out := make([]PendingSend, len(c.retryQueue))
	copy(out, c.retryQueue)

	return out
}
