package server

import (
	"log"
	"sync"
	"time"

	"github.com/pcarlton/relaychat/internal/database"
	"github.com/pcarlton/relaychat/internal/stats"
	"github.com/pcarlton/relaychat/internal/types"
	"github.com/teris-io/shortid"
)

// GlobalRoomId is the external id of the well-known shared room every user
// is subscribed to on handshake.
const GlobalRoomId = "global"

// DefaultGracePeriod is how long a disconnected user keeps their presence
// slot before being demoted to offline.
const DefaultGracePeriod = 4 * time.Second

const (
	statActiveConnections = "ActiveConnections"
	statOnlineUsers       = "OnlineUsers"
	statMessagesSent      = "MessagesSent"
	statDroppedSends      = "DroppedSends"
)

type ChatServer struct {
	log         *log.Logger
	db          database.ChatRepository
	stats       stats.StatsProvider
	presence    *PresenceRegistry
	membership  *MembershipTracker
	clientsLock sync.RWMutex
	clients     map[*Client]struct{}
	userClients map[int]map[*Client]struct{}
	gracePeriod time.Duration
	generateId  func() (string, error)
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider, gracePeriod time.Duration) (*ChatServer, error) {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	su.RegisterMetric(statActiveConnections)
	su.RegisterMetric(statOnlineUsers)
	su.RegisterMetric(statMessagesSent)
	su.RegisterMetric(statDroppedSends)

	return &ChatServer{
		log:         logger,
		db:          db,
		stats:       su,
		presence:    NewPresenceRegistry(),
		membership:  NewMembershipTracker(),
		clients:     make(map[*Client]struct{}),
		userClients: make(map[int]map[*Client]struct{}),
		gracePeriod: gracePeriod,
		generateId:  shortid.Generate,
	}, nil
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userClients[c.user.Id] == nil {
		cs.userClients[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userClients[c.user.Id][c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	delete(cs.clients, c)
	if userClients, ok := cs.userClients[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userClients, c.user.Id)
		}
	}
}

// broadcastRoom delivers msg to every live connection whose user is
// subscribed to the room, minus msg.SkipClient.
func (cs *ChatServer) broadcastRoom(roomId string, msg *ServerMessage) {
	for _, userId := range cs.membership.Subscribers(roomId) {
		cs.broadcastUser(userId, msg)
	}
}

// broadcastUser delivers msg to every live connection of a single user.
func (cs *ChatServer) broadcastUser(userId int, msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for client := range cs.userClients[userId] {
		if client == msg.SkipClient {
			continue
		}

		if !client.queueMessage(msg) {
			cs.stats.Incr(statDroppedSends)
		}
	}
}

// broadcastAll delivers msg to every live connection, minus msg.SkipClient.
func (cs *ChatServer) broadcastAll(msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for client := range cs.clients {
		if client == msg.SkipClient {
			continue
		}

		if !client.queueMessage(msg) {
			cs.stats.Incr(statDroppedSends)
		}
	}
}

// Disconnect unregisters a closed connection. Presence demotion is deferred
// by the grace period so a quick reconnect never flaps presence broadcasts.
func (cs *ChatServer) Disconnect(c *Client) {
	cs.log.Printf("removing connection %q from %q", c.connId, c.user.Username)
	cs.removeClient(c)
	cs.stats.Decr(statActiveConnections)

	generation := cs.presence.Offline(c.user.Id, c.connId)
	cs.scheduleDemotion(c.user, generation)
}

func (cs *ChatServer) scheduleDemotion(user types.User, generation int) {
	time.AfterFunc(cs.gracePeriod, func() {
		// re-check: a reconnect or surviving connection cancels the demotion
		if !cs.presence.Demote(user.Id, generation) {
			return
		}

		cs.log.Printf("user %q went offline", user.Username)
		cs.membership.Drop(user.Id)
		cs.stats.Decr(statOnlineUsers)

		ts := Now()
		cs.broadcastAll(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: ts},
			Presence: &PresenceEvent{
				UserId:   user.Id,
				Username: user.DisplayName,
				Online:   false,
				Ts:       ts,
			},
		})
		cs.broadcastAll(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: ts},
			Notification: &types.Notification{
				Type:      types.NotificationUserLeft,
				UserId:    user.Id,
				Text:      user.DisplayName + " went offline",
				Timestamp: ts,
			},
		})
	})
}

func (cs *ChatServer) Shutdown() {
	cs.log.Println("closing client connections")

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.clients {
		c.stopClient()
	}
}
