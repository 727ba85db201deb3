package server

import (
	"testing"

	"github.com/pcarlton/relaychat/internal/database"
	"github.com/pcarlton/relaychat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestClient_QueueMessage(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

	assert.True(t, c.queueMessage(AckOk(1, nil)))
	assert.NotNil(t, receiveMessage(t, c).Ack)
}

func TestClient_QueueMessageFullChannel(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

	msg := AckOk(1, nil)
	for i := 0; i < cap(c.send); i++ {
		assert.True(t, c.queueMessage(msg))
	}

	assert.False(t, c.queueMessage(msg), "a full send queue drops instead of blocking")
}

func TestClient_StopClientIdempotent(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Fatal("stop channel should be closed")
	}
}

func TestClient_Dispatch(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, DefaultGracePeriod)
	c := newTestClient(t, cs, types.User{Id: 1, Username: "alice"})

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, UserId: 1, client: c})

	ack := receiveMessage(t, c)
	assert.NotNil(t, ack.Ack)
	assert.Equal(t, CodeInvalidArgument, ack.Ack.Code)
}
