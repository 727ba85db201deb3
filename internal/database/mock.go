package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(accountId int) (Account, error) {
	args := m.Called(accountId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (Account, error) {
	args := m.Called(email)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) ListAccounts() ([]Account, error) {
	args := m.Called()
	return args.Get(0).([]Account), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) AddAccountRoom(accountId, roomId int) error {
	args := m.Called(accountId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) AddRoomParticipant(roomId, accountId int) error {
	args := m.Called(roomId, accountId)
	return args.Error(0)
}
func (m *MockChatRepository) ListAccountRooms(accountId int) ([]Room, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessageByExternalId(externalId string) (Message, error) {
	args := m.Called(externalId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) AddMessageReader(messageId, accountId int) (bool, error) {
	args := m.Called(messageId, accountId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) TouchRoomActivity(roomId int, ts time.Time) error {
	args := m.Called(roomId, ts)
	return args.Error(0)
}
func (m *MockChatRepository) ListMessages(roomId int, before time.Time, limit int) ([]Message, error) {
	args := m.Called(roomId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) CountUnread(roomId, accountId int) (int, error) {
	args := m.Called(roomId, accountId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) MarkRoomRead(roomId, accountId int) error {
	args := m.Called(roomId, accountId)
	return args.Error(0)
}
