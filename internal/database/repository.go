package database

import "time"

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (Account, error)
	GetAccountById(accountId int) (Account, error)
	GetAccountByEmail(email string) (Account, error)
	ListAccounts() ([]Account, error)
	GetRoomByExternalId(externalId string) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	AddAccountRoom(accountId, roomId int) error
	AddRoomParticipant(roomId, accountId int) error
	ListAccountRooms(accountId int) ([]Room, error)
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageByExternalId(externalId string) (Message, error)
	AddMessageReader(messageId, accountId int) (bool, error)
	TouchRoomActivity(roomId int, ts time.Time) error
	ListMessages(roomId int, before time.Time, limit int) ([]Message, error)
	CountUnread(roomId, accountId int) (int, error)
	MarkRoomRead(roomId, accountId int) error
}
