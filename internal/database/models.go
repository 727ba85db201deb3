package database

import "time"

type Account struct {
	Id           int
	Username     string
	DisplayName  string
	AvatarColor  string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id            int
	ExternalId    string
	Name          string
	IsPrivate     bool
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	Id         int
	ExternalId string
	RoomId     int
	// RoomExternalId is only populated by GetMessageByExternalId
	RoomExternalId string
	FromAccount    int
	FromName       string
	ToAccount      int
	Body           string
	CorrelationId  string
	ReadBy         []int
	AckState       string
	CreatedAt      time.Time
}

type CreateAccountParams struct {
	Username     string
	DisplayName  string
	AvatarColor  string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name           string
	ExternalId     string
	IsPrivate      bool
	ParticipantIds []int
}

type CreateMessageParams struct {
	ExternalId    string
	RoomId        int
	FromAccount   int
	FromName      string
	ToAccount     int
	Body          string
	CorrelationId string
	AckState      string
	CreatedAt     time.Time
}
