package models

import "time"

type Device struct {
	ID        string
	UserID    string
	PublicKey string
	PushToken *string
	LastSeen  time.Time
	IsBlocked bool
	CreatedAt time.Time
}
