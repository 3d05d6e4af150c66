package sessions

import "strings"

// Room key space. Every authenticated session sits in the personal room of
// its identity; chat rooms are joined explicitly for active-view signaling.
const (
	personalRoomPrefix = "identity:"
	chatRoomPrefix     = "chat:"
)

// PersonalRoom is the room every session of identityID is in.
func PersonalRoom(identityID string) string {
	return personalRoomPrefix + identityID
}

// ChatRoom is the room for sessions currently viewing chatID.
func ChatRoom(chatID string) string {
	return chatRoomPrefix + chatID
}

// IsPersonalRoom reports whether room is a personal room.
func IsPersonalRoom(room string) bool {
	return strings.HasPrefix(room, personalRoomPrefix)
}
