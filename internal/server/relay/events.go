package relay

import "time"

// Inbound event names.
const (
	EventSendMessage      = "send_message"
	EventMessageDelivered = "message_delivered"
	EventTyping           = "typing"
	EventJoinChat         = "join_chat"
	EventLeaveChat        = "leave_chat"
)

// Outbound event names.
const (
	EventMessageReceived      = "message_received"
	EventMessageSent          = "message_sent"
	EventDeliveryConfirmation = "delivery_confirmation"
	EventUserTyping           = "user_typing"
	EventChatPresence         = "chat_presence"
	EventUserOnline           = "user_online"
	EventUserOffline          = "user_offline"
)

type SendRequest struct {
	ChatID           string   `json:"chatId"`
	CipherText       string   `json:"cipherText"`
	SenderCipherText *string  `json:"senderCipherText,omitempty"`
	MediaRef         *string  `json:"mediaRef,omitempty"`
	TTLHours         *float64 `json:"ttlHours,omitempty"`
}

type DeliveredRequest struct {
	MessageID string `json:"messageId"`
}

type TypingRequest struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type ChatRequest struct {
	ChatID string `json:"chatId"`
}

type DeliveryConfirmation struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type UserTyping struct {
	ChatID     string `json:"chatId"`
	IdentityID string `json:"identityId"`
	IsTyping   bool   `json:"isTyping"`
}

type ChatPresence struct {
	ChatID     string `json:"chatId"`
	IdentityID string `json:"identityId"`
	Active     bool   `json:"active"`
}

type PresenceChange struct {
	IdentityID string `json:"identityId"`
}
