// Package models defines server-side data models persisted in the database.
package models

import "time"

// Message is a relayed ciphertext. The server never decrypts CipherText or
// SenderCipherText.
type Message struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	// CipherText is encrypted to the recipients' keys.
	CipherText string `json:"cipherText"`
	// SenderCipherText is the same body encrypted to the sender's own key,
	// so the sender's other devices can read it back.
	SenderCipherText *string `json:"senderCipherText,omitempty"`
	// MediaRef is the object-storage key of an attached encrypted blob.
	MediaRef     *string    `json:"mediaRef,omitempty"`
	TTLExpiresAt *time.Time `json:"ttlExpiresAt,omitempty"`
	Delivered    bool       `json:"delivered"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ForRecipient returns a copy with SenderCipherText stripped.
func (m *Message) ForRecipient() *Message {
	c := *m
	c.SenderCipherText = nil
	return &c
}

// ForSender returns a copy whose CipherText is the sender-readable body when
// one is present.
func (m *Message) ForSender() *Message {
	c := *m
	if m.SenderCipherText != nil {
		c.CipherText = *m.SenderCipherText
	}
	return &c
}
