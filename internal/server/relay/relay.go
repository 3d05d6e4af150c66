// Package relay validates chat membership, persists ciphertext and fans
// events out to the sessions that should see them.
package relay

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/dmitrijs2005/cipherrelay/internal/server/sessions"
	"github.com/google/uuid"
)

// Emitter delivers outbound events. Sessions listed in except are skipped.
type Emitter interface {
	EmitToRoom(room, event string, payload any, except ...string)
	EmitToIdentity(identityID, event string, payload any, except ...string)
	EmitToSession(sessionID, event string, payload any)
}

// Rooms is the room-membership half of the session registry.
type Rooms interface {
	JoinRoom(sessionID, room string) bool
	LeaveRoom(sessionID, room string) bool
}

type Store interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	Participants(ctx context.Context, chatID string) ([]string, error)
	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) (*models.Message, error)
}

// Caller identifies the session an inbound event arrived on.
type Caller struct {
	SessionID  string
	IdentityID string
	DeviceID   string
}

type Service struct {
	store   Store
	rooms   Rooms
	emitter Emitter
	logger  logging.Logger
	now     func() time.Time
}

// MaxTTLHours caps ttlHours at 100 years, far below the time.Duration range.
const MaxTTLHours = 100 * 365 * 24

func NewService(store Store, rooms Rooms, emitter Emitter, logger logging.Logger) *Service {
	return &Service{
		store:   store,
		rooms:   rooms,
		emitter: emitter,
		logger:  logger.With("module", "relay"),
		now:     time.Now,
	}
}

// SendMessage persists a message from caller and fans it out. Recipients get
// message_received without the sender copy; the caller's other sessions get
// a self-echo carrying the sender copy; the calling session gets
// message_sent. A fan-out problem after the write does not fail the send.
func (s *Service) SendMessage(ctx context.Context, caller Caller, req SendRequest) (*models.Message, error) {
	if req.ChatID == "" || req.CipherText == "" {
		return nil, common.ErrInvalidPayload
	}
	if req.TTLHours != nil && !(*req.TTLHours > 0 && *req.TTLHours <= MaxTTLHours) {
		return nil, fmt.Errorf("%w: ttlHours must be in (0, %d]", common.ErrInvalidPayload, MaxTTLHours)
	}

	ok, err := s.store.IsParticipant(ctx, req.ChatID, caller.IdentityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrorUnauthorized
	}

	now := s.now().UTC()
	m := &models.Message{
		ID:               uuid.NewString(),
		ChatID:           req.ChatID,
		SenderID:         caller.IdentityID,
		CipherText:       req.CipherText,
		SenderCipherText: req.SenderCipherText,
		MediaRef:         req.MediaRef,
		CreatedAt:        now,
	}
	if req.TTLHours != nil {
		exp := now.Add(time.Duration(*req.TTLHours * float64(time.Hour)))
		m.TTLExpiresAt = &exp
	}

	m, err = s.store.CreateMessage(ctx, m)
	if err != nil {
		return nil, err
	}

	participants, err := s.store.Participants(ctx, m.ChatID)
	if err != nil {
		s.logger.Error(ctx, "participants lookup failed, recipients will catch up from history",
			"message_id", m.ID, "chat_id", m.ChatID, "error", err)
	}

	forRecipient := m.ForRecipient()
	for _, p := range participants {
		if p == caller.IdentityID {
			continue
		}
		s.emitter.EmitToRoom(sessions.PersonalRoom(p), EventMessageReceived, forRecipient)
	}
	s.emitter.EmitToRoom(sessions.PersonalRoom(caller.IdentityID), EventMessageReceived, m.ForSender(), caller.SessionID)
	s.emitter.EmitToSession(caller.SessionID, EventMessageSent, m)

	s.logger.Debug(ctx, "message relayed", "message_id", m.ID, "chat_id", m.ChatID, "recipients", len(participants))
	return m, nil
}

// MarkDelivered flags the message delivered and tells the sender. Repeated
// calls keep the first timestamp and confirm again.
func (s *Service) MarkDelivered(ctx context.Context, caller Caller, messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, common.ErrInvalidPayload
	}

	m, err := s.store.MarkDelivered(ctx, messageID, caller.IdentityID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	at := m.CreatedAt
	if m.DeliveredAt != nil {
		at = *m.DeliveredAt
	}
	s.emitter.EmitToRoom(sessions.PersonalRoom(m.SenderID), EventDeliveryConfirmation, DeliveryConfirmation{
		MessageID:   m.ID,
		DeliveredAt: at,
	})
	return m, nil
}

// SetTyping forwards a typing indicator to the other participants. Nothing
// is stored.
func (s *Service) SetTyping(ctx context.Context, caller Caller, req TypingRequest) error {
	if req.ChatID == "" {
		return common.ErrInvalidPayload
	}

	participants, err := s.store.Participants(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if !slices.Contains(participants, caller.IdentityID) {
		return common.ErrorUnauthorized
	}

	ev := UserTyping{ChatID: req.ChatID, IdentityID: caller.IdentityID, IsTyping: req.IsTyping}
	for _, p := range participants {
		if p == caller.IdentityID {
			continue
		}
		s.emitter.EmitToRoom(sessions.PersonalRoom(p), EventUserTyping, ev)
	}
	return nil
}

// JoinChat puts the calling session in the chat room. It does not gate
// message delivery, which always goes through personal rooms.
func (s *Service) JoinChat(ctx context.Context, caller Caller, req ChatRequest) error {
	if req.ChatID == "" {
		return common.ErrInvalidPayload
	}

	ok, err := s.store.IsParticipant(ctx, req.ChatID, caller.IdentityID)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrorUnauthorized
	}

	room := sessions.ChatRoom(req.ChatID)
	if !s.rooms.JoinRoom(caller.SessionID, room) {
		return common.ErrorNotFound
	}
	s.emitter.EmitToRoom(room, EventChatPresence,
		ChatPresence{ChatID: req.ChatID, IdentityID: caller.IdentityID, Active: true}, caller.SessionID)
	return nil
}

// LeaveChat removes the calling session from the chat room. Only a session
// that was in the room announces its departure.
func (s *Service) LeaveChat(ctx context.Context, caller Caller, req ChatRequest) error {
	if req.ChatID == "" {
		return common.ErrInvalidPayload
	}

	room := sessions.ChatRoom(req.ChatID)
	if !s.rooms.LeaveRoom(caller.SessionID, room) {
		return nil
	}
	s.emitter.EmitToRoom(room, EventChatPresence,
		ChatPresence{ChatID: req.ChatID, IdentityID: caller.IdentityID, Active: false})
	return nil
}
