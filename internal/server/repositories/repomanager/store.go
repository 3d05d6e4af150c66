package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/dbx"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/dmitrijs2005/cipherrelay/internal/server/repositories/messages"
)

// Store is the durable store seen by the relay services. Every method binds
// repositories to the pool, or to one transaction where several statements
// must agree. Driver failures surface as common.ErrTransientStore.
type Store struct {
	db *sql.DB
	rm RepositoryManager
}

func NewStore(db *sql.DB, rm RepositoryManager) *Store {
	return &Store{db: db, rm: rm}
}

// transient keeps domain sentinels as they are and marks everything else as
// a store failure the caller may retry.
func transient(err error) error {
	if err == nil ||
		errors.Is(err, common.ErrorNotFound) ||
		errors.Is(err, common.ErrorUnauthorized) ||
		errors.Is(err, common.ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %v", common.ErrTransientStore, err)
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	ok, err := s.rm.Memberships(s.db).IsParticipant(ctx, chatID, userID)
	return ok, transient(err)
}

func (s *Store) Participants(ctx context.Context, chatID string) ([]string, error) {
	ids, err := s.rm.Memberships(s.db).Participants(ctx, chatID)
	return ids, transient(err)
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	created, err := s.rm.Messages(s.db).Create(ctx, m)
	return created, transient(err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := s.rm.Messages(s.db).GetByID(ctx, id)
	return m, transient(err)
}

// ListMessages returns up to limit messages of chatID, newest first, after
// checking that userID participates. A non-empty beforeID names the message
// the page ends before; it must belong to the same chat.
func (s *Store) ListMessages(ctx context.Context, chatID, userID, beforeID string, limit int) ([]*models.Message, error) {
	ok, err := s.rm.Memberships(s.db).IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, transient(err)
	}
	if !ok {
		return nil, common.ErrorUnauthorized
	}

	msgRepo := s.rm.Messages(s.db)

	var cursor *messages.Cursor
	if beforeID != "" {
		ref, err := msgRepo.GetByID(ctx, beforeID)
		if err != nil {
			return nil, transient(err)
		}
		if ref.ChatID != chatID {
			return nil, common.ErrorNotFound
		}
		cursor = &messages.Cursor{CreatedAt: ref.CreatedAt, ID: ref.ID}
	}

	ms, err := msgRepo.ListByChat(ctx, chatID, cursor, limit)
	return ms, transient(err)
}

// MarkDelivered locks the message row, checks that userID participates in
// its chat and sets the delivered flag, all in one transaction.
func (s *Store) MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) (*models.Message, error) {
	var result *models.Message

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		msgRepo := s.rm.Messages(tx)

		m, err := msgRepo.GetByIDForUpdate(ctx, messageID)
		if err != nil {
			return err
		}

		ok, err := s.rm.Memberships(tx).IsParticipant(ctx, m.ChatID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return common.ErrorUnauthorized
		}

		if m.CreatedAt.After(at) {
			at = m.CreatedAt
		}

		result, err = msgRepo.MarkDelivered(ctx, messageID, at)
		return err
	})
	if err != nil {
		return nil, transient(err)
	}
	return result, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.rm.Devices(s.db).GetByID(ctx, id)
	return d, transient(err)
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]*models.Device, error) {
	ds, err := s.rm.Devices(s.db).ListByUser(ctx, userID)
	return ds, transient(err)
}

func (s *Store) BlockDevice(ctx context.Context, id string) error {
	return transient(s.rm.Devices(s.db).Block(ctx, id))
}

func (s *Store) BlockAllDevices(ctx context.Context, userID string) (int64, error) {
	n, err := s.rm.Devices(s.db).BlockAll(ctx, userID)
	return n, transient(err)
}

func (s *Store) BlockDevices(ctx context.Context, ids []string) (int64, error) {
	n, err := s.rm.Devices(s.db).BlockMany(ctx, ids)
	return n, transient(err)
}

func (s *Store) SelectExpired(ctx context.Context, cutoff time.Time) ([]*models.Message, error) {
	ms, err := s.rm.Messages(s.db).SelectExpired(ctx, cutoff)
	return ms, transient(err)
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.rm.Messages(s.db).DeleteExpired(ctx, cutoff)
	return n, transient(err)
}

func (s *Store) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.rm.Messages(s.db).CountExpired(ctx, cutoff)
	return n, transient(err)
}

// Ping reports whether the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return transient(s.db.PingContext(ctx))
}
