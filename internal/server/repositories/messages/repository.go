package messages

import (
	"context"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, m *models.Message) (*models.Message, error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (*models.Message, error)
	SelectExpired(ctx context.Context, cutoff time.Time) ([]*models.Message, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
	ListByChat(ctx context.Context, chatID string, before *Cursor, limit int) ([]*models.Message, error)
}

// Cursor marks a position in a chat's history. A page starts strictly
// before it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
