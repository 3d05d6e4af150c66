package devices

import (
	"context"

	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Device, error)
	Block(ctx context.Context, id string) error
	BlockAll(ctx context.Context, userID string) (int64, error)
	BlockMany(ctx context.Context, ids []string) (int64, error)
}
