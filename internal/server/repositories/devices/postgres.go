package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/dbx"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query :=
		`SELECT id, user_id, public_key, push_token, last_seen, is_blocked, created_at FROM devices
		 WHERE id = $1`

	d := &models.Device{}
	var pushToken sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&d.ID, &d.UserID, &d.PublicKey, &pushToken, &d.LastSeen, &d.IsBlocked, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if pushToken.Valid {
		d.PushToken = &pushToken.String
	}
	return d, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	query :=
		`SELECT id, user_id, public_key, push_token, last_seen, is_blocked, created_at FROM devices
		 WHERE user_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select devices: %w", err)
	}
	defer rows.Close()

	var result []*models.Device
	for rows.Next() {
		d := &models.Device{}
		var pushToken sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &d.PublicKey, &pushToken, &d.LastSeen, &d.IsBlocked, &d.CreatedAt); err != nil {
			return nil, err
		}
		if pushToken.Valid {
			d.PushToken = &pushToken.String
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Block sets is_blocked and drops the push token so no notification reaches
// a locked device. Exactly one row must be affected.
func (r *PostgresRepository) Block(ctx context.Context, id string) error {
	query := `UPDATE devices SET is_blocked = TRUE, push_token = NULL WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to block device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) BlockAll(ctx context.Context, userID string) (int64, error) {
	query := `UPDATE devices SET is_blocked = TRUE, push_token = NULL WHERE user_id = $1`

	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to block devices: %w", err)
	}
	return res.RowsAffected()
}

// BlockMany blocks every listed device that is not blocked yet and returns
// how many rows changed.
func (r *PostgresRepository) BlockMany(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := `UPDATE devices SET is_blocked = TRUE, push_token = NULL
		WHERE is_blocked = FALSE AND id IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to block devices: %w", err)
	}
	return res.RowsAffected()
}
