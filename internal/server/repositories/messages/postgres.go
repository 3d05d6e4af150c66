package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/dbx"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
)

const selectColumns = `id, chat_id, sender_id, cipher_text, sender_cipher_text, media_ref,
		ttl_expires_at, delivered, delivered_at, created_at`

// PostgresRepository implements message storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m            models.Message
		senderCipher sql.NullString
		mediaRef     sql.NullString
		ttl          sql.NullTime
		deliveredAt  sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.CipherText, &senderCipher, &mediaRef,
		&ttl, &m.Delivered, &deliveredAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	if senderCipher.Valid {
		m.SenderCipherText = &senderCipher.String
	}
	if mediaRef.Valid {
		m.MediaRef = &mediaRef.String
	}
	if ttl.Valid {
		m.TTLExpiresAt = &ttl.Time
	}
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.Time
	}
	return &m, nil
}

// Create inserts m as undelivered. ID and CreatedAt are assigned by the caller.
func (r *PostgresRepository) Create(ctx context.Context, m *models.Message) (*models.Message, error) {
	query := `
		INSERT INTO messages (id, chat_id, sender_id, cipher_text, sender_cipher_text, media_ref, ttl_expires_at, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.SenderID, m.CipherText, m.SenderCipherText, m.MediaRef, m.TTLExpiresAt, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	m.Delivered = false
	m.DeliveredAt = nil
	return m, nil
}

func (r *PostgresRepository) getByID(ctx context.Context, id string, suffix string) (*models.Message, error) {
	query := `SELECT ` + selectColumns + ` FROM messages WHERE id = $1` + suffix

	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	return r.getByID(ctx, id, "")
}

// GetByIDForUpdate locks the row until the surrounding transaction ends.
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Message, error) {
	return r.getByID(ctx, id, " FOR UPDATE")
}

// MarkDelivered sets delivered=true. The first delivered_at is kept, so
// marking twice returns the original timestamp.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (*models.Message, error) {
	query := `
		UPDATE messages SET delivered = TRUE, delivered_at = COALESCE(delivered_at, $2)
		WHERE id = $1
		RETURNING ` + selectColumns

	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

// SelectExpired returns every message with ttl_expires_at <= cutoff.
func (r *PostgresRepository) SelectExpired(ctx context.Context, cutoff time.Time) ([]*models.Message, error) {
	query := `SELECT ` + selectColumns + ` FROM messages
		WHERE ttl_expires_at IS NOT NULL AND ttl_expires_at <= $1`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteExpired removes every message with ttl_expires_at <= cutoff in one
// statement and reports how many rows went away.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM messages WHERE ttl_expires_at IS NOT NULL AND ttl_expires_at <= $1`

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM messages WHERE ttl_expires_at IS NOT NULL AND ttl_expires_at <= $1`

	var n int64
	if err := r.db.QueryRowContext(ctx, query, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// ListByChat returns up to limit messages of chatID, newest first. With a
// cursor only messages older than it are returned; id breaks ties on
// created_at.
func (r *PostgresRepository) ListByChat(ctx context.Context, chatID string, before *Cursor, limit int) ([]*models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		query := `SELECT ` + selectColumns + ` FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`
		rows, err = r.db.QueryContext(ctx, query, chatID, limit)
	} else {
		query := `SELECT ` + selectColumns + ` FROM messages
			WHERE chat_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`
		rows, err = r.db.QueryContext(ctx, query, chatID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	result := make([]*models.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
