package messages

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
)

var columns = []string{"id", "chat_id", "sender_id", "cipher_text", "sender_cipher_text", "media_ref",
	"ttl_expires_at", "delivered", "delivered_at", "created_at"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ttl := created.Add(time.Hour)
	media := "media/1"

	q := `(?s)^\s*INSERT\s+INTO\s+messages\s*\(id,\s*chat_id,.*created_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7,\s*FALSE,\s*\$8\)\s*$`
	mock.ExpectExec(q).
		WithArgs("m1", "c1", "u1", "ct", nil, &media, &ttl, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := &models.Message{ID: "m1", ChatID: "c1", SenderID: "u1", CipherText: "ct", MediaRef: &media, TTLExpiresAt: &ttl, CreatedAt: created}
	got, err := repo.Create(context.Background(), m)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != "m1" || got.Delivered {
		t.Fatalf("unexpected message: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+messages`).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.Message{ID: "m1"})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetByID_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Now().UTC()
	rows := sqlmock.NewRows(columns).
		AddRow("m1", "c1", "u1", "ct", "self", nil, nil, false, nil, created)
	mock.ExpectQuery(`(?s)^SELECT\s+id,.*FROM\s+messages\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("m1").
		WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.SenderCipherText == nil || *got.SenderCipherText != "self" {
		t.Fatalf("sender cipher text not scanned: %+v", got)
	}
	if got.MediaRef != nil || got.TTLExpiresAt != nil || got.DeliveredAt != nil {
		t.Fatalf("null columns must stay nil: %+v", got)
	}
}

func TestGetByIDForUpdate_LocksRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(columns).
		AddRow("m1", "c1", "u1", "ct", nil, nil, nil, false, nil, time.Now())
	mock.ExpectQuery(`(?s)FROM\s+messages\s+WHERE\s+id\s*=\s*\$1\s+FOR\s+UPDATE$`).
		WithArgs("m1").
		WillReturnRows(rows)

	if _, err := repo.GetByIDForUpdate(context.Background(), "m1"); err != nil {
		t.Fatalf("GetByIDForUpdate error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+messages`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestMarkDelivered_KeepsFirstTimestamp(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := first.Add(time.Hour)

	q := `(?s)^\s*UPDATE\s+messages\s+SET\s+delivered\s*=\s*TRUE,\s*delivered_at\s*=\s*COALESCE\(delivered_at,\s*\$2\)\s+WHERE\s+id\s*=\s*\$1\s+RETURNING\s+id,`
	rows := sqlmock.NewRows(columns).
		AddRow("m1", "c1", "u1", "ct", nil, nil, nil, true, first, first.Add(-time.Minute))
	mock.ExpectQuery(q).WithArgs("m1", now).WillReturnRows(rows)

	got, err := repo.MarkDelivered(context.Background(), "m1", now)
	if err != nil {
		t.Fatalf("MarkDelivered error: %v", err)
	}
	if !got.Delivered || got.DeliveredAt == nil || !got.DeliveredAt.Equal(first) {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestMarkDelivered_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE\s+messages`).WillReturnError(sql.ErrNoRows)

	_, err := repo.MarkDelivered(context.Background(), "ghost", time.Now())
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestSelectExpired(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now()
	past := cutoff.Add(-time.Minute)
	rows := sqlmock.NewRows(columns).
		AddRow("m1", "c1", "u1", "ct", nil, "media/1", past, false, nil, past.Add(-time.Hour)).
		AddRow("m2", "c1", "u2", "ct", nil, nil, past, true, past, past.Add(-time.Hour))
	mock.ExpectQuery(`(?s)FROM\s+messages\s+WHERE\s+ttl_expires_at\s+IS\s+NOT\s+NULL\s+AND\s+ttl_expires_at\s*<=\s*\$1$`).
		WithArgs(cutoff).
		WillReturnRows(rows)

	got, err := repo.SelectExpired(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("SelectExpired error: %v", err)
	}
	if len(got) != 2 || got[0].MediaRef == nil || *got[0].MediaRef != "media/1" || got[1].MediaRef != nil {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestSelectExpired_QueryError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+messages`).WillReturnError(errors.New("boom"))

	if _, err := repo.SelectExpired(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteExpired_SingleStatement(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now()
	mock.ExpectExec(`^DELETE\s+FROM\s+messages\s+WHERE\s+ttl_expires_at\s+IS\s+NOT\s+NULL\s+AND\s+ttl_expires_at\s*<=\s*\$1$`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteExpired(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteExpired error: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3 deleted, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCountExpired(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now()
	mock.ExpectQuery(`^SELECT\s+COUNT\(\*\)\s+FROM\s+messages`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	n, err := repo.CountExpired(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("CountExpired error: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0, got %d", n)
	}
}

func TestListByChat_LatestPage(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(columns).
		AddRow("m2", "c1", "u2", "ct2", nil, nil, nil, false, nil, now).
		AddRow("m1", "c1", "u1", "ct1", "self", nil, nil, true, now, now.Add(-time.Minute))
	mock.ExpectQuery(`(?s)FROM\s+messages\s+WHERE\s+chat_id\s*=\s*\$1\s+ORDER\s+BY\s+created_at\s+DESC,\s*id\s+DESC\s+LIMIT\s+\$2$`).
		WithArgs("c1", 50).
		WillReturnRows(rows)

	got, err := repo.ListByChat(context.Background(), "c1", nil, 50)
	if err != nil {
		t.Fatalf("ListByChat error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m2" || got[1].SenderCipherText == nil {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByChat_BeforeCursor(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)WHERE\s+chat_id\s*=\s*\$1\s+AND\s+\(created_at,\s*id\)\s*<\s*\(\$2,\s*\$3\).*LIMIT\s+\$4$`).
		WithArgs("c1", at, "m9", 10).
		WillReturnRows(sqlmock.NewRows(columns))

	got, err := repo.ListByChat(context.Background(), "c1", &Cursor{CreatedAt: at, ID: "m9"}, 10)
	if err != nil {
		t.Fatalf("ListByChat error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("want empty non-nil page, got %#v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByChat_QueryError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+messages`).WillReturnError(errors.New("boom"))

	if _, err := repo.ListByChat(context.Background(), "c1", nil, 10); err == nil {
		t.Fatal("expected error")
	}
}
