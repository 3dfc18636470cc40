package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/institute-cms/internal/model"
)

var userCols = []string{"id", "email", "password_hash", "role", "status", "created_at", "updated_at"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestUserRepo_FindByEmailWithProvider(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users u JOIN user_providers p ON p.user_id=u.id WHERE u.email=? AND p.provider=?")).
		WithArgs("a@x.com", model.ProviderCredentials).
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u-1", "a@x.com", "hash", "ADMIN", "ACTIVE", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT provider, provider_user_id FROM user_providers WHERE user_id=?")).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "provider_user_id"}).
			AddRow("credentials", "a@x.com").
			AddRow("google", "g-42"))

	u, err := NewUserRepo(db).FindByEmailWithProvider(context.Background(), "  A@X.com ", model.ProviderCredentials)
	if err != nil {
		t.Fatalf("FindByEmailWithProvider: %v", err)
	}
	if u.ID != "u-1" || u.Role != model.RoleAdmin || u.Status != model.StatusActive || u.PasswordHash != "hash" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if len(u.Providers) != 2 || !u.HasProvider("google") {
		t.Fatalf("unexpected providers: %+v", u.Providers)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepo_FindByEmailWithProvider_NotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM users u JOIN user_providers").
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err := NewUserRepo(db).FindByEmailWithProvider(context.Background(), "nobody@x.com", model.ProviderCredentials)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}

func TestUserRepo_GetByID_NullPasswordHash(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM users u WHERE u.id=?")).
		WithArgs("u-2").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u-2", "g@x.com", nil, "USER", "BLOCKED", now, now))
	mock.ExpectQuery("FROM user_providers").
		WithArgs("u-2").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "provider_user_id"}).AddRow("google", "g-1"))

	u, err := NewUserRepo(db).GetByID(context.Background(), "u-2")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if u.PasswordHash != "" || u.Status != model.StatusBlocked {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestUserRepo_Create(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "new@x.com", sqlmock.AnyArg(), "USER", "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_providers").
		WithArgs(sqlmock.AnyArg(), "credentials", "new@x.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := NewUserRepo(db).Create(context.Background(), "New@x.com", "long-enough", model.RoleUser, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || u.Email != "new@x.com" || u.PasswordHash != "" || !u.HasProvider(model.ProviderCredentials) {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepo_Create_DuplicateEmail(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := NewUserRepo(db).Create(context.Background(), "dup@x.com", "long-enough", model.RoleUser, 4)
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("got %v, want ErrEmailExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepo_List(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("ORDER BY u.created_at DESC LIMIT \\? OFFSET \\?").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("u-1", "a@x.com", "hash-a", "ADMIN", "ACTIVE", now, now).
			AddRow("u-2", "b@x.com", "hash-b", "USER", "INACTIVE", now, now))

	users, err := NewUserRepo(db).List(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("len = %d, want 2", len(users))
	}
	for _, u := range users {
		if u.PasswordHash != "" {
			t.Fatalf("List leaked a password hash for %s", u.ID)
		}
	}
}

func TestUserRepo_UpdateStatus(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET status=?, updated_at=? WHERE id=?")).
		WithArgs("BLOCKED", sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE users").
		WithArgs("ACTIVE", sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewUserRepo(db)
	if err := repo.UpdateStatus(context.Background(), "u-1", model.StatusBlocked); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := repo.UpdateStatus(context.Background(), "missing", model.StatusActive); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}
