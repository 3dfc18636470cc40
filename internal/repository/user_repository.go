package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/iliyamo/institute-cms/internal/model"
	"github.com/iliyamo/institute-cms/internal/utils"
)

const userColumns = "u.id,u.email,u.password_hash,u.role,u.status,u.created_at,u.updated_at"

// UserRepo reads and writes the 'users' and 'user_providers' tables.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// FindByEmailWithProvider fetches a user by normalized email, restricted to
// users linked to the given provider. Providers are loaded as well.
func (r *UserRepo) FindByEmailWithProvider(ctx context.Context, email, provider string) (model.User, error) {
	email = normalizeEmail(email)
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users u JOIN user_providers p ON p.user_id=u.id WHERE u.email=? AND p.provider=? LIMIT 1",
		email, provider))
	if err != nil {
		return model.User{}, err
	}
	if u.Providers, err = r.providers(ctx, u.ID); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// GetByID fetches a user by id, including providers.
func (r *UserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users u WHERE u.id=? LIMIT 1", id))
	if err != nil {
		return model.User{}, err
	}
	if u.Providers, err = r.providers(ctx, u.ID); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Create inserts an ACTIVE user with a credentials provider row in a single
// transaction and returns the stored record (without password hash).
func (r *UserRepo) Create(ctx context.Context, email, password string, role model.Role, cost int) (model.User, error) {
	email = normalizeEmail(email)
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	u := model.User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      role,
		Status:    model.StatusActive,
		Providers: []model.Provider{{Name: model.ProviderCredentials, ProviderUserID: email}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, role, status, created_at, updated_at) VALUES (?,?,?,?,?,?,?)",
		u.ID, u.Email, hash, string(u.Role), string(u.Status), u.CreatedAt, u.UpdatedAt); err != nil {
		if isDuplicate(err) {
			return model.User{}, ErrEmailExists
		}
		return model.User{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_providers (user_id, provider, provider_user_id) VALUES (?,?,?)",
		u.ID, model.ProviderCredentials, email); err != nil {
		if isDuplicate(err) {
			return model.User{}, ErrEmailExists
		}
		return model.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.User{}, err
	}
	committed = true
	return u, nil
}

// List returns users ordered by creation time, newest first. Providers are
// not loaded.
func (r *UserRepo) List(ctx context.Context, limit, offset int) ([]model.User, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users u ORDER BY u.created_at DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u.Sanitized())
	}
	return users, rows.Err()
}

// UpdateStatus changes a user's activation state.
func (r *UserRepo) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE users SET status=?, updated_at=? WHERE id=?",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepo) providers(ctx context.Context, userID string) ([]model.Provider, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT provider, provider_user_id FROM user_providers WHERE user_id=? ORDER BY provider",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.Name, &p.ProviderUserID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u      model.User
		hash   sql.NullString
		role   string
		status string
	)
	err := row.Scan(&u.ID, &u.Email, &hash, &role, &status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	u.PasswordHash = hash.String
	u.Role = model.Role(role)
	u.Status = model.Status(status)
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
