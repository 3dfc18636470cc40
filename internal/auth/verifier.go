package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/institute-cms/internal/model"
	"github.com/iliyamo/institute-cms/internal/repository"
	"github.com/iliyamo/institute-cms/internal/utils"
)

// UserFinder looks up password-login candidates.
type UserFinder interface {
	FindByEmailWithProvider(ctx context.Context, email, provider string) (model.User, error)
}

// Verifier checks an email/password pair against the user store.
type Verifier struct {
	users      UserFinder
	bcryptCost int
}

func NewVerifier(users UserFinder, bcryptCost int) *Verifier {
	return &Verifier{users: users, bcryptCost: bcryptCost}
}

// Verify returns the matching user with its password hash removed.
//
// An unknown email and a wrong password yield the same Unauthorized error.
// The account status is only revealed to callers who proved the password.
func (v *Verifier) Verify(ctx context.Context, email, password string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return model.User{}, BadRequest(MsgMissingCredentials)
	}

	u, err := v.users.FindByEmailWithProvider(ctx, email, model.ProviderCredentials)
	if errors.Is(err, repository.ErrUserNotFound) {
		utils.CompareDummy(password, v.bcryptCost)
		return model.User{}, Unauthorized(MsgInvalidCredentials)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, password) {
		return model.User{}, Unauthorized(MsgInvalidCredentials)
	}
	if err := checkStatus(u); err != nil {
		return model.User{}, err
	}
	return u.Sanitized(), nil
}

// checkStatus rejects accounts that may not hold a session.
func checkStatus(u model.User) error {
	switch u.Status {
	case model.StatusActive:
		return nil
	case model.StatusBlocked:
		return Forbidden(MsgAccountBlocked)
	default:
		return Forbidden(MsgAccountInactive)
	}
}
