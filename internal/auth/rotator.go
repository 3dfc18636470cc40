package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/institute-cms/internal/model"
	"github.com/iliyamo/institute-cms/internal/repository"
	"github.com/iliyamo/institute-cms/internal/token"
)

// RefreshIssuer verifies refresh tokens and mints access tokens.
type RefreshIssuer interface {
	VerifyRefresh(raw string) (*token.Claims, error)
	IssueAccess(id token.Identity) (token.Token, error)
}

// UserGetter reloads a user by id.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (model.User, error)
}

// RevocationChecker reports whether a refresh token was revoked at logout.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Rotation is the outcome of a successful refresh.
type Rotation struct {
	Access   token.Token
	Identity token.Identity
}

// Rotator exchanges a refresh token for a new access token. The refresh
// token itself is left untouched and stays valid until it expires.
type Rotator struct {
	tokens  RefreshIssuer
	users   UserGetter
	revoked RevocationChecker
	refetch bool
}

// NewRotator builds a Rotator. users may be nil, in which case the identity
// is taken from the verified claims; revoked may be nil to skip the
// revocation lookup.
func NewRotator(tokens RefreshIssuer, users UserGetter, revoked RevocationChecker, refetch bool) *Rotator {
	return &Rotator{tokens: tokens, users: users, revoked: revoked, refetch: refetch && users != nil}
}

// Rotate verifies raw and returns a new access token for its subject.
func (r *Rotator) Rotate(ctx context.Context, raw string) (Rotation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Rotation{}, BadRequest(MsgNoRefreshToken)
	}

	claims, err := r.tokens.VerifyRefresh(raw)
	switch {
	case errors.Is(err, token.ErrExpired):
		return Rotation{}, Unauthorized(MsgExpiredRefresh)
	case err != nil:
		return Rotation{}, Unauthorized(MsgInvalidRefresh)
	}

	if r.revoked != nil && claims.ID != "" {
		revoked, err := r.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Rotation{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Rotation{}, Unauthorized(MsgInvalidRefresh)
		}
	}

	id := claims.Identity()
	if r.refetch {
		u, err := r.users.GetByID(ctx, claims.Subject)
		if errors.Is(err, repository.ErrUserNotFound) {
			return Rotation{}, Unauthorized(MsgInvalidRefresh)
		}
		if err != nil {
			return Rotation{}, fmt.Errorf("load user: %w", err)
		}
		if err := checkStatus(u); err != nil {
			return Rotation{}, err
		}
		if !u.Role.Valid() {
			return Rotation{}, Forbidden(MsgUnknownRole)
		}
		// Role changes made since login apply from the next access token on.
		id.Role = string(u.Role)
	} else if !model.Role(id.Role).Valid() {
		return Rotation{}, Unauthorized(MsgInvalidRefresh)
	}

	access, err := r.tokens.IssueAccess(id)
	if err != nil {
		return Rotation{}, fmt.Errorf("issue access token: %w", err)
	}
	return Rotation{Access: access, Identity: id}, nil
}
