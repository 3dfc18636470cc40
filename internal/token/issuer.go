// Package token mints and verifies the signed access and refresh tokens that
// back a browser session. Tokens are HS256 JWTs; access and refresh tokens
// use distinct secrets and lifetimes and carry a typ claim so one can never
// stand in for the other. Nothing is persisted: a token is valid if its
// signature, issuer, type and expiry check out.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

var (
	// ErrExpired is returned when a well-formed, correctly signed token is
	// past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrInvalid covers every other verification failure: bad signature,
	// wrong algorithm, wrong issuer, wrong type, malformed input.
	ErrInvalid = errors.New("invalid token")
)

// Config holds signing parameters. It is built once at startup.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	// Leeway tolerates clock skew when checking exp/iat.
	Leeway time.Duration
}

// Identity is what gets written into a token: who and with which role.
type Identity struct {
	Subject string
	Role    string
}

// Claims is the decoded payload of a verified token.
type Claims struct {
	Role string `json:"role"`
	Type Type   `json:"typ"`
	// IssuedAtMs is iat in Unix milliseconds. The registered iat claim only
	// carries whole seconds.
	IssuedAtMs int64 `json:"iat_ms,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the subject and role carried by the claims.
func (c *Claims) Identity() Identity {
	return Identity{Subject: c.Subject, Role: c.Role}
}

// IssuedAtTime returns the issue time at millisecond precision, falling back
// to the registered iat claim.
func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAtMs > 0 {
		return time.UnixMilli(c.IssuedAtMs).UTC()
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// Token is a signed token string with the metadata callers need for cookies
// and revocation.
type Token struct {
	Raw       string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is the access/refresh couple minted at login.
type Pair struct {
	Access  Token
	Refresh Token
}

// Issuer signs and verifies tokens.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithClock replaces time.Now for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer validates cfg and returns an Issuer. Any error here is a
// deployment problem and should stop the process.
func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	switch {
	case len(cfg.AccessSecret) == 0:
		return nil, errors.New("token: access secret is empty")
	case len(cfg.RefreshSecret) == 0:
		return nil, errors.New("token: refresh secret is empty")
	case string(cfg.AccessSecret) == string(cfg.RefreshSecret):
		return nil, errors.New("token: access and refresh secrets must differ")
	case cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0:
		return nil, errors.New("token: TTLs must be positive")
	case cfg.AccessTTL >= cfg.RefreshTTL:
		return nil, errors.New("token: access TTL must be shorter than refresh TTL")
	case cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute:
		return nil, errors.New("token: leeway must be between 0 and 2m")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	i := &Issuer{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints an access and a refresh token for id.
func (i *Issuer) Issue(id Identity) (Pair, error) {
	access, err := i.IssueAccess(id)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(id, TypeRefresh)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// IssueAccess mints only an access token for id.
func (i *Issuer) IssueAccess(id Identity) (Token, error) {
	return i.sign(id, TypeAccess)
}

// VerifyAccess checks an access token and returns its claims.
func (i *Issuer) VerifyAccess(raw string) (*Claims, error) {
	return i.verify(raw, TypeAccess)
}

// VerifyRefresh checks a refresh token and returns its claims.
func (i *Issuer) VerifyRefresh(raw string) (*Claims, error) {
	return i.verify(raw, TypeRefresh)
}

func (i *Issuer) sign(id Identity, typ Type) (Token, error) {
	id.Subject = strings.TrimSpace(id.Subject)
	id.Role = strings.TrimSpace(id.Role)
	if id.Subject == "" || id.Role == "" {
		return Token{}, errors.New("token: subject and role are required")
	}
	secret, ttl := i.params(typ)

	now := i.now().UTC().Truncate(time.Millisecond)
	exp := now.Add(ttl)
	claims := Claims{
		Role:       id.Role,
		Type:       typ,
		IssuedAtMs: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Token{}, fmt.Errorf("token: sign %s: %w", typ, err)
	}
	return Token{
		Raw:       signed,
		ID:        claims.ID,
		IssuedAt:  now,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (i *Issuer) verify(raw string, typ Type) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalid
	}
	secret, _ := i.params(typ)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	if i.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(i.cfg.Leeway))
	}

	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		// Expiry is only reported once the signature has been checked.
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.Type != typ || strings.TrimSpace(claims.Subject) == "" || claims.Role == "" {
		return nil, ErrInvalid
	}
	// iat_ms must fall inside the second named by iat.
	if claims.IssuedAtMs > 0 && (claims.IssuedAt == nil || claims.IssuedAtMs/1000 != claims.IssuedAt.Unix()) {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (i *Issuer) params(typ Type) ([]byte, time.Duration) {
	if typ == TypeRefresh {
		return i.cfg.RefreshSecret, i.cfg.RefreshTTL
	}
	return i.cfg.AccessSecret, i.cfg.AccessTTL
}
