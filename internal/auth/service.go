// Package auth implements the session lifecycle: credential verification at
// login, token issuance, refresh rotation, logout revocation and
// registration of password accounts. HTTP concerns (cookies, envelopes) live
// in the handler and session packages.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/iliyamo/institute-cms/internal/model"
	"github.com/iliyamo/institute-cms/internal/queue"
	"github.com/iliyamo/institute-cms/internal/repository"
	"github.com/iliyamo/institute-cms/internal/token"
	"github.com/iliyamo/institute-cms/internal/utils"
)

// UserStore is the subset of the user repository the service needs.
type UserStore interface {
	UserFinder
	UserGetter
	Create(ctx context.Context, email, password string, role model.Role, cost int) (model.User, error)
}

// TokenIssuer mints and verifies session tokens.
type TokenIssuer interface {
	RefreshIssuer
	Issue(id token.Identity) (token.Pair, error)
}

// RevocationStore records refresh tokens revoked at logout.
type RevocationStore interface {
	RevocationChecker
	Revoke(ctx context.Context, jti, userID string, exp time.Time) error
}

// EventPublisher receives auth events. Publishing must not block the request.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.AuthEvent) error
}

// Recorder counts auth outcomes.
type Recorder interface {
	RecordLogin(result string)
	RecordRefresh(result string)
	RecordLogout()
}

// Config carries the service's tunables.
type Config struct {
	BcryptCost  int
	RefetchUser bool
}

// RequestMeta describes the caller for audit events.
type RequestMeta struct {
	IP        string
	RequestID string
}

// Session is the result of a successful login.
type Session struct {
	Tokens token.Pair
	User   model.User
}

// Service ties the verifier, issuer and rotator together.
type Service struct {
	users       UserStore
	tokens      TokenIssuer
	revocations RevocationStore
	verifier    *Verifier
	rotator     *Rotator
	cfg         Config

	events  EventPublisher
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

func WithPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }
func WithRecorder(r Recorder) Option        { return func(s *Service) { s.metrics = r } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }

// NewService wires a Service. revocations may be nil to disable logout
// revocation.
func NewService(users UserStore, tokens TokenIssuer, revocations RevocationStore, cfg Config, opts ...Option) *Service {
	s := &Service{
		users:       users,
		tokens:      tokens,
		revocations: revocations,
		cfg:         cfg,
		events:      nopPublisher{},
		metrics:     nopRecorder{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.verifier = NewVerifier(users, cfg.BcryptCost)
	var checker RevocationChecker
	if revocations != nil {
		checker = revocations
	}
	s.rotator = NewRotator(tokens, users, checker, cfg.RefetchUser)
	return s
}

// Login verifies the credentials and mints a token pair.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (Session, error) {
	u, err := s.verifier.Verify(ctx, email, password)
	if err != nil {
		s.metrics.RecordLogin(resultOf(err))
		if kind := KindOf(err); kind != 0 {
			s.logger.Warn("login rejected",
				slog.String("reason", kind.String()),
				slog.String("ip", meta.IP),
				slog.String("request_id", meta.RequestID),
			)
			s.publish(ctx, queue.AuthEvent{
				Type:      queue.EventLoginFailed,
				Email:     strings.ToLower(strings.TrimSpace(email)),
				Reason:    kind.String(),
				IP:        meta.IP,
				RequestID: meta.RequestID,
			})
		}
		return Session{}, err
	}

	pair, err := s.tokens.Issue(token.Identity{Subject: u.ID, Role: string(u.Role)})
	if err != nil {
		s.metrics.RecordLogin("error")
		return Session{}, fmt.Errorf("issue tokens: %w", err)
	}

	s.metrics.RecordLogin("success")
	s.publish(ctx, queue.AuthEvent{
		Type:      queue.EventLoggedIn,
		UserID:    u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		IP:        meta.IP,
		RequestID: meta.RequestID,
	})
	return Session{Tokens: pair, User: u}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (Rotation, error) {
	rot, err := s.rotator.Rotate(ctx, refreshToken)
	if err != nil {
		s.metrics.RecordRefresh(resultOf(err))
		return Rotation{}, err
	}
	s.metrics.RecordRefresh("success")
	s.publish(ctx, queue.AuthEvent{
		Type:      queue.EventRefreshed,
		UserID:    rot.Identity.Subject,
		Role:      rot.Identity.Role,
		IP:        meta.IP,
		RequestID: meta.RequestID,
	})
	return rot, nil
}

// Logout revokes the presented refresh token, if it is still valid. A
// missing or unusable token is not an error: the caller clears the cookies
// either way.
func (s *Service) Logout(ctx context.Context, refreshToken string, meta RequestMeta) error {
	s.metrics.RecordLogout()
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil
	}
	s.publish(ctx, queue.AuthEvent{
		Type:      queue.EventLoggedOut,
		UserID:    claims.Subject,
		Role:      claims.Role,
		IP:        meta.IP,
		RequestID: meta.RequestID,
	})
	if s.revocations == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	if err := s.revocations.Revoke(ctx, claims.ID, claims.Subject, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Register creates an ACTIVE USER account linked to the credentials provider.
func (s *Service) Register(ctx context.Context, email, password string, meta RequestMeta) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return model.User{}, BadRequest(MsgMissingCredentials)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return model.User{}, BadRequest("email is not valid")
	}
	if err := utils.ValidatePassword(password); err != nil {
		return model.User{}, BadRequest(err.Error())
	}

	u, err := s.users.Create(ctx, email, password, model.RoleUser, s.cfg.BcryptCost)
	if errors.Is(err, repository.ErrEmailExists) {
		return model.User{}, Conflict("email already exists")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	s.publish(ctx, queue.AuthEvent{
		Type:      queue.EventRegistered,
		UserID:    u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		IP:        meta.IP,
		RequestID: meta.RequestID,
	})
	return u.Sanitized(), nil
}

func (s *Service) publish(ctx context.Context, ev queue.AuthEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("auth event not published",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func resultOf(err error) string {
	if kind := KindOf(err); kind != 0 {
		return kind.String()
	}
	return "error"
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, queue.AuthEvent) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordLogin(string)   {}
func (nopRecorder) RecordRefresh(string) {}
func (nopRecorder) RecordLogout()        {}
