package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/institute-cms/internal/model"
	"github.com/iliyamo/institute-cms/internal/queue"
	"github.com/iliyamo/institute-cms/internal/repository"
	"github.com/iliyamo/institute-cms/internal/token"
)

const testCost = bcrypt.MinCost

// memStore is an in-memory UserStore and RevocationStore.
type memStore struct {
	mu      sync.Mutex
	users   map[string]model.User // by id
	revoked map[string]time.Time

	findErr   error
	getErr    error
	revokeErr error
	finds     int
}

func newMemStore() *memStore {
	return &memStore{users: map[string]model.User{}, revoked: map[string]time.Time{}}
}

func (s *memStore) add(t *testing.T, id, email, password string, role model.Role, status model.Status) model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), testCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	u := model.User{
		ID:           id,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       status,
		Providers:    []model.Provider{{Name: model.ProviderCredentials, ProviderUserID: email}},
	}
	s.mu.Lock()
	s.users[id] = u
	s.mu.Unlock()
	return u
}

func (s *memStore) FindByEmailWithProvider(_ context.Context, email, provider string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.findErr != nil {
		return model.User{}, s.findErr
	}
	for _, u := range s.users {
		if u.Email == email && u.HasProvider(provider) {
			return u, nil
		}
	}
	return model.User{}, repository.ErrUserNotFound
}

func (s *memStore) GetByID(_ context.Context, id string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return model.User{}, s.getErr
	}
	u, ok := s.users[id]
	if !ok {
		return model.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) Create(_ context.Context, email, password string, role model.Role, cost int) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return model.User{}, repository.ErrEmailExists
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return model.User{}, err
	}
	u := model.User{
		ID:           "u-" + strings.SplitN(email, "@", 2)[0],
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       model.StatusActive,
		Providers:    []model.Provider{{Name: model.ProviderCredentials, ProviderUserID: email}},
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *memStore) setStatus(id string, st model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	u.Status = st
	s.users[id] = u
}

func (s *memStore) setRole(id string, r model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	u.Role = r
	s.users[id] = u
}

func (s *memStore) Revoke(_ context.Context, jti, _ string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revokeErr != nil {
		return s.revokeErr
	}
	s.revoked[jti] = exp
	return nil
}

func (s *memStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// recorder captures published events and metric calls.
type recorder struct {
	mu      sync.Mutex
	events  []queue.AuthEvent
	logins  []string
	refresh []string
	logouts int
}

func (r *recorder) Publish(_ context.Context, ev queue.AuthEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) RecordLogin(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, result)
}

func (r *recorder) RecordRefresh(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh = append(r.refresh, result)
}

func (r *recorder) RecordLogout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logouts++
}

func (r *recorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newIssuer(t *testing.T, c *clock) *token.Issuer {
	t.Helper()
	var opts []token.Option
	if c != nil {
		opts = append(opts, token.WithClock(c.Now))
	}
	iss, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte("test-access-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "institute-cms",
	}, opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}
