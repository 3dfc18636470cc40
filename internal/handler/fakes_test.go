package handler

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "sort"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "golang.org/x/crypto/bcrypt"

    "github.com/iliyamo/institute-cms/internal/auth"
    "github.com/iliyamo/institute-cms/internal/model"
    "github.com/iliyamo/institute-cms/internal/queue"
    "github.com/iliyamo/institute-cms/internal/repository"
    "github.com/iliyamo/institute-cms/internal/session"
    "github.com/iliyamo/institute-cms/internal/token"
)

// userStore is an in-memory stand-in for the user and token repositories.
type userStore struct {
    mu      sync.Mutex
    users   map[string]model.User
    revoked map[string]bool
    listErr error
}

func newUserStore() *userStore {
    return &userStore{users: map[string]model.User{}, revoked: map[string]bool{}}
}

func (s *userStore) add(t *testing.T, id, email, password string, role model.Role, status model.Status) {
    t.Helper()
    hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
    if err != nil {
        t.Fatalf("bcrypt: %v", err)
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.users[id] = model.User{
        ID: id, Email: email, PasswordHash: string(hash), Role: role, Status: status,
        Providers: []model.Provider{{Name: model.ProviderCredentials, ProviderUserID: email}},
        CreatedAt: time.Now().Add(-time.Duration(len(s.users)) * time.Hour),
    }
}

func (s *userStore) FindByEmailWithProvider(_ context.Context, email, provider string) (model.User, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, u := range s.users {
        if u.Email == email && u.HasProvider(provider) {
            return u, nil
        }
    }
    return model.User{}, repository.ErrUserNotFound
}

func (s *userStore) GetByID(_ context.Context, id string) (model.User, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    u, ok := s.users[id]
    if !ok {
        return model.User{}, repository.ErrUserNotFound
    }
    return u, nil
}

func (s *userStore) Create(_ context.Context, email, password string, role model.Role, cost int) (model.User, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, u := range s.users {
        if u.Email == email {
            return model.User{}, repository.ErrEmailExists
        }
    }
    hash, _ := bcrypt.GenerateFromPassword([]byte(password), cost)
    u := model.User{
        ID: "u-" + strings.SplitN(email, "@", 2)[0], Email: email, PasswordHash: string(hash),
        Role: role, Status: model.StatusActive, CreatedAt: time.Now(),
        Providers: []model.Provider{{Name: model.ProviderCredentials, ProviderUserID: email}},
    }
    s.users[u.ID] = u
    return u, nil
}

func (s *userStore) List(_ context.Context, limit, offset int) ([]model.User, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.listErr != nil {
        return nil, s.listErr
    }
    out := make([]model.User, 0, len(s.users))
    for _, u := range s.users {
        out = append(out, u.Sanitized())
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
    if offset >= len(out) {
        return nil, nil
    }
    out = out[offset:]
    if len(out) > limit {
        out = out[:limit]
    }
    return out, nil
}

func (s *userStore) UpdateStatus(_ context.Context, id string, status model.Status) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    u, ok := s.users[id]
    if !ok {
        return repository.ErrUserNotFound
    }
    u.Status = status
    s.users[id] = u
    return nil
}

func (s *userStore) Revoke(_ context.Context, jti, _ string, _ time.Time) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.revoked[jti] = true
    return nil
}

func (s *userStore) IsRevoked(_ context.Context, jti string) (bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.revoked[jti], nil
}

type eventLog struct {
    mu     sync.Mutex
    events []queue.AuthEvent
    err    error
}

func (l *eventLog) Publish(_ context.Context, ev queue.AuthEvent) error {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.err != nil {
        return l.err
    }
    l.events = append(l.events, ev)
    return nil
}

// testApp wires real auth, token and cookie components over userStore.
type testApp struct {
    e      *echo.Echo
    store  *userStore
    issuer *token.Issuer
    events *eventLog
    users  *UsersHandler
    clock  time.Time
}

func (a *testApp) now() time.Time { return a.clock }

func newTestApp(t *testing.T) *testApp {
    t.Helper()
    app := &testApp{store: newUserStore(), events: &eventLog{}, clock: time.Now()}
    iss, err := token.NewIssuer(token.Config{
        AccessSecret:  []byte("handler-access"),
        RefreshSecret: []byte("handler-refresh"),
        AccessTTL:     15 * time.Minute,
        RefreshTTL:    7 * 24 * time.Hour,
        Issuer:        "institute-cms",
    }, token.WithClock(app.now))
    if err != nil {
        t.Fatalf("NewIssuer: %v", err)
    }
    app.issuer = iss

    svc := auth.NewService(app.store, iss, app.store,
        auth.Config{BcryptCost: bcrypt.MinCost, RefetchUser: true},
        auth.WithPublisher(app.events))
    ah := NewAuthHandler(svc, app.store, session.NewTransport(false, ""))
    uh := NewUsersHandler(app.store, app.events)
    app.users = uh

    e := echo.New()
    g := e.Group("/api/v1/auth")
    g.POST("/login", ah.Login)
    g.POST("/register", ah.Register)
    g.POST("/refresh-token", ah.RefreshToken)
    g.POST("/logout", ah.Logout)
    g.GET("/me", ah.Me, withIdentity(iss))
    users := e.Group("/api/v1/users", withIdentity(iss))
    users.GET("", uh.List)
    users.PATCH("/:id/status", uh.UpdateStatus)
    app.e = e
    return app
}

// withIdentity mimics the route guard so handler tests stay independent of
// the middleware package's messages.
func withIdentity(iss *token.Issuer) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            ck, err := c.Cookie(session.AccessCookie)
            if err != nil {
                return c.NoContent(http.StatusUnauthorized)
            }
            claims, err := iss.VerifyAccess(ck.Value)
            if err != nil {
                return c.NoContent(http.StatusUnauthorized)
            }
            c.Set("user_id", claims.Subject)
            c.Set("role", claims.Role)
            c.Set("claims", claims)
            return next(c)
        }
    }
}

func (a *testApp) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
    var req *http.Request
    if body != "" {
        req = httptest.NewRequest(method, path, strings.NewReader(body))
        req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
    } else {
        req = httptest.NewRequest(method, path, nil)
    }
    for _, ck := range cookies {
        req.AddCookie(ck)
    }
    rec := httptest.NewRecorder()
    a.e.ServeHTTP(rec, req)
    return rec
}

func (a *testApp) accessCookie(t *testing.T, id, role string) *http.Cookie {
    t.Helper()
    tok, err := a.issuer.IssueAccess(token.Identity{Subject: id, Role: role})
    if err != nil {
        t.Fatalf("IssueAccess: %v", err)
    }
    return &http.Cookie{Name: session.AccessCookie, Value: tok.Raw}
}

type envelope struct {
    Success    bool            `json:"success"`
    StatusCode int             `json:"statusCode"`
    Message    string          `json:"message"`
    Data       json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
    t.Helper()
    var env envelope
    if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
        t.Fatalf("decode %q: %v", rec.Body.String(), err)
    }
    return env
}

func responseCookies(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
    out := map[string]*http.Cookie{}
    for _, ck := range rec.Result().Cookies() {
        out[ck.Name] = ck
    }
    return out
}
