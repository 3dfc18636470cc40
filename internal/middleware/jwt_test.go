package middleware

import (
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/institute-cms/internal/model"
    "github.com/iliyamo/institute-cms/internal/session"
    "github.com/iliyamo/institute-cms/internal/token"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newIssuer(t *testing.T, clock *fakeClock) *token.Issuer {
    t.Helper()
    iss, err := token.NewIssuer(token.Config{
        AccessSecret:  []byte("mw-access"),
        RefreshSecret: []byte("mw-refresh"),
        AccessTTL:     15 * time.Minute,
        RefreshTTL:    24 * time.Hour,
        Issuer:        "institute-cms",
    }, token.WithClock(clock.Now))
    if err != nil {
        t.Fatalf("NewIssuer: %v", err)
    }
    return iss
}

type envelope struct {
    Success    bool   `json:"success"`
    StatusCode int    `json:"statusCode"`
    Message    string `json:"message"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
    t.Helper()
    var env envelope
    if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
        t.Fatalf("decode %q: %v", rec.Body.String(), err)
    }
    return env
}

// guarded builds an Echo app with one route behind JWTAuth (and optional
// role check) that echoes the identity it sees.
func guarded(iss *token.Issuer, roles ...model.Role) *echo.Echo {
    e := echo.New()
    mws := []echo.MiddlewareFunc{JWTAuth(iss)}
    if len(roles) > 0 {
        mws = append(mws, RequireRole(roles...))
    }
    e.GET("/private", func(c echo.Context) error {
        claims := ClaimsFrom(c)
        return c.JSON(http.StatusOK, echo.Map{
            "user_id": UserID(c),
            "role":    Role(c),
            "jti":     claims.ID,
        })
    }, mws...)
    return e
}

func TestJWTAuthAcceptsCookieAndBearer(t *testing.T) {
    clock := &fakeClock{t: time.Now()}
    iss := newIssuer(t, clock)
    access, err := iss.IssueAccess(token.Identity{Subject: "u-1", Role: "ADMIN"})
    if err != nil {
        t.Fatalf("IssueAccess: %v", err)
    }
    e := guarded(iss)

    cookieReq := httptest.NewRequest(http.MethodGet, "/private", nil)
    cookieReq.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: access.Raw})
    bearerReq := httptest.NewRequest(http.MethodGet, "/private", nil)
    bearerReq.Header.Set(echo.HeaderAuthorization, "Bearer "+access.Raw)

    for name, req := range map[string]*http.Request{"cookie": cookieReq, "bearer": bearerReq} {
        rec := httptest.NewRecorder()
        e.ServeHTTP(rec, req)
        if rec.Code != http.StatusOK {
            t.Fatalf("%s: status %d body %s", name, rec.Code, rec.Body)
        }
        var got map[string]string
        _ = json.Unmarshal(rec.Body.Bytes(), &got)
        if got["user_id"] != "u-1" || got["role"] != "ADMIN" || got["jti"] != access.ID {
            t.Fatalf("%s: identity %v", name, got)
        }
    }
}

func TestJWTAuthRejections(t *testing.T) {
    clock := &fakeClock{t: time.Now()}
    iss := newIssuer(t, clock)
    access, _ := iss.IssueAccess(token.Identity{Subject: "u-1", Role: "USER"})
    pair, _ := iss.Issue(token.Identity{Subject: "u-1", Role: "USER"})
    e := guarded(iss)

    cases := []struct {
        name    string
        cookie  string
        advance time.Duration
        message string
    }{
        {"missing", "", 0, MsgNoAccessToken},
        {"garbage", "not-a-token", 0, MsgInvalidAccessToken},
        {"refresh token", pair.Refresh.Raw, 0, MsgInvalidAccessToken},
        {"expired", access.Raw, 16 * time.Minute, MsgAccessTokenExpired},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            start := clock.t
            clock.t = clock.t.Add(tc.advance)
            defer func() { clock.t = start }()

            req := httptest.NewRequest(http.MethodGet, "/private", nil)
            if tc.cookie != "" {
                req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: tc.cookie})
            }
            rec := httptest.NewRecorder()
            e.ServeHTTP(rec, req)

            if rec.Code != http.StatusUnauthorized {
                t.Fatalf("status = %d", rec.Code)
            }
            env := decode(t, rec)
            if env.Success || env.StatusCode != http.StatusUnauthorized || env.Message != tc.message {
                t.Fatalf("envelope = %+v", env)
            }
        })
    }
}

func TestRequireRole(t *testing.T) {
    clock := &fakeClock{t: time.Now()}
    iss := newIssuer(t, clock)
    e := guarded(iss, model.RoleSuperAdmin, model.RoleAdmin)

    for role, want := range map[string]int{
        "SUPER_ADMIN": http.StatusOK,
        "ADMIN":       http.StatusOK,
        "USER":        http.StatusForbidden,
        "GUIDE":       http.StatusForbidden,
    } {
        access, _ := iss.IssueAccess(token.Identity{Subject: "u-1", Role: role})
        req := httptest.NewRequest(http.MethodGet, "/private", nil)
        req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: access.Raw})
        rec := httptest.NewRecorder()
        e.ServeHTTP(rec, req)
        if rec.Code != want {
            t.Errorf("%s: status %d, want %d", role, rec.Code, want)
        }
    }
}

func TestRequireRoleWithoutIdentity(t *testing.T) {
    e := echo.New()
    e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RequireRole(model.RoleAdmin))
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
    if rec.Code != http.StatusUnauthorized {
        t.Fatalf("status = %d", rec.Code)
    }
}
