package handler

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/institute-cms/internal/auth"
    "github.com/iliyamo/institute-cms/internal/middleware"
    "github.com/iliyamo/institute-cms/internal/model"
    "github.com/iliyamo/institute-cms/internal/repository"
    "github.com/iliyamo/institute-cms/internal/response"
    "github.com/iliyamo/institute-cms/internal/session"
)

// requestTimeout bounds the store calls made while serving one request.
const requestTimeout = 5 * time.Second

// AuthService is the session lifecycle the handlers drive.
type AuthService interface {
    Login(ctx context.Context, email, password string, meta auth.RequestMeta) (auth.Session, error)
    Refresh(ctx context.Context, refreshToken string, meta auth.RequestMeta) (auth.Rotation, error)
    Logout(ctx context.Context, refreshToken string, meta auth.RequestMeta) error
    Register(ctx context.Context, email, password string, meta auth.RequestMeta) (model.User, error)
}

// UserReader loads a user by id.
type UserReader interface {
    GetByID(ctx context.Context, id string) (model.User, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
    Auth    AuthService
    Users   UserReader
    Cookies *session.Transport
}

func NewAuthHandler(svc AuthService, users UserReader, cookies *session.Transport) *AuthHandler {
    return &AuthHandler{Auth: svc, Users: users, Cookies: cookies}
}

// ----- DTOs -----

type credentialsReq struct {
    Email    string `json:"email"`
    Password string `json:"password"`
}

type loginData struct {
    AccessToken  string     `json:"accessToken"`
    RefreshToken string     `json:"refreshToken"`
    User         model.User `json:"user"`
}

type refreshData struct {
    AccessToken string `json:"accessToken"`
}

type meData struct {
    ID        string     `json:"id"`
    Role      string     `json:"role"`
    ExpiresAt time.Time  `json:"expiresAt"`
    User      model.User `json:"user"`
}

// Login verifies credentials, sets both session cookies and returns the
// tokens with the sanitized user.  No cookie is written on failure.
func (h *AuthHandler) Login(c echo.Context) error {
    var req credentialsReq
    if err := c.Bind(&req); err != nil {
        return response.Fail(c, http.StatusBadRequest, "invalid body")
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    sess, err := h.Auth.Login(ctx, req.Email, req.Password, requestMeta(c))
    if err != nil {
        return response.Error(c, err)
    }

    h.Cookies.Attach(c, sess.Tokens)
    return response.OK(c, http.StatusOK, "Logged in successfully", loginData{
        AccessToken:  sess.Tokens.Access.Raw,
        RefreshToken: sess.Tokens.Refresh.Raw,
        User:         sess.User,
    })
}

// RefreshToken exchanges the refreshToken cookie for a new access token.
// The refresh cookie is left as is.
func (h *AuthHandler) RefreshToken(c echo.Context) error {
    raw := h.Cookies.RefreshFromRequest(c)
    if raw == "" {
        return response.Fail(c, http.StatusBadRequest, auth.MsgNoRefreshToken)
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    rot, err := h.Auth.Refresh(ctx, raw, requestMeta(c))
    if err != nil {
        return response.Error(c, err)
    }

    h.Cookies.AttachAccess(c, rot.Access)
    return response.OK(c, http.StatusOK, "Access token refreshed", refreshData{AccessToken: rot.Access.Raw})
}

// Logout clears both cookies.  A refresh token still present is revoked so
// it cannot be rotated again; failing to record that does not keep the user
// logged in.
func (h *AuthHandler) Logout(c echo.Context) error {
    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    if err := h.Auth.Logout(ctx, h.Cookies.RefreshFromRequest(c), requestMeta(c)); err != nil {
        slog.Warn("logout revocation failed",
            slog.String("request_id", requestID(c)),
            slog.String("error", err.Error()),
        )
    }
    h.Cookies.Clear(c)
    return response.OK(c, http.StatusOK, "Logged out successfully", nil)
}

// Register creates a USER account with a password.
func (h *AuthHandler) Register(c echo.Context) error {
    var req credentialsReq
    if err := c.Bind(&req); err != nil {
        return response.Fail(c, http.StatusBadRequest, "invalid body")
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    u, err := h.Auth.Register(ctx, req.Email, req.Password, requestMeta(c))
    if err != nil {
        return response.Error(c, err)
    }
    return response.OK(c, http.StatusCreated, "User registered successfully", u)
}

// Me returns the caller's identity as carried by the access token together
// with the stored user.
func (h *AuthHandler) Me(c echo.Context) error {
    claims := middleware.ClaimsFrom(c)
    if claims == nil {
        return response.Fail(c, http.StatusUnauthorized, middleware.MsgNoAccessToken)
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    u, err := h.Users.GetByID(ctx, claims.Subject)
    if errors.Is(err, repository.ErrUserNotFound) {
        return response.Error(c, auth.NotFound("user not found"))
    }
    if err != nil {
        return response.Error(c, err)
    }
    data := meData{ID: claims.Subject, Role: claims.Role, User: u.Sanitized()}
    if claims.ExpiresAt != nil {
        data.ExpiresAt = claims.ExpiresAt.Time
    }
    return response.OK(c, http.StatusOK, "Current user", data)
}

func requestMeta(c echo.Context) auth.RequestMeta {
    return auth.RequestMeta{IP: c.RealIP(), RequestID: requestID(c)}
}

func requestID(c echo.Context) string {
    if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
        return id
    }
    return c.Request().Header.Get(echo.HeaderXRequestID)
}
