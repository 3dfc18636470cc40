package handler

import (
    "context"
    "errors"
    "log/slog"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/institute-cms/internal/auth"
    "github.com/iliyamo/institute-cms/internal/middleware"
    "github.com/iliyamo/institute-cms/internal/model"
    "github.com/iliyamo/institute-cms/internal/queue"
    "github.com/iliyamo/institute-cms/internal/repository"
    "github.com/iliyamo/institute-cms/internal/response"
)

const (
    defaultPageSize = 20
    maxPageSize     = 100
)

// UserAdmin is the store behind the user administration endpoints.
type UserAdmin interface {
    UserReader
    List(ctx context.Context, limit, offset int) ([]model.User, error)
    UpdateStatus(ctx context.Context, id string, status model.Status) error
}

// UsersHandler serves the admin-only user endpoints.
type UsersHandler struct {
    Users  UserAdmin
    Events auth.EventPublisher
    Logger *slog.Logger
}

func NewUsersHandler(users UserAdmin, events auth.EventPublisher) *UsersHandler {
    return &UsersHandler{Users: users, Events: events, Logger: slog.Default()}
}

type statusReq struct {
    Status string `json:"status"`
}

type listData struct {
    Users  []model.User `json:"users"`
    Limit  int          `json:"limit"`
    Offset int          `json:"offset"`
}

// List returns a page of users, newest first.  ?limit (1..100, default 20)
// and ?offset select the page.
func (h *UsersHandler) List(c echo.Context) error {
    limit, err := queryInt(c, "limit", defaultPageSize)
    if err != nil || limit < 1 || limit > maxPageSize {
        return response.Fail(c, http.StatusBadRequest, "limit must be between 1 and 100")
    }
    offset, err := queryInt(c, "offset", 0)
    if err != nil || offset < 0 {
        return response.Fail(c, http.StatusBadRequest, "offset must be a non-negative integer")
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    users, err := h.Users.List(ctx, limit, offset)
    if err != nil {
        return response.Error(c, err)
    }
    if users == nil {
        users = []model.User{}
    }
    return response.OK(c, http.StatusOK, "Users fetched", listData{Users: users, Limit: limit, Offset: offset})
}

// UpdateStatus activates, deactivates or blocks an account.  Callers cannot
// change their own status, and only a SUPER_ADMIN may change another
// SUPER_ADMIN.
func (h *UsersHandler) UpdateStatus(c echo.Context) error {
    id := strings.TrimSpace(c.Param("id"))
    var req statusReq
    if err := c.Bind(&req); err != nil {
        return response.Fail(c, http.StatusBadRequest, "invalid body")
    }
    status, ok := model.ParseStatus(req.Status)
    if !ok {
        return response.Fail(c, http.StatusBadRequest, "status must be one of ACTIVE, INACTIVE, BLOCKED")
    }
    if id == middleware.UserID(c) {
        return response.Fail(c, http.StatusBadRequest, "cannot change your own status")
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    target, err := h.Users.GetByID(ctx, id)
    if errors.Is(err, repository.ErrUserNotFound) {
        return response.Error(c, auth.NotFound("user not found"))
    }
    if err != nil {
        return response.Error(c, err)
    }
    if target.Role == model.RoleSuperAdmin && middleware.Role(c) != string(model.RoleSuperAdmin) {
        return response.Error(c, auth.Forbidden("forbidden"))
    }

    err = h.Users.UpdateStatus(ctx, id, status)
    if errors.Is(err, repository.ErrUserNotFound) {
        return response.Error(c, auth.NotFound("user not found"))
    }
    if err != nil {
        return response.Error(c, err)
    }

    if h.Events != nil {
        ev := queue.AuthEvent{
            Type:       queue.EventStatusChange,
            UserID:     id,
            Email:      target.Email,
            Role:       string(target.Role),
            Reason:     string(status),
            IP:         c.RealIP(),
            RequestID:  requestID(c),
            OccurredAt: time.Now().UTC(),
        }
        if err := h.Events.Publish(ctx, ev); err != nil {
            h.logger().WarnContext(ctx, "publish auth event failed",
                slog.String("type", ev.Type),
                slog.String("user_id", ev.UserID),
                slog.String("request_id", ev.RequestID),
                slog.String("error", err.Error()),
            )
        }
    }

    target.Status = status
    return response.OK(c, http.StatusOK, "User status updated", target.Sanitized())
}

func (h *UsersHandler) logger() *slog.Logger {
    if h.Logger != nil {
        return h.Logger
    }
    return slog.Default()
}

func queryInt(c echo.Context, name string, def int) (int, error) {
    v := strings.TrimSpace(c.QueryParam(name))
    if v == "" {
        return def, nil
    }
    return strconv.Atoi(v)
}
