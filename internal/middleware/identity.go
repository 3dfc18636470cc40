package middleware

// identity.go holds the context keys JWTAuth populates and the accessors
// handlers and other middleware use to read them back.

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/institute-cms/internal/token"
)

const (
    ctxUserID = "user_id"
    ctxRole   = "role"
    ctxClaims = "claims"
)

// UserID returns the authenticated subject, or "" for anonymous requests.
func UserID(c echo.Context) string {
    if v, ok := c.Get(ctxUserID).(string); ok {
        return v
    }
    return ""
}

// Role returns the authenticated role, or "".
func Role(c echo.Context) string {
    if v, ok := c.Get(ctxRole).(string); ok {
        return v
    }
    return ""
}

// ClaimsFrom returns the verified access token claims, or nil.
func ClaimsFrom(c echo.Context) *token.Claims {
    if v, ok := c.Get(ctxClaims).(*token.Claims); ok {
        return v
    }
    return nil
}

// userKey identifies the caller for rate limiting: the user id when
// authenticated, otherwise "anon".
func userKey(c echo.Context) string {
    if id := UserID(c); id != "" {
        return id
    }
    return "anon"
}
