package middleware

import (
    "errors"
    "net/http"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/institute-cms/internal/response"
    "github.com/iliyamo/institute-cms/internal/session"
    "github.com/iliyamo/institute-cms/internal/token"
)

// AccessVerifier checks an access token and returns its claims.
type AccessVerifier interface {
    VerifyAccess(raw string) (*token.Claims, error)
}

// Messages returned by JWTAuth.
const (
    MsgNoAccessToken      = "no access token"
    MsgAccessTokenExpired = "access token expired"
    MsgInvalidAccessToken = "invalid access token"
)

// JWTAuth returns an Echo middleware that requires a valid access token.
// The token is read from the accessToken cookie; API clients may send it as
// "Authorization: Bearer <token>" instead.  On success the subject, role and
// full claims are stored on the context (see UserID, Role and ClaimsFrom).
func JWTAuth(verifier AccessVerifier) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw := accessTokenFrom(c)
            if raw == "" {
                return response.Fail(c, http.StatusUnauthorized, MsgNoAccessToken)
            }

            claims, err := verifier.VerifyAccess(raw)
            if errors.Is(err, token.ErrExpired) {
                return response.Fail(c, http.StatusUnauthorized, MsgAccessTokenExpired)
            }
            if err != nil {
                return response.Fail(c, http.StatusUnauthorized, MsgInvalidAccessToken)
            }

            c.Set(ctxUserID, claims.Subject)
            c.Set(ctxRole, claims.Role)
            c.Set(ctxClaims, claims)
            return next(c)
        }
    }
}

// accessTokenFrom prefers the cookie and falls back to a Bearer header.
func accessTokenFrom(c echo.Context) string {
    if ck, err := c.Cookie(session.AccessCookie); err == nil {
        if v := strings.TrimSpace(ck.Value); v != "" {
            return v
        }
    }
    h := c.Request().Header.Get(echo.HeaderAuthorization)
    if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
        return strings.TrimSpace(h[7:])
    }
    return ""
}
