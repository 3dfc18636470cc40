package middleware

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/institute-cms/internal/model"
    "github.com/iliyamo/institute-cms/internal/response"
)

// RequireRole returns a middleware that lets through only callers whose
// token role is one of roles.  It must run after JWTAuth.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
    allowed := make(map[string]bool, len(roles))
    for _, r := range roles {
        allowed[string(r)] = true
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            role := Role(c)
            if role == "" {
                return response.Fail(c, http.StatusUnauthorized, MsgNoAccessToken)
            }
            if !allowed[role] {
                return response.Fail(c, http.StatusForbidden, "forbidden")
            }
            return next(c)
        }
    }
}
