package router // package router wires handlers and middleware onto Echo

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/institute-cms/internal/handler"
	"github.com/iliyamo/institute-cms/internal/ids"
	"github.com/iliyamo/institute-cms/internal/metrics"
	"github.com/iliyamo/institute-cms/internal/middleware"
	"github.com/iliyamo/institute-cms/internal/model"
	"github.com/iliyamo/institute-cms/internal/response"
)

// APIPrefix is the versioned prefix of every API route.
const APIPrefix = "/api/v1"

// ServerOptions configures the global middleware chain.
type ServerOptions struct {
	Logger      *slog.Logger
	CORSOrigins []string
	Metrics     *metrics.Collector
	BodyLimit   string
	// TrustedProxies lists the proxies allowed to set X-Forwarded-For.
	// When empty the client IP is the TCP peer address.
	TrustedProxies []*net.IPNet
}

// NewServer returns an Echo instance with the global middleware installed:
// panic recovery, request ids, metrics, request logging, CORS and a body
// size limit.  Framework errors are written as failure envelopes.
func NewServer(opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = response.HTTPErrorHandler
	e.IPExtractor = ipExtractor(opts.TrustedProxies)

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = "1M"
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: ids.New}))
	if opts.Metrics != nil {
		e.Use(opts.Metrics.Middleware())
	}
	e.Use(middleware.RequestLogger(opts.Logger))
	// AllowCredentials requires an explicit origin list.
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderXRequestID},
		ExposeHeaders:    []string{echo.HeaderXRequestID, "Retry-After"},
		AllowCredentials: true,
	}))
	e.Use(echomw.BodyLimit(opts.BodyLimit))
	return e
}

// ipExtractor trusts X-Forwarded-For only when it arrives from one of
// proxies.  Echo's default ranges (loopback, private) are not trusted.
func ipExtractor(proxies []*net.IPNet) echo.IPExtractor {
	if len(proxies) == 0 {
		return echo.ExtractIPDirect()
	}
	trust := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, p := range proxies {
		trust = append(trust, echo.TrustIPRange(p))
	}
	return echo.ExtractIPFromXFFHeader(trust...)
}

// RegisterRoutes registers the unauthenticated operational endpoints.
// metricsHandler may be nil.
func RegisterRoutes(e *echo.Echo, db handler.Pinger, metricsHandler http.Handler) {
	e.GET("/healthz", handler.Health(db))
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
}

// RegisterAuth registers the session endpoints under /api/v1/auth.  The
// credential endpoints (login, register, refresh-token) sit behind limiter
// when it is non-nil.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, verifier middleware.AccessVerifier, limiter echo.MiddlewareFunc) {
	g := e.Group(APIPrefix + "/auth")

	var limited []echo.MiddlewareFunc
	if limiter != nil {
		limited = append(limited, limiter)
	}
	g.POST("/login", a.Login, limited...)
	g.POST("/register", a.Register, limited...)
	g.POST("/refresh-token", a.RefreshToken, limited...)
	// Logout works without a valid access token so an expired session can
	// still be cleared.
	g.POST("/logout", a.Logout)

	g.GET("/me", a.Me, middleware.JWTAuth(verifier))
}

// RegisterUsers registers the admin-only user endpoints under /api/v1/users.
func RegisterUsers(e *echo.Echo, u *handler.UsersHandler, verifier middleware.AccessVerifier) {
	g := e.Group(APIPrefix+"/users",
		middleware.JWTAuth(verifier),
		middleware.RequireRole(model.RoleSuperAdmin, model.RoleAdmin),
	)
	g.GET("", u.List)
	g.PATCH("/:id/status", u.UpdateStatus)
}
