// Package response writes the JSON envelope shared by every endpoint:
//
//	{"success": true, "statusCode": 200, "message": "...", "data": {...}}
package response

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/institute-cms/internal/auth"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
}

// MsgInternal is the only text clients see for unexpected failures.
const MsgInternal = "internal server error"

// OK writes a success envelope. data may be nil, which is serialized as null.
func OK(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, Envelope{Success: true, StatusCode: status, Message: message, Data: data})
}

// Fail writes a failure envelope with no data.
func Fail(c echo.Context, status int, message string) error {
	return c.JSON(status, failure{Success: false, StatusCode: status, Message: message})
}

// Error maps err onto a failure envelope. *auth.Error keeps its status and
// message; anything else is logged and reported as a 500.
func Error(c echo.Context, err error) error {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return Fail(c, ae.Status(), ae.Message)
	}
	slog.ErrorContext(c.Request().Context(), "request failed",
		slog.String("method", c.Request().Method),
		slog.String("path", c.Path()),
		slog.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		slog.String("error", err.Error()),
	)
	return Fail(c, http.StatusInternalServerError, MsgInternal)
}

// HTTPErrorHandler replaces Echo's default error handler so framework errors
// (404, 405, 413, recovered panics) use the same envelope as handlers.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = Error(c, err)
		return
	}
	if he.Internal != nil {
		var inner *echo.HTTPError
		if errors.As(he.Internal, &inner) {
			he = inner
		}
	}
	msg := http.StatusText(he.Code)
	if s, ok := he.Message.(string); ok && s != "" {
		msg = s
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = Fail(c, he.Code, msg)
}

type failure struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}
