package middleware

import (
    "context"
    "log/slog"

    "github.com/labstack/echo/v4"
    echomw "github.com/labstack/echo/v4/middleware"
)

// RequestLogger emits one structured line per request: method, uri, status,
// latency_ms, request_id and user_id when authenticated.  5xx responses log
// at error level, 4xx at warn, everything else at info.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
    return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
        LogMethod:    true,
        LogURI:       true,
        LogStatus:    true,
        LogLatency:   true,
        LogRequestID: true,
        LogRemoteIP:  true,
        LogError:     true,
        HandleError:  true,
        LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
            attrs := []slog.Attr{
                slog.String("method", v.Method),
                slog.String("uri", v.URI),
                slog.Int("status", v.Status),
                slog.Float64("latency_ms", float64(v.Latency.Microseconds())/1000),
                slog.String("request_id", v.RequestID),
                slog.String("remote_ip", v.RemoteIP),
            }
            if uid := UserID(c); uid != "" {
                attrs = append(attrs, slog.String("user_id", uid))
            }
            if v.Error != nil {
                attrs = append(attrs, slog.String("error", v.Error.Error()))
            }

            level := slog.LevelInfo
            switch {
            case v.Status >= 500:
                level = slog.LevelError
            case v.Status >= 400:
                level = slog.LevelWarn
            }
            logger.LogAttrs(context.Background(), level, "http_request", attrs...)
            return nil
        },
    })
}
