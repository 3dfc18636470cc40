package middleware

import (
    "fmt"
    "log/slog"
    "math"
    "net/http"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "golang.org/x/time/rate"

    "github.com/iliyamo/institute-cms/internal/config"
    "github.com/iliyamo/institute-cms/internal/response"
)

// MsgTooManyRequests is returned with 429 responses.
const MsgTooManyRequests = "too many requests, please try again later"

// bucketScript refills the bucket by whole intervals and takes one token.
// It returns {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
    local key = KEYS[1]
    local now_ms = tonumber(ARGV[1])
    local capacity = tonumber(ARGV[2])
    local refill_tokens = tonumber(ARGV[3])
    local interval_ms = tonumber(ARGV[4])
    local ttl_seconds = tonumber(ARGV[5])

    local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
    local tokens = tonumber(state[1])
    local last_refill = tonumber(state[2])

    if tokens == nil or last_refill == nil then
        tokens = capacity
        last_refill = now_ms
    end

    if interval_ms > 0 and refill_tokens > 0 then
        local elapsed = math.max(0, now_ms - last_refill)
        local intervals = math.floor(elapsed / interval_ms)
        if intervals > 0 then
            tokens = math.min(capacity, tokens + (intervals * refill_tokens))
            last_refill = last_refill + (intervals * interval_ms)
        end
    end

    local allowed = 0
    local retry_after_ms = 0
    if tokens > 0 then
        allowed = 1
        tokens = tokens - 1
    else
        local until_next = interval_ms - (now_ms - last_refill)
        if until_next < 0 then until_next = 0 end
        retry_after_ms = until_next
    end

    redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
    redis.call('EXPIRE', key, ttl_seconds)

    return { allowed, tokens, retry_after_ms }
`)

// TokenBucket limits requests per key.  Buckets live in Redis when a client
// is configured; if Redis is absent or a call fails the request is judged by
// an in-process limiter with the same capacity and refill rate.
type TokenBucket struct {
    cfg   config.RateLimitConfig
    rdb   *redis.Client
    local *localBuckets
    now   func() time.Time
}

// NewTokenBucket builds the limiter.  rdb may be nil.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) *TokenBucket {
    return &TokenBucket{
        cfg:   cfg,
        rdb:   rdb,
        local: newLocalBuckets(cfg),
        now:   time.Now,
    }
}

// Middleware returns the Echo middleware.  A disabled limiter passes
// everything through.
func (tb *TokenBucket) Middleware() echo.MiddlewareFunc {
    if !tb.cfg.Enabled {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := buildRateKey(tb.cfg, c)
            d := tb.take(c, key)

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(tb.cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.remaining, 10))
            if tb.cfg.Debug {
                h.Set("X-RateLimit-Key", key)
            }

            if !d.allowed {
                secs := int(math.Ceil(float64(d.retryAfter) / float64(time.Second)))
                if secs < 1 {
                    secs = 1
                }
                h.Set("Retry-After", strconv.Itoa(secs))
                slog.Warn("rate limit exceeded",
                    slog.String("key", key),
                    slog.Int("retry_after", secs),
                )
                return response.Fail(c, http.StatusTooManyRequests, MsgTooManyRequests)
            }
            return next(c)
        }
    }
}

type decision struct {
    allowed    bool
    remaining  int64
    retryAfter time.Duration
}

func (tb *TokenBucket) take(c echo.Context, key string) decision {
    if tb.rdb != nil {
        d, err := tb.takeRedis(c, key)
        if err == nil {
            return d
        }
        if tb.cfg.Debug {
            slog.Warn("rate limit redis error, using local bucket",
                slog.String("key", key),
                slog.String("error", err.Error()),
            )
        }
    }
    return tb.local.take(key, tb.now())
}

func (tb *TokenBucket) takeRedis(c echo.Context, key string) (decision, error) {
    args := []interface{}{
        tb.now().UnixMilli(),
        tb.cfg.Capacity,
        tb.cfg.RefillTokens,
        tb.cfg.RefillInterval.Milliseconds(),
        int64(tb.cfg.TTL / time.Second),
    }
    vals, err := bucketScript.Run(c.Request().Context(), tb.rdb, []string{key}, args...).Result()
    if err != nil {
        return decision{}, err
    }
    arr, ok := vals.([]interface{})
    if !ok || len(arr) != 3 {
        return decision{}, fmt.Errorf("unexpected script result %#v", vals)
    }
    return decision{
        allowed:    asInt64(arr[0]) == 1,
        remaining:  asInt64(arr[1]),
        retryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
    }, nil
}

// localBuckets is the in-process fallback, one rate.Limiter per key.  Idle
// keys are dropped after cfg.TTL.
type localBuckets struct {
    mu        sync.Mutex
    limit     rate.Limit
    burst     int
    ttl       time.Duration
    buckets   map[string]*localBucket
    lastSweep time.Time
}

type localBucket struct {
    limiter  *rate.Limiter
    lastSeen time.Time
}

func newLocalBuckets(cfg config.RateLimitConfig) *localBuckets {
    every := cfg.RefillInterval
    if cfg.RefillTokens > 1 {
        every = cfg.RefillInterval / time.Duration(cfg.RefillTokens)
    }
    return &localBuckets{
        limit:   rate.Every(every),
        burst:   cfg.Capacity,
        ttl:     cfg.TTL,
        buckets: make(map[string]*localBucket),
    }
}

func (lb *localBuckets) take(key string, now time.Time) decision {
    lb.mu.Lock()
    defer lb.mu.Unlock()

    if now.Sub(lb.lastSweep) > lb.ttl {
        for k, b := range lb.buckets {
            if now.Sub(b.lastSeen) > lb.ttl {
                delete(lb.buckets, k)
            }
        }
        lb.lastSweep = now
    }

    b, ok := lb.buckets[key]
    if !ok {
        b = &localBucket{limiter: rate.NewLimiter(lb.limit, lb.burst)}
        lb.buckets[key] = b
    }
    b.lastSeen = now

    r := b.limiter.ReserveN(now, 1)
    if delay := r.DelayFrom(now); delay > 0 {
        r.CancelAt(now)
        return decision{allowed: false, remaining: 0, retryAfter: delay}
    }
    remaining := int64(b.limiter.TokensAt(now))
    if remaining < 0 {
        remaining = 0
    }
    return decision{allowed: true, remaining: remaining}
}

func (lb *localBuckets) size() int {
    lb.mu.Lock()
    defer lb.mu.Unlock()
    return len(lb.buckets)
}

func asInt64(v interface{}) int64 {
    switch t := v.(type) {
    case int64:
        return t
    case int:
        return int64(t)
    case float64:
        return int64(t)
    case string:
        if n, err := strconv.ParseInt(t, 10, 64); err == nil {
            return n
        }
    }
    return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
    parts := []string{cfg.Prefix}
    ip := c.RealIP()
    if ip == "" {
        ip = "unknown"
    }
    uid := userKey(c)
    route := c.Request().Method + " " + c.Path()

    switch strings.ToLower(cfg.KeyStrategy) {
    case "ip":
        parts = append(parts, "ip", ip)
    case "user":
        parts = append(parts, "user", uid)
    case "route":
        parts = append(parts, "route", route)
    case "ip_user":
        parts = append(parts, "ip", ip, "user", uid)
    case "ip_route":
        parts = append(parts, "ip", ip, "route", route)
    case "user_route":
        parts = append(parts, "user", uid, "route", route)
    default:
        parts = append(parts, "ip", ip, "user", uid, "route", route)
    }
    return strings.Join(parts, ":")
}
