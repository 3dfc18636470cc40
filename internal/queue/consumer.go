package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log/slog"
    "os"
    "path/filepath"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
)

// AuditLog appends one line per auth event to <Dir>/auth.log.
type AuditLog struct {
    Dir string
    mu  sync.Mutex
}

// Write formats ev and appends it to the audit file.
func (a *AuditLog) Write(ev AuthEvent) error {
    a.mu.Lock()
    defer a.mu.Unlock()

    if err := os.MkdirAll(a.Dir, 0o755); err != nil {
        return fmt.Errorf("mkdir %s: %w", a.Dir, err)
    }
    f, err := os.OpenFile(filepath.Join(a.Dir, "auth.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open audit log: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(formatLine(ev)); err != nil {
        return fmt.Errorf("write audit log: %w", err)
    }
    return nil
}

func formatLine(ev AuthEvent) string {
    ts := ev.OccurredAt
    if ts.IsZero() {
        ts = time.Now().UTC()
    }
    line := fmt.Sprintf("[%s] %s | user_id=%s | email=%q | role=%s | ip=%s | request_id=%s",
        ts.Format(time.RFC3339), ev.Type, orDash(ev.UserID), ev.Email, orDash(ev.Role), orDash(ev.IP), orDash(ev.RequestID))
    if ev.Reason != "" {
        line += " | reason=" + ev.Reason
    }
    return line + "\n"
}

func orDash(s string) string {
    if s == "" {
        return "-"
    }
    return s
}

// handleMessage decodes one delivery and records it.
func (a *AuditLog) handleMessage(body []byte) error {
    var ev AuthEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if ev.Type == "" {
        return errors.New("event without type")
    }
    return a.Write(ev)
}

// StartAuthConsumer consumes AuthEventsQueue and writes every event to the
// audit log.  It reconnects with exponential backoff (capped at 30s) and
// returns only when ctx is cancelled.
func StartAuthConsumer(ctx context.Context, url string, audit *AuditLog, logger *slog.Logger) {
    if logger == nil {
        logger = slog.Default()
    }
    backoff := time.Second
    for {
        conn, err := amqp.Dial(url)
        if err != nil {
            logger.Warn("auth-consumer: dial failed",
                slog.String("error", err.Error()),
                slog.Duration("retry_in", backoff),
            )
            if !sleep(ctx, backoff) {
                return
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second

        err = consumeLoop(ctx, conn, audit, logger)
        _ = conn.Close()
        if ctx.Err() != nil {
            return
        }
        logger.Warn("auth-consumer: consume loop ended, reconnecting", slog.String("error", err.Error()))
        if !sleep(ctx, 2*time.Second) {
            return
        }
    }
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, audit *AuditLog, logger *slog.Logger) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        logger.Warn("auth-consumer: set QoS failed", slog.String("error", err.Error()))
    }
    if _, err := ch.QueueDeclare(AuthEventsQueue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.Consume(AuthEventsQueue, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case d, ok := <-msgs:
            if !ok {
                return errors.New("deliveries channel closed")
            }
            if err := audit.handleMessage(d.Body); err != nil {
                logger.Error("auth-consumer: handle message failed", slog.String("error", err.Error()))
                _ = d.Nack(false, false) // reject, do not requeue
                continue
            }
            _ = d.Ack(false)
        }
    }
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
