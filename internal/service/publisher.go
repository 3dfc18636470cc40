// Package service holds outbound integrations used by the auth core. The
// event publisher delivers auth events to RabbitMQ off the request path.
package service

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log/slog"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"

    "github.com/iliyamo/institute-cms/internal/queue"
)

var (
    // ErrPublishDisabled is returned once the publisher has been closed.
    ErrPublishDisabled = errors.New("event publishing disabled")
    // ErrBufferFull is returned when the send buffer is full; the event is dropped.
    ErrBufferFull = errors.New("event buffer full")
)

// Sender delivers one encoded message to a queue.
type Sender interface {
    Send(ctx context.Context, queueName string, body []byte) error
}

// EventPublisher buffers auth events and sends them from a single
// goroutine started with Run.  Publish never blocks.
type EventPublisher struct {
    sender       Sender
    events       chan queue.AuthEvent
    done         chan struct{}
    timeout      time.Duration
    drainTimeout time.Duration
    logger       *slog.Logger

    mu     sync.RWMutex
    closed bool
}

// NewEventPublisher returns a publisher with room for buffer pending events.
func NewEventPublisher(sender Sender, buffer int, logger *slog.Logger) *EventPublisher {
    if buffer < 1 {
        buffer = 1
    }
    if logger == nil {
        logger = slog.Default()
    }
    return &EventPublisher{
        sender:       sender,
        events:       make(chan queue.AuthEvent, buffer),
        done:         make(chan struct{}),
        timeout:      5 * time.Second,
        drainTimeout: 5 * time.Second,
        logger:       logger,
    }
}

// Publish enqueues ev for delivery.
func (p *EventPublisher) Publish(_ context.Context, ev queue.AuthEvent) error {
    p.mu.RLock()
    defer p.mu.RUnlock()
    if p.closed {
        return ErrPublishDisabled
    }
    select {
    case p.events <- ev:
        return nil
    default:
        return ErrBufferFull
    }
}

// Close stops accepting events.  Run then drains what is already buffered
// and returns.
func (p *EventPublisher) Close() {
    p.mu.Lock()
    defer p.mu.Unlock()
    if !p.closed {
        p.closed = true
        close(p.events)
        close(p.done)
    }
}

// Run sends buffered events until Close is called or ctx is cancelled.  In
// both cases the events still buffered are sent for at most drainTimeout
// before Run returns; whatever is left after that is dropped and logged.
func (p *EventPublisher) Run(ctx context.Context) {
    defer p.drain()
    for {
        if p.stopped(ctx) {
            p.Close()
            return
        }
        select {
        case <-ctx.Done():
        case <-p.done:
        case ev, ok := <-p.events:
            if !ok {
                return
            }
            p.send(ctx, ev)
        }
    }
}

func (p *EventPublisher) stopped(ctx context.Context) bool {
    select {
    case <-p.done:
        return true
    default:
        return ctx.Err() != nil
    }
}

func (p *EventPublisher) drain() {
    ctx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
    defer cancel()
    for {
        select {
        case ev, ok := <-p.events:
            if !ok {
                return
            }
            p.send(ctx, ev)
        case <-ctx.Done():
            p.logger.Warn("auth events dropped at shutdown", slog.Int("count", len(p.events)))
            return
        }
    }
}

func (p *EventPublisher) send(ctx context.Context, ev queue.AuthEvent) {
    body, err := json.Marshal(ev)
    if err != nil {
        p.logger.Error("encode auth event", slog.String("type", ev.Type), slog.String("error", err.Error()))
        return
    }
    sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
    defer cancel()
    if err := p.sender.Send(sendCtx, queue.AuthEventsQueue, body); err != nil {
        p.logger.Warn("auth event not delivered",
            slog.String("type", ev.Type),
            slog.String("error", err.Error()),
        )
    }
}

// AMQPSender publishes persistent JSON messages through the default
// exchange.  It dials per message; auth events are rare enough that a
// long-lived channel is not worth its reconnect handling.
type AMQPSender struct {
    URL string
}

func (s AMQPSender) Send(ctx context.Context, queueName string, body []byte) error {
    conn, err := amqp.Dial(s.URL)
    if err != nil {
        return fmt.Errorf("rabbitmq dial: %w", err)
    }
    defer func() { _ = conn.Close() }()

    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("rabbitmq channel: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
        return fmt.Errorf("rabbitmq queue declare: %w", err)
    }

    return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent,
        Timestamp:    time.Now().UTC(),
        Body:         body,
    })
}
