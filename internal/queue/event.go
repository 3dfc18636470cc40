// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// AuthEventsQueue is the durable queue carrying authentication events.
const AuthEventsQueue = "auth.events"

// Event types published on AuthEventsQueue.
const (
    EventLoggedIn     = "user.logged_in"
    EventLoginFailed  = "user.login_failed"
    EventLoggedOut    = "user.logged_out"
    EventRegistered   = "user.registered"
    EventRefreshed    = "token.refreshed"
    EventStatusChange = "user.status_changed"
)

// AuthEvent is published whenever a session changes state.  It contains
// enough information for downstream consumers to write an audit trail or
// trigger alerts without querying the primary database.  Tokens and
// passwords are never part of an event.
type AuthEvent struct {
    Type       string    `json:"type"`
    UserID     string    `json:"user_id,omitempty"`
    Email      string    `json:"email,omitempty"`
    Role       string    `json:"role,omitempty"`
    Reason     string    `json:"reason,omitempty"`
    IP         string    `json:"ip,omitempty"`
    RequestID  string    `json:"request_id,omitempty"`
    OccurredAt time.Time `json:"occurred_at"`
}
