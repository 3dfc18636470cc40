package model

import (
    "strings"
    "time"
)

// Role is the authorization role stored on a user and copied into every
// token minted for that user.
type Role string

const (
    RoleSuperAdmin Role = "SUPER_ADMIN"
    RoleAdmin      Role = "ADMIN"
    RoleUser       Role = "USER"
    RoleGuide      Role = "GUIDE"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
    switch r {
    case RoleSuperAdmin, RoleAdmin, RoleUser, RoleGuide:
        return true
    }
    return false
}

// Status is the activation state of a user account.
type Status string

const (
    StatusActive   Status = "ACTIVE"
    StatusInactive Status = "INACTIVE"
    StatusBlocked  Status = "BLOCKED"
)

// ParseStatus normalizes s and reports whether it names a known status.
func ParseStatus(s string) (Status, bool) {
    st := Status(strings.ToUpper(strings.TrimSpace(s)))
    switch st {
    case StatusActive, StatusInactive, StatusBlocked:
        return st, true
    }
    return "", false
}

// ProviderCredentials is the provider name of email/password accounts.  Only
// users linked to this provider may log in with a password.
const ProviderCredentials = "credentials"

// Provider links a user to an authentication provider.
//
// Fields:
//  Name           – provider name ("credentials", "google", ...).
//  ProviderUserID – the id the provider knows the user by; for the
//                   credentials provider this is the normalized email.
type Provider struct {
    Name           string `json:"provider"`
    ProviderUserID string `json:"providerId"`
}

// User represents an application user record as stored in the `users`
// table together with its rows in `user_providers`.  PasswordHash is never
// serialized; handlers additionally build dedicated response types.
//
// Fields:
//  ID           – UUID primary key.
//  Email        – unique, lower-cased email address.
//  PasswordHash – bcrypt hash; empty for provider-only accounts.
//  Role         – authorization role.
//  Status       – activation state.
//  Providers    – linked authentication providers.
//  CreatedAt    – timestamp of creation.
//  UpdatedAt    – timestamp of last update.
type User struct {
    ID           string     `json:"id"`
    Email        string     `json:"email"`
    PasswordHash string     `json:"-"`
    Role         Role       `json:"role"`
    Status       Status     `json:"status"`
    Providers    []Provider `json:"providers,omitempty"`
    CreatedAt    time.Time  `json:"createdAt"`
    UpdatedAt    time.Time  `json:"updatedAt"`
}

// HasProvider reports whether the user is linked to the named provider.
func (u User) HasProvider(name string) bool {
    for _, p := range u.Providers {
        if p.Name == name {
            return true
        }
    }
    return false
}

// Sanitized returns a copy of the user without the password hash.
func (u User) Sanitized() User {
    u.PasswordHash = ""
    if u.Providers != nil {
        u.Providers = append([]Provider(nil), u.Providers...)
    }
    return u
}
