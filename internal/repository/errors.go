// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the auth
// service and the handlers to distinguish between different failure
// scenarios without inspecting driver errors. For example, ErrUserNotFound
// is collapsed into a generic "invalid credentials" answer at login, while
// ErrEmailExists becomes an HTTP 409 at registration.
package repository

import "errors"

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrEmailExists is returned when a user with the same email already
// exists. Handlers should translate this into an HTTP 409 response.
var ErrEmailExists = errors.New("email already exists")

// mysqlDuplicateEntry is the MySQL error number for unique key violations.
const mysqlDuplicateEntry = 1062
