package utils

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

// bcrypt ignores everything past 72 bytes, so longer inputs are refused
// instead of silently truncated.
const maxPasswordBytes = 72

var (
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong  = errors.New("password must be at most 72 bytes")
)

// ValidatePassword applies the registration password policy.
func ValidatePassword(plain string) error {
	if len([]rune(plain)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(plain) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// HashPassword returns bcrypt hash using the given cost.
func HashPassword(plain string, cost int) (string, error) {
	if len(plain) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPassword safely compares bcrypt hash and plain password.
func VerifyPassword(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// CompareDummy spends the same bcrypt work as VerifyPassword against a
// throwaway hash. Login calls it when no user matched so that response time
// does not reveal whether the email exists.
func CompareDummy(plain string, cost int) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("institute-cms-dummy-password"), cost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plain))
}
