package domain

import "errors"

var (
	// ErrTokenNotFound signals that the owner has no stored credential.
	ErrTokenNotFound = errors.New("token: not found")
	// ErrExpiryRegression is returned when a write would move expiry backwards.
	ErrExpiryRegression = errors.New("token: expiry would decrease")
	// ErrCircuitNotFound signals a missing breaker row.
	ErrCircuitNotFound = errors.New("circuit: not found")
)
