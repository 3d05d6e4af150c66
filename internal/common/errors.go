// Package common defines sentinel errors and constants shared by the relay
// components. Callers should match errors with errors.Is.
package common

import "errors"

var (
	// Store-level errors.
	ErrorNotFound     = errors.New("not found")
	ErrTransientStore = errors.New("store unavailable")

	// Authorization errors. ErrorUnauthorized means the identity is known but
	// is not allowed to act on the target (for example, not a chat participant).
	ErrorUnauthorized       = errors.New("not authorized")
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Credential errors (invalid, malformed or expired token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Relay protocol errors.
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownEvent   = errors.New("unknown event")
)
