package app

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionNotFound = errors.New("chat session not found")

	ErrContentEmpty   = fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	ErrContentTooLong = fmt.Errorf("%w: message content is too long", ErrInvalidInput)
	ErrTitleInvalid   = fmt.Errorf("%w: title is empty or too long", ErrInvalidInput)

	// ErrUpstreamUnavailable is only returned before anything was persisted.
	// Generation failures after that point become a fallback reply instead.
	ErrUpstreamUnavailable = errors.New("generation service is unavailable")

	ErrEmailExists       = errors.New("user with this email already exists")
	ErrInvalidCredential = errors.New("invalid email or password")
)
