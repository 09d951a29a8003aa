package security

import "errors"

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")

	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleEvent       = errors.New("stale webhook event")
)
