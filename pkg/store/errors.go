package store

import "errors"

var (
	// ErrOwnerRequired is returned when a conversation call has no owner.
	ErrOwnerRequired = errors.New("conversation owner is required")
	// ErrConversationNotFound covers both missing records and records of other owners.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationIDRequired is returned when saving without an id.
	ErrConversationIDRequired = errors.New("conversation id is required")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")

	// ErrInvalidRefreshToken indicates an unknown or expired refresh token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenReplay indicates reuse of an already rotated refresh token.
	ErrRefreshTokenReplay = errors.New("refresh token replay detected")

	ErrResetCodeInvalid     = errors.New("reset code is invalid")
	ErrResetCodeExpired     = errors.New("reset code expired")
	ErrResetCodeRateLimited = errors.New("too many reset code requests")
)
