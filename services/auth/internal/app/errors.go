package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")
	ErrUserNotFound = errors.New("user not found")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrEmailRequired            = errors.New("email required")
	ErrInvalidEmail             = errors.New("invalid email address")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrNewPasswordRequired     = errors.New("new password required")
	ErrCurrentPasswordRequired = errors.New("current password required")
	ErrPasswordUnchanged       = errors.New("new password must differ from current password")

	ErrResetCodeRequired = errors.New("verification code is required")
	ErrResetCodeInvalid  = errors.New("incorrect verification code")
	ErrResetCodeExpired  = errors.New("verification code expired")
	ErrResetRateLimited  = errors.New("too many verification code requests")
)
