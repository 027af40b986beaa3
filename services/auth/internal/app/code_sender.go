package app

import (
	"context"

	"streamchat/internal/util"
)

// CodeSender delivers password reset codes to the account owner.
type CodeSender interface {
	SendResetCode(ctx context.Context, email, code string) error
}

// LogCodeSender writes codes to the service log. It stands in for a mail
// gateway in development.
type LogCodeSender struct{}

func (LogCodeSender) SendResetCode(ctx context.Context, email, code string) error {
	util.LoggerFromContext(ctx).Info("password reset code issued", "email", email, "code", code)
	return nil
}
