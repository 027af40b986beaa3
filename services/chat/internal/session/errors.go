package session

import "errors"

var (
	// ErrStreamInProgress rejects a send while the previous reply is still streaming.
	ErrStreamInProgress = errors.New("a reply is still streaming")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("too many open sessions")
	// ErrConversationNotFound is returned by LoadConversation after it resets the session.
	ErrConversationNotFound = errors.New("conversation not found")
)
