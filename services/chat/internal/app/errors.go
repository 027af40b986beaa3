package app

import "errors"

var (
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrConversationIDRequired = errors.New("conversation id required")
	// ErrExportDisabled indicates no object storage is configured.
	ErrExportDisabled = errors.New("transcript export is not configured")
)
