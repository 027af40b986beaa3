package store

import (
	"context"
	"time"

	"streamchat/pkg/domain"
)

// UserStore persists accounts for the auth service.
type UserStore interface {
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	UserCount(ctx context.Context) (int, error)
}

// ConversationStore persists transcripts. Every call is scoped to ownerID;
// a record owned by someone else behaves as if it did not exist.
type ConversationStore interface {
	// SaveConversation inserts or fully replaces the record with c.ID.
	SaveConversation(ctx context.Context, ownerID string, c domain.Conversation) error
	GetConversation(ctx context.Context, ownerID, id string) (domain.Conversation, bool, error)
	// ListConversations returns newest first. limit <= 0 means the default page.
	ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, ownerID, id string) error
}

// SessionStore issues and validates access tokens.
type SessionStore interface {
	NewSession(ctx context.Context, userID string) (string, error)
	UserIDFromToken(ctx context.Context, token string) (string, error)
	DeleteSession(ctx context.Context, token string) error
	RevokeUserSessions(ctx context.Context, userID string, since time.Time) error
}

// JWK is one entry of a JSON Web Key Set.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is implemented by session stores that can publish their keys.
type JWKSProvider interface {
	JWKS() []JWK
}

const defaultListLimit = 100
