package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamchat/pkg/domain"
	"streamchat/services/chat/internal/authclient"
)

// ErrUnauthenticated is returned when the auth service rejects the caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// ChangeKind names an identity transition.
type ChangeKind string

const (
	ChangeSignedIn      ChangeKind = "signed_in"
	ChangeSignedOut     ChangeKind = "signed_out"
	ChangePasswordReset ChangeKind = "password_reset"
)

// Change describes one sign-in state transition. User is nil when the
// identity went away.
type Change struct {
	Kind   ChangeKind   `json:"kind"`
	UserID string       `json:"userId,omitempty"`
	Email  string       `json:"email,omitempty"`
	User   *domain.User `json:"user,omitempty"`
	At     time.Time    `json:"at"`
	// Origin is the instance that produced the change.
	Origin string `json:"origin"`
}

// AuthAPI is the part of the auth service the store relies on.
type AuthAPI interface {
	Me(ctx context.Context, token string) (domain.User, error)
	SignUp(ctx context.Context, email, password string) (authclient.Session, error)
	Login(ctx context.Context, email, password string) (authclient.Session, error)
	Refresh(ctx context.Context, refreshToken string) (authclient.Session, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
}

// Broadcaster carries changes to other chat instances.
type Broadcaster interface {
	Publish(ctx context.Context, c Change) error
	// Run delivers remote changes to deliver until ctx is done.
	Run(ctx context.Context, deliver func(Change)) error
}

// Store wraps the remote auth service and notifies subscribers whenever a
// sign-in state changes.
type Store struct {
	auth        AuthAPI
	broadcaster Broadcaster
	logger      *slog.Logger
	origin      string
	now         func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
}

type subscription struct {
	userID string
	fn     func(Change)
}

type Options struct {
	Broadcaster Broadcaster
	Logger      *slog.Logger
}

func NewStore(auth AuthAPI, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		auth:        auth,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		origin:      uuid.NewString(),
		now:         time.Now,
		subs:        make(map[uint64]subscription),
	}
}

// CurrentUser resolves the identity behind token. An absent or rejected token
// yields ErrUnauthenticated.
func (s *Store) CurrentUser(ctx context.Context, token string) (domain.User, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, ErrUnauthenticated
	}
	user, err := s.auth.Me(ctx, token)
	if err != nil {
		return domain.User{}, mapAuthError(err)
	}
	return user, nil
}

func (s *Store) SignUp(ctx context.Context, email, password string) (authclient.Session, error) {
	sess, err := s.auth.SignUp(ctx, email, password)
	if err != nil {
		return authclient.Session{}, err
	}
	s.emit(ctx, Change{Kind: ChangeSignedIn, UserID: sess.User.ID, Email: sess.User.Email, User: &sess.User})
	return sess, nil
}

func (s *Store) SignIn(ctx context.Context, email, password string) (authclient.Session, error) {
	sess, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return authclient.Session{}, err
	}
	s.emit(ctx, Change{Kind: ChangeSignedIn, UserID: sess.User.ID, Email: sess.User.Email, User: &sess.User})
	return sess, nil
}

// Refresh rotates the token pair. It is not an identity change.
func (s *Store) Refresh(ctx context.Context, refreshToken string) (authclient.Session, error) {
	return s.auth.Refresh(ctx, refreshToken)
}

// SignOut revokes the tokens of userID and notifies subscribers.
func (s *Store) SignOut(ctx context.Context, userID, accessToken, refreshToken string) error {
	if err := s.auth.Logout(ctx, accessToken, refreshToken); err != nil {
		return mapAuthError(err)
	}
	s.emit(ctx, Change{Kind: ChangeSignedOut, UserID: userID})
	return nil
}

func (s *Store) RequestPasswordReset(ctx context.Context, email string) error {
	return s.auth.RequestPasswordReset(ctx, email)
}

// ResetPassword replaces the password; every token of the account is revoked
// by the auth service, so subscribers see the identity go away.
func (s *Store) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if err := s.auth.ResetPassword(ctx, email, code, newPassword); err != nil {
		return err
	}
	s.emit(ctx, Change{Kind: ChangePasswordReset, Email: strings.ToLower(strings.TrimSpace(email))})
	return nil
}

// Subscribe registers fn for changes of userID, or of everyone when userID is
// empty. Delivery is synchronous for changes made through this instance. The
// returned func removes the subscription and is safe to call more than once.
func (s *Store) Subscribe(userID string, fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{userID: userID, fn: fn}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SubscriberCount is the number of live subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Run relays changes from other instances until ctx is done. Without a
// broadcaster it just waits.
func (s *Store) Run(ctx context.Context) error {
	if s.broadcaster == nil {
		<-ctx.Done()
		return nil
	}
	return s.broadcaster.Run(ctx, func(c Change) {
		if c.Origin == s.origin {
			return
		}
		s.deliver(c)
	})
}

func (s *Store) emit(ctx context.Context, c Change) {
	c.At = s.now().UTC()
	c.Origin = s.origin
	s.deliver(c)
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(context.WithoutCancel(ctx), c); err != nil {
		s.logger.Warn("identity change broadcast failed", "kind", c.Kind, "user_id", c.UserID, "err", err)
	}
}

func (s *Store) deliver(c Change) {
	s.mu.RLock()
	targets := make([]func(Change), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.userID == "" || sub.userID == c.UserID {
			targets = append(targets, sub.fn)
		}
	}
	s.mu.RUnlock()
	for _, fn := range targets {
		fn(c)
	}
}

func mapAuthError(err error) error {
	switch authclient.StatusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthenticated
	}
	return err
}
