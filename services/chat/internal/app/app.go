package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
	"streamchat/pkg/events"
	"streamchat/pkg/storage"
	"streamchat/pkg/store"
	"streamchat/services/chat/internal/identity"
	"streamchat/services/chat/internal/session"
)

// Config holds runtime configuration for the core application.
type Config struct {
	// DatabaseURL selects the Postgres store. Empty keeps transcripts in memory.
	DatabaseURL string
	Store       store.ConversationStore
	Source      ai.StreamSource
	AI          ai.Config
	Auth        identity.AuthAPI
	Broadcaster identity.Broadcaster
	// Archive is optional; without it exports fail with ErrExportDisabled.
	Archive   *storage.TranscriptArchive
	Publisher events.Publisher

	SessionIdleTTL     time.Duration
	MaxSessionsPerUser int
	Logger             *slog.Logger
}

// App wires page sessions, the conversation store and identity together.
type App struct {
	store     store.ConversationStore
	registry  *session.Registry
	identity  *identity.Store
	archive   *storage.TranscriptArchive
	publisher events.Publisher
	logger    *slog.Logger
	closers   []func() error
}

// New constructs the application, falling back to in-memory storage when no
// database is configured.
func New(cfg Config) (*App, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		return nil, errors.New("auth client required")
	}
	a := &App{
		archive:   cfg.Archive,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
	if a.publisher == nil {
		a.publisher = events.NopPublisher{}
	}

	a.store = cfg.Store
	if a.store == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			cfg.Logger.Warn("no databaseURL configured, conversations are kept in memory")
			a.store = store.NewMemoryStore()
		} else {
			gs, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			a.store = gs
			a.closers = append(a.closers, gs.Close)
		}
	}

	source := cfg.Source
	if source == nil {
		var err error
		source, err = ai.NewStreamSource(cfg.AI)
		if err != nil {
			return nil, fmt.Errorf("init completion provider: %w", err)
		}
	}

	a.identity = identity.NewStore(cfg.Auth, identity.Options{Broadcaster: cfg.Broadcaster, Logger: cfg.Logger})
	a.registry = session.NewRegistry(session.RegistryConfig{
		Store:       a.store,
		Source:      source,
		Logger:      cfg.Logger,
		OnSaved:     a.conversationSaved,
		IdleTTL:     cfg.SessionIdleTTL,
		MaxPerOwner: cfg.MaxSessionsPerUser,
	})
	a.identity.Subscribe("", a.identityChanged)
	a.closers = append(a.closers, a.publisher.Close)
	return a, nil
}

func (a *App) Sessions() *session.Registry { return a.registry }

func (a *App) Identity() *identity.Store { return a.identity }

// ExportEnabled reports whether object storage is configured.
func (a *App) ExportEnabled() bool { return a.archive != nil }

// ListConversations lists the caller's conversations, newest first.
func (a *App) ListConversations(ctx context.Context, user domain.User, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(user.ID) == "" {
		return nil, fmt.Errorf("user id required")
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListConversations(ctx, user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

func (a *App) GetConversation(ctx context.Context, user domain.User, id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Conversation{}, ErrConversationIDRequired
	}
	c, ok, err := a.store.GetConversation(ctx, user.ID, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

// DeleteConversation removes a stored transcript and announces it. Open page
// sessions showing it are detached: they keep their messages and save under a
// fresh id next time.
func (a *App) DeleteConversation(ctx context.Context, user domain.User, id string) error {
	c, err := a.GetConversation(ctx, user, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, user.ID, c.ID); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	a.registry.ForgetConversation(user.ID, c.ID)
	a.publish(ctx, events.Event{
		Type:           events.TypeConversationDeleted,
		ConversationID: c.ID,
		OwnerID:        user.ID,
		Title:          c.Title,
	})
	return nil
}

// ExportConversation uploads a transcript snapshot and returns a download link.
func (a *App) ExportConversation(ctx context.Context, user domain.User, id string) (storage.Export, error) {
	if a.archive == nil {
		return storage.Export{}, ErrExportDisabled
	}
	c, err := a.GetConversation(ctx, user, id)
	if err != nil {
		return storage.Export{}, err
	}
	exp, err := a.archive.Export(ctx, c)
	if err != nil {
		return storage.Export{}, fmt.Errorf("export conversation: %w", err)
	}
	return exp, nil
}

// HandleEvent consumes domain events from the event stream.
func (a *App) HandleEvent(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeConversationDeleted:
		if a.archive == nil {
			return nil
		}
		n, err := a.archive.RemoveConversation(ctx, e.OwnerID, e.ConversationID)
		if err != nil {
			return fmt.Errorf("remove exports of %s: %w", e.ConversationID, err)
		}
		if n > 0 {
			a.logger.Info("removed transcript exports", "conversation_id", e.ConversationID, "count", n)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) conversationSaved(ctx context.Context, c domain.Conversation) {
	a.publish(ctx, events.Event{
		Type:           events.TypeConversationSaved,
		ConversationID: c.ID,
		OwnerID:        c.OwnerID,
		Title:          c.Title,
		MessageCount:   len(c.Messages),
	})
}

func (a *App) publish(ctx context.Context, e events.Event) {
	if err := a.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		a.logger.Warn("publish event failed", "type", e.Type, "conversation_id", e.ConversationID, "err", err)
	}
}

// identityChanged closes the page sessions of a user who signed out, on any
// instance.
func (a *App) identityChanged(c identity.Change) {
	if c.Kind != identity.ChangeSignedOut || c.UserID == "" {
		return
	}
	if n := a.registry.DropOwner(c.UserID); n > 0 {
		a.logger.Info("closed sessions after sign-out", "user_id", c.UserID, "count", n)
	}
}
