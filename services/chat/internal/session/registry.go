package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
)

const (
	defaultIdleTTL     = 30 * time.Minute
	defaultMaxPerOwner = 8
)

// PageSession is the state of one open chat page: its transcript and its
// question progress.
type PageSession struct {
	ID       string
	OwnerID  string
	Manager  *Manager
	Progress *Progress

	createdAt time.Time
	lastSeen  time.Time
}

func (p *PageSession) CreatedAt() time.Time { return p.createdAt }

type RegistryConfig struct {
	Store   ConversationStore
	Source  ai.StreamSource
	Logger  *slog.Logger
	OnSaved func(ctx context.Context, c domain.Conversation)
	// IdleTTL evicts sessions not touched for this long. Streaming sessions are kept.
	IdleTTL     time.Duration
	MaxPerOwner int
	Now         func() time.Time
}

// Registry holds the page sessions of every signed-in user.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*PageSession
	byOwner  map[string]map[string]struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = defaultMaxPerOwner
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*PageSession),
		byOwner:  make(map[string]map[string]struct{}),
	}
}

// Create opens a page session for owner.
func (r *Registry) Create(ownerID string) (*PageSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byOwner[ownerID]) >= r.cfg.MaxPerOwner {
		return nil, ErrTooManySessions
	}
	now := r.cfg.Now()
	ps := &PageSession{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Progress:  NewProgress(),
		createdAt: now,
		lastSeen:  now,
	}
	logger := r.cfg.Logger.With("owner_id", ownerID, "session_id", ps.ID)
	ps.Manager = NewManager(Options{
		OwnerID: ownerID,
		Store:   r.cfg.Store,
		Source:  r.cfg.Source,
		Logger:  logger,
		OnSaved: r.cfg.OnSaved,
		OnUserMessage: func(context.Context) {
			if ps.Progress.Increment() {
				logger.Info("personalized analysis completed", "questions", ps.Progress.State().TotalQuestionCount)
			}
		},
	})
	r.sessions[ps.ID] = ps
	owned := r.byOwner[ownerID]
	if owned == nil {
		owned = make(map[string]struct{})
		r.byOwner[ownerID] = owned
	}
	owned[ps.ID] = struct{}{}
	return ps, nil
}

// Get returns the session id of owner and marks it as used. Another owner's
// id is reported as not found.
func (r *Registry) Get(ownerID, id string) (*PageSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.sessions[id]
	if !ok || ps.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	ps.lastSeen = r.cfg.Now()
	return ps, nil
}

func (r *Registry) Delete(ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.sessions[id]
	if !ok || ps.OwnerID != ownerID {
		return ErrSessionNotFound
	}
	r.removeLocked(ps)
	return nil
}

// DropOwner closes every session of owner and returns how many were open.
func (r *Registry) DropOwner(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.byOwner[ownerID]
	n := 0
	for id := range owned {
		if ps, ok := r.sessions[id]; ok {
			r.removeLocked(ps)
			n++
		}
	}
	delete(r.byOwner, ownerID)
	return n
}

// ForgetConversation detaches conversationID from every session of owner and
// returns how many were bound to it.
func (r *Registry) ForgetConversation(ownerID, conversationID string) int {
	r.mu.Lock()
	targets := make([]*PageSession, 0, len(r.byOwner[ownerID]))
	for id := range r.byOwner[ownerID] {
		if ps, ok := r.sessions[id]; ok {
			targets = append(targets, ps)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, ps := range targets {
		if ps.Manager.ForgetConversation(conversationID) {
			n++
		}
	}
	return n
}

// Sweep evicts sessions idle since before now-IdleTTL.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.cfg.IdleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ps := range r.sessions {
		if !ps.lastSeen.Before(cutoff) {
			continue
		}
		if ps.Manager.Snapshot().Streaming {
			continue
		}
		r.removeLocked(ps)
		n++
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.cfg.Now()); n > 0 {
				r.cfg.Logger.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) removeLocked(ps *PageSession) {
	delete(r.sessions, ps.ID)
	if owned := r.byOwner[ps.OwnerID]; owned != nil {
		delete(owned, ps.ID)
		if len(owned) == 0 {
			delete(r.byOwner, ps.OwnerID)
		}
	}
	// detach any in-flight turn from the closed session
	ps.Manager.NewChat()
}
