package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"streamchat/pkg/domain"
)

// MemoryStore keeps users and conversations in-process. It backs tests, the
// terminal client and single-node deployments without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]domain.User // key: user ID
	email map[string]string      // email -> user ID
	convs map[string]storedConversation
	seq   int64
}

type storedConversation struct {
	conv domain.Conversation
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
		convs: make(map[string]storedConversation),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) UserCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryStore) SaveConversation(_ context.Context, ownerID string, c domain.Conversation) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ErrOwnerRequired
	}
	if strings.TrimSpace(c.ID) == "" {
		return ErrConversationIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c = cloneConversation(c)
	c.OwnerID = ownerID
	if c.Path == "" {
		c.Path = domain.ConversationPath(c.ID)
	}
	if prev, ok := m.convs[c.ID]; ok {
		if prev.conv.OwnerID != ownerID {
			return ErrConversationNotFound
		}
		c.CreatedAt = prev.conv.CreatedAt
		m.convs[c.ID] = storedConversation{conv: c, seq: prev.seq}
		return nil
	}
	m.seq++
	m.convs[c.ID] = storedConversation{conv: c, seq: m.seq}
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, ownerID, id string) (domain.Conversation, bool, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Conversation{}, false, ErrOwnerRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.convs[id]
	if !ok || sc.conv.OwnerID != ownerID {
		return domain.Conversation{}, false, nil
	}
	return cloneConversation(sc.conv), true, nil
}

func (m *MemoryStore) ListConversations(_ context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrOwnerRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	owned := make([]storedConversation, 0)
	for _, sc := range m.convs {
		if sc.conv.OwnerID == ownerID {
			owned = append(owned, sc)
		}
	}
	m.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].conv.CreatedAt != owned[j].conv.CreatedAt {
			return owned[i].conv.CreatedAt > owned[j].conv.CreatedAt
		}
		return owned[i].seq > owned[j].seq
	})
	if len(owned) > limit {
		owned = owned[:limit]
	}
	out := make([]domain.Conversation, 0, len(owned))
	for _, sc := range owned {
		out = append(out, cloneConversation(sc.conv))
	}
	return out, nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, ownerID, id string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrOwnerRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.convs[id]
	if !ok || sc.conv.OwnerID != ownerID {
		return ErrConversationNotFound
	}
	delete(m.convs, id)
	return nil
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	msgs := make([]domain.Message, len(c.Messages))
	copy(msgs, c.Messages)
	c.Messages = msgs
	return c
}
