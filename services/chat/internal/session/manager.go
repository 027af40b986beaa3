package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
)

// FallbackReply is appended when the completion stream fails.
const FallbackReply = "Sorry, I couldn't generate a response. Please try again."

const titleMaxRunes = 100

// ConversationStore is the persistence the Manager needs.
type ConversationStore interface {
	SaveConversation(ctx context.Context, ownerID string, c domain.Conversation) error
	GetConversation(ctx context.Context, ownerID, id string) (domain.Conversation, bool, error)
}

// UpdateKind names a state change. The values double as event names on the wire.
type UpdateKind string

const (
	UpdateUserAppended    UpdateKind = "user"
	UpdateAssistantOpened UpdateKind = "assistant"
	UpdateFragment        UpdateKind = "fragment"
	UpdateStreamClosed    UpdateKind = "closed"
	UpdateErrorAppended   UpdateKind = "error"
	UpdateSaved           UpdateKind = "saved"
	UpdateSaveFailed      UpdateKind = "save_failed"
	UpdateReset           UpdateKind = "reset"
	UpdateDetached        UpdateKind = "detached"
)

// Update is delivered to subscribers after every state change, in order.
type Update struct {
	Kind           UpdateKind      `json:"kind"`
	Message        *domain.Message `json:"message,omitempty"`
	Fragment       string          `json:"fragment,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	Messages       []domain.Message `json:"messages"`
	Streaming      bool             `json:"isStreaming"`
	ConversationID string           `json:"conversationId,omitempty"`
	// Unsaved is set when the last save failed. The transcript is still in memory.
	Unsaved bool `json:"unsaved"`
}

type Options struct {
	OwnerID string
	Store   ConversationStore
	Source  ai.StreamSource
	// OnUserMessage runs once per dispatched user message, right after it is appended.
	OnUserMessage func(ctx context.Context)
	// OnSaved runs after every successful save.
	OnSaved func(ctx context.Context, c domain.Conversation)
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

// Manager owns the transcript of one chat session and runs one
// send, stream, persist cycle at a time.
type Manager struct {
	opts Options

	mu             sync.Mutex
	messages       []domain.Message
	streaming      bool
	conversationID string
	// pendingID is the id chosen for a brand-new conversation whose first save
	// has not succeeded yet. Later turns reuse it instead of minting another.
	pendingID string
	unsaved   bool
	// gen changes on every reset so an in-flight turn can tell it was detached.
	gen uint64

	// notifyMu is taken before mu is released so updates go out in the order
	// the state changed. Subscribers must not call mutating methods.
	notifyMu sync.Mutex
	subs     map[uint64]func(Update)
	nextSub  uint64
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{opts: opts, subs: make(map[uint64]func(Update))}
}

// Subscribe registers fn for updates and returns its unsubscribe func.
func (m *Manager) Subscribe(fn func(Update)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// unlockAndNotify must be called with mu held. It hands off to notifyMu and
// delivers updates outside mu. The observer of t, if any, sees them last.
func (m *Manager) unlockAndNotify(t *turn, updates ...Update) {
	subs := make([]func(Update), 0, len(m.subs)+1)
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	if t != nil && t.observe != nil {
		subs = append(subs, t.observe)
	}
	if len(updates) == 0 || len(subs) == 0 {
		m.mu.Unlock()
		return
	}
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	for _, u := range updates {
		for _, fn := range subs {
			fn(u)
		}
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	msgs := make([]domain.Message, len(m.messages))
	copy(msgs, m.messages)
	return Snapshot{
		Messages:       msgs,
		Streaming:      m.streaming,
		ConversationID: m.conversationID,
		Unsaved:        m.unsaved,
	}
}

func (m *Manager) OwnerID() string { return m.opts.OwnerID }

// turn is the private record of one send. It keeps its own transcript so a
// reset in the middle of a stream cannot leak fragments into the new state.
type turn struct {
	gen            uint64
	messages       []domain.Message
	assistantIdx   int
	conversationID string
	observe        func(Update)
}

// SendMessage appends text as a user message, streams the reply into a new
// assistant message and persists the transcript. Stream and save failures are
// absorbed into session state; the returned error only reports rejected input.
func (m *Manager) SendMessage(ctx context.Context, text string) error {
	return m.SendWith(ctx, text, nil)
}

// SendWith is SendMessage with an observer that receives only the updates of
// this send, after the regular subscribers. Nothing is delivered when the
// send is rejected.
func (m *Manager) SendWith(ctx context.Context, text string, observe func(Update)) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.streaming {
		m.mu.Unlock()
		return ErrStreamInProgress
	}
	now := m.opts.Now().UTC()
	user := domain.Message{ID: m.opts.NewID(), Content: text, Role: domain.MessageRoleUser, Timestamp: now}
	m.messages = append(m.messages, user)
	m.streaming = true
	outbound := toChatMessages(m.messages)
	assistant := domain.Message{ID: m.opts.NewID(), Role: domain.MessageRoleAssistant, Timestamp: now}
	m.messages = append(m.messages, assistant)

	t := &turn{gen: m.gen, conversationID: m.conversationID, assistantIdx: len(m.messages) - 1, observe: observe}
	t.messages = make([]domain.Message, len(m.messages))
	copy(t.messages, m.messages)
	m.unlockAndNotify(t,
		Update{Kind: UpdateUserAppended, Message: &user},
		Update{Kind: UpdateAssistantOpened, Message: &assistant},
	)

	if m.opts.OnUserMessage != nil {
		m.opts.OnUserMessage(ctx)
	}

	if err := m.consume(ctx, t, outbound); err != nil {
		m.failTurn(t, err)
		return nil
	}
	m.closeTurn(ctx, t)
	return nil
}

func (m *Manager) consume(ctx context.Context, t *turn, outbound []domain.ChatMessage) error {
	stream, err := m.opts.Source.StreamCompletion(ctx, outbound)
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var acc strings.Builder
	for stream.Next() {
		frag := stream.Current()
		acc.WriteString(frag)
		content := acc.String()
		t.messages[t.assistantIdx].Content = content

		m.mu.Lock()
		if m.gen != t.gen {
			m.mu.Unlock()
			continue
		}
		msg := m.setContentLocked(t.messages[t.assistantIdx].ID, content)
		m.unlockAndNotify(t, Update{Kind: UpdateFragment, Message: msg, Fragment: frag})
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// setContentLocked replaces the content of the message with id and returns a copy.
func (m *Manager) setContentLocked(id, content string) *domain.Message {
	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages[i].Content = content
			msg := m.messages[i]
			return &msg
		}
	}
	return nil
}

// failTurn leaves the partial reply in place and appends one fallback message.
// Nothing is persisted.
func (m *Manager) failTurn(t *turn, cause error) {
	m.opts.Logger.Warn("completion stream failed",
		"owner_id", m.opts.OwnerID,
		"conversation_id", t.conversationID,
		"partial_chars", len(t.messages[t.assistantIdx].Content),
		"err", cause,
	)
	m.mu.Lock()
	if m.gen != t.gen {
		m.mu.Unlock()
		return
	}
	m.streaming = false
	fallback := domain.Message{
		ID:        m.opts.NewID(),
		Content:   FallbackReply,
		Role:      domain.MessageRoleAssistant,
		Timestamp: m.opts.Now().UTC(),
	}
	m.messages = append(m.messages, fallback)
	m.unlockAndNotify(t, Update{Kind: UpdateErrorAppended, Message: &fallback})
}

// closeTurn ends streaming and saves the transcript. A detached turn saves
// its own copy under its own id and never touches session state.
func (m *Manager) closeTurn(ctx context.Context, t *turn) {
	m.mu.Lock()
	attached := m.gen == t.gen
	var conv domain.Conversation
	if attached {
		m.streaming = false
		id := m.conversationID
		if id == "" {
			if m.pendingID == "" {
				m.pendingID = m.opts.NewID()
			}
			id = m.pendingID
		}
		conv = m.buildConversation(id, m.messages)
		m.unlockAndNotify(t, Update{Kind: UpdateStreamClosed, Message: &t.messages[t.assistantIdx], ConversationID: id})
	} else {
		m.mu.Unlock()
		id := t.conversationID
		if id == "" {
			id = m.opts.NewID()
		}
		conv = m.buildConversation(id, t.messages)
	}

	err := m.opts.Store.SaveConversation(ctx, m.opts.OwnerID, conv)

	m.mu.Lock()
	attached = m.gen == t.gen
	if err != nil {
		m.opts.Logger.Error("save conversation failed",
			"owner_id", m.opts.OwnerID,
			"conversation_id", conv.ID,
			"messages", len(conv.Messages),
			"err", err,
		)
		if !attached {
			m.mu.Unlock()
			return
		}
		m.unsaved = true
		m.unlockAndNotify(t, Update{Kind: UpdateSaveFailed, ConversationID: conv.ID})
		return
	}
	if !attached {
		m.mu.Unlock()
	} else {
		if m.conversationID == "" {
			m.conversationID = conv.ID
		}
		if m.pendingID == conv.ID {
			m.pendingID = ""
		}
		m.unsaved = false
		m.unlockAndNotify(t, Update{Kind: UpdateSaved, ConversationID: conv.ID})
	}
	if m.opts.OnSaved != nil {
		m.opts.OnSaved(ctx, conv)
	}
}

func (m *Manager) buildConversation(id string, msgs []domain.Message) domain.Conversation {
	cp := make([]domain.Message, len(msgs))
	copy(cp, msgs)
	title := ""
	if len(cp) > 0 {
		title = deriveTitle(cp[0].Content)
	} else {
		title = domain.DefaultConversationTitle
	}
	return domain.Conversation{
		ID:        id,
		Title:     title,
		Messages:  cp,
		CreatedAt: m.opts.Now().UnixMilli(),
		Path:      domain.ConversationPath(id),
		OwnerID:   m.opts.OwnerID,
	}
}

// LoadConversation replaces the session with a stored transcript. An empty id,
// a missing record or a failed fetch all leave an empty session with no id.
func (m *Manager) LoadConversation(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		m.reset(nil, "")
		return nil
	}
	conv, ok, err := m.opts.Store.GetConversation(ctx, m.opts.OwnerID, id)
	if err != nil || !ok {
		m.reset(nil, "")
		if err != nil {
			m.opts.Logger.Warn("load conversation failed", "owner_id", m.opts.OwnerID, "conversation_id", id, "err", err)
			return fmt.Errorf("load conversation %s: %w", id, err)
		}
		return ErrConversationNotFound
	}
	now := m.opts.Now().UTC()
	msgs := make([]domain.Message, len(conv.Messages))
	for i, msg := range conv.Messages {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		msgs[i] = msg
	}
	m.reset(msgs, conv.ID)
	return nil
}

// Clear empties the transcript and ends streaming. The conversation id is kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	id := m.conversationID
	m.mu.Unlock()
	m.reset(nil, id)
}

// NewChat clears the session and forgets the active conversation.
func (m *Manager) NewChat() {
	m.reset(nil, "")
}

// ForgetConversation unbinds the session from id after the stored record was
// deleted. Messages stay on screen; the next save creates a new conversation.
// It reports whether the session was bound to id.
func (m *Manager) ForgetConversation(id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	if m.conversationID != id && m.pendingID != id {
		m.mu.Unlock()
		return false
	}
	m.conversationID = ""
	m.pendingID = ""
	m.unsaved = false
	m.unlockAndNotify(nil, Update{Kind: UpdateDetached, ConversationID: id})
	return true
}

func (m *Manager) reset(msgs []domain.Message, conversationID string) {
	m.mu.Lock()
	m.gen++
	m.messages = msgs
	m.streaming = false
	if conversationID != m.conversationID || conversationID == "" {
		m.pendingID = ""
		m.unsaved = false
	}
	m.conversationID = conversationID
	m.unlockAndNotify(nil, Update{Kind: UpdateReset, ConversationID: conversationID})
}

func toChatMessages(msgs []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, domain.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func deriveTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.DefaultConversationTitle
	}
	if utf8.RuneCountInString(content) <= titleMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:titleMaxRunes])
}

// IsRejected reports whether err means SendMessage refused the input.
func IsRejected(err error) bool {
	return errors.Is(err, ErrStreamInProgress) || errors.Is(err, ErrEmptyMessage)
}
