package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
	"streamchat/pkg/events"
	"streamchat/pkg/storage"
	"streamchat/pkg/store"
	"streamchat/services/chat/internal/authclient"
)

type staticStream struct {
	frags []string
	idx   int
}

func (s *staticStream) Next() bool {
	if s.idx >= len(s.frags) {
		return false
	}
	s.idx++
	return true
}
func (s *staticStream) Current() string { return s.frags[s.idx-1] }
func (s *staticStream) Err() error      { return nil }
func (s *staticStream) Close() error    { return nil }

type staticSource struct{}

func (staticSource) StreamCompletion(context.Context, []domain.ChatMessage) (ai.TokenStream, error) {
	return &staticStream{frags: []string{"Hello", "!"}}, nil
}

type stubAuth struct{}

func (stubAuth) Me(context.Context, string) (domain.User, error) { return domain.User{ID: "u1"}, nil }
func (stubAuth) SignUp(context.Context, string, string) (authclient.Session, error) {
	return authclient.Session{}, nil
}
func (stubAuth) Login(context.Context, string, string) (authclient.Session, error) {
	return authclient.Session{}, nil
}
func (stubAuth) Refresh(context.Context, string) (authclient.Session, error) {
	return authclient.Session{}, nil
}
func (stubAuth) Logout(context.Context, string, string) error                { return nil }
func (stubAuth) RequestPasswordReset(context.Context, string) error          { return nil }
func (stubAuth) ResetPassword(context.Context, string, string, string) error { return nil }

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.got))
	for _, e := range p.got {
		out = append(out, e.Type)
	}
	return out
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			n++
		}
	}
	return n, nil
}

func newTestApp(t *testing.T, archive *storage.TranscriptArchive) (*App, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	a, err := New(Config{
		Store:     store.NewMemoryStore(),
		Source:    staticSource{},
		Auth:      stubAuth{},
		Archive:   archive,
		Publisher: pub,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, pub
}

func sendOne(t *testing.T, a *App, owner, text string) string {
	t.Helper()
	ps, err := a.Sessions().Create(owner)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := ps.Manager.SendMessage(context.Background(), text); err != nil {
		t.Fatalf("send: %v", err)
	}
	id := ps.Manager.Snapshot().ConversationID
	if id == "" {
		t.Fatalf("expected saved conversation")
	}
	return id
}

func TestSavedTurnPublishesEvent(t *testing.T) {
	a, pub := newTestApp(t, nil)
	id := sendOne(t, a, "u1", "hi")

	if got := strings.Join(pub.types(), ","); got != events.TypeConversationSaved {
		t.Fatalf("expected one saved event, got %s", got)
	}
	e := pub.got[0]
	if e.ConversationID != id || e.OwnerID != "u1" || e.MessageCount != 2 || e.Title != "hi" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestConversationsAreOwnerScoped(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()
	id := sendOne(t, a, "u1", "mine")

	items, err := a.ListConversations(ctx, domain.User{ID: "u1"}, 0)
	if err != nil || len(items) != 1 || items[0].ID != id {
		t.Fatalf("unexpected list: %+v %v", items, err)
	}
	if _, err := a.GetConversation(ctx, domain.User{ID: "u2"}, id); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}
	if err := a.DeleteConversation(ctx, domain.User{ID: "u2"}, id); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found deleting other owner's conversation, got %v", err)
	}
	if _, err := a.GetConversation(ctx, domain.User{ID: "u1"}, " "); !errors.Is(err, ErrConversationIDRequired) {
		t.Fatalf("expected id required, got %v", err)
	}
}

func TestDeleteRemovesExportsThroughEvent(t *testing.T) {
	objects := &memObjects{objects: map[string][]byte{}}
	a, pub := newTestApp(t, storage.NewTranscriptArchive(objects, time.Minute))
	ctx := context.Background()
	user := domain.User{ID: "u1"}
	id := sendOne(t, a, "u1", "export me")

	exp, err := a.ExportConversation(ctx, user, id)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(exp.URL, exp.Key) || len(objects.objects) != 1 {
		t.Fatalf("unexpected export %+v, objects=%d", exp, len(objects.objects))
	}

	if err := a.DeleteConversation(ctx, user, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.GetConversation(ctx, user, id); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected deleted conversation to be gone, got %v", err)
	}
	last := pub.got[len(pub.got)-1]
	if last.Type != events.TypeConversationDeleted || last.ConversationID != id {
		t.Fatalf("expected deleted event, got %+v", last)
	}
	if err := a.HandleEvent(ctx, last); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(objects.objects) != 0 {
		t.Fatalf("expected exports removed, %d left", len(objects.objects))
	}
}

func TestExportDisabledWithoutArchive(t *testing.T) {
	a, _ := newTestApp(t, nil)
	if a.ExportEnabled() {
		t.Fatalf("expected export disabled")
	}
	if _, err := a.ExportConversation(context.Background(), domain.User{ID: "u1"}, "c1"); !errors.Is(err, ErrExportDisabled) {
		t.Fatalf("expected ErrExportDisabled, got %v", err)
	}
	if err := a.HandleEvent(context.Background(), events.Event{Type: events.TypeConversationDeleted}); err != nil {
		t.Fatalf("handle without archive: %v", err)
	}
}

func TestSignOutClosesSessions(t *testing.T) {
	a, _ := newTestApp(t, nil)
	if _, err := a.Sessions().Create("u1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Sessions().Create("u2"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.Identity().SignOut(context.Background(), "u1", "at", ""); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if n := a.Sessions().Len(); n != 1 {
		t.Fatalf("expected only u2's session left, got %d", n)
	}
}

func TestNewRequiresAuth(t *testing.T) {
	if _, err := New(Config{Source: staticSource{}}); err == nil {
		t.Fatalf("expected error without auth client")
	}
}

func TestDeleteDetachesOpenSessions(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx := context.Background()
	user := domain.User{ID: "u1"}
	ps, err := a.Sessions().Create(user.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := ps.Manager.SendMessage(ctx, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	deleted := ps.Manager.Snapshot().ConversationID

	if err := a.DeleteConversation(ctx, user, deleted); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if id := ps.Manager.Snapshot().ConversationID; id != "" {
		t.Fatalf("expected session detached from deleted conversation, still bound to %s", id)
	}
	if err := ps.Manager.SendMessage(ctx, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.GetConversation(ctx, user, deleted); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("deleted conversation came back: %v", err)
	}
	fresh := ps.Manager.Snapshot().ConversationID
	if fresh == "" || fresh == deleted {
		t.Fatalf("expected a new conversation id, got %q", fresh)
	}
	c, err := a.GetConversation(ctx, user, fresh)
	if err != nil || len(c.Messages) != 4 {
		t.Fatalf("expected new conversation with the on-screen transcript, got %d messages %v", len(c.Messages), err)
	}
}
