package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"streamchat/pkg/ai"
	"streamchat/pkg/domain"
	"streamchat/pkg/store"
	"streamchat/services/chat/internal/app"
	"streamchat/services/chat/internal/authclient"
)

type gatedStream struct {
	frags []string
	idx   int
	gate  <-chan struct{}
}

func (s *gatedStream) Next() bool {
	if s.idx >= len(s.frags) {
		return false
	}
	if s.gate != nil {
		<-s.gate
	}
	s.idx++
	return true
}
func (s *gatedStream) Current() string { return s.frags[s.idx-1] }
func (s *gatedStream) Err() error      { return nil }
func (s *gatedStream) Close() error    { return nil }

type testSource struct {
	gate chan struct{}
}

func (f *testSource) StreamCompletion(context.Context, []domain.ChatMessage) (ai.TokenStream, error) {
	return &gatedStream{frags: []string{"Hi", " there"}, gate: f.gate}, nil
}

// testAuth accepts "tok-<id>" as the token of user <id>.
type testAuth struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (a *testAuth) Me(_ context.Context, token string) (domain.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok || a.revoked[token] {
		return domain.User{}, &authclient.APIError{Status: http.StatusUnauthorized, Message: "unauthorized"}
	}
	return domain.User{ID: id, Email: id + "@example.com"}, nil
}

func (a *testAuth) SignUp(ctx context.Context, email, password string) (authclient.Session, error) {
	return a.Login(ctx, email, password)
}

func (a *testAuth) Login(_ context.Context, email, password string) (authclient.Session, error) {
	if password != "Correct-Horse-9" {
		return authclient.Session{}, &authclient.APIError{Status: http.StatusUnauthorized, Message: "Incorrect email address or password"}
	}
	id := strings.Split(email, "@")[0]
	return authclient.Session{AccessToken: "tok-" + id, RefreshToken: "rt", User: domain.User{ID: id, Email: email}}, nil
}

func (a *testAuth) Refresh(context.Context, string) (authclient.Session, error) {
	return authclient.Session{}, &authclient.APIError{Status: http.StatusUnauthorized, Message: "invalid refresh token"}
}

func (a *testAuth) Logout(_ context.Context, access, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[access] = true
	return nil
}

func (a *testAuth) RequestPasswordReset(context.Context, string) error          { return nil }
func (a *testAuth) ResetPassword(context.Context, string, string, string) error { return nil }

func newTestServer(t *testing.T, src *testSource) (*Server, *app.App) {
	t.Helper()
	a, err := app.New(app.Config{
		Store:  store.NewMemoryStore(),
		Source: src,
		Auth:   &testAuth{revoked: map[string]bool{}},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return New(Config{App: a, MaxMessageRunes: 10}), a
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, h http.Handler, token string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/sessions", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	var view sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return view.ID
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = v
			}
		}
		if ev.name != "" {
			out = append(out, ev)
		}
	}
	return out
}

func TestSendMessageStreamsEvents(t *testing.T) {
	srv, _ := newTestServer(t, &testSource{})
	h := srv.Router()
	id := createSession(t, h, "tok-u1")

	rec := do(t, h, http.MethodPost, "/api/sessions/"+id+"/messages", "tok-u1", messageRequest{Content: "Hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	evs := parseEvents(rec.Body.String())
	names := make([]string, 0, len(evs))
	for _, ev := range evs {
		names = append(names, ev.name)
	}
	want := "user,assistant,fragment,fragment,closed,saved,progress,done"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("expected events %s, got %s", want, got)
	}
	var final struct {
		Messages       []domain.Message `json:"messages"`
		Streaming      bool             `json:"isStreaming"`
		ConversationID string           `json:"conversationId"`
	}
	if err := json.Unmarshal([]byte(evs[len(evs)-1].data), &final); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if final.Streaming || len(final.Messages) != 2 || final.Messages[1].Content != "Hi there" || final.ConversationID == "" {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}

	rec = do(t, h, http.MethodGet, "/api/conversations", "tok-u1", nil)
	var list struct {
		Items []domain.Conversation `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Items) != 1 || list.Items[0].ID != final.ConversationID {
		t.Fatalf("unexpected conversation list: %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/conversations", "tok-u2", nil); !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("other user must not see conversations: %s", rec.Body.String())
	}
}

func TestSendMessageConflictWhileStreaming(t *testing.T) {
	src := &testSource{gate: make(chan struct{})}
	srv, a := newTestServer(t, src)
	h := srv.Router()
	id := createSession(t, h, "tok-u1")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, h, http.MethodPost, "/api/sessions/"+id+"/messages", "tok-u1", messageRequest{Content: "first"})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ps, err := a.Sessions().Get("u1", id)
		if err == nil && ps.Manager.Snapshot().Streaming {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first send never started streaming")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := do(t, h, http.MethodPost, "/api/sessions/"+id+"/messages", "tok-u1", messageRequest{Content: "second"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
	close(src.gate)
	first := <-done
	if first.Code != http.StatusOK || !strings.Contains(first.Body.String(), "event: done") {
		t.Fatalf("first send did not complete: %d %s", first.Code, first.Body.String())
	}
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t, &testSource{})
	h := srv.Router()
	id := createSession(t, h, "tok-u1")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"blank", messageRequest{Content: "   "}, http.StatusBadRequest},
		{"too long", messageRequest{Content: strings.Repeat("ü", 11)}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/sessions/"+id+"/messages", "tok-u1", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	if rec := do(t, h, http.MethodPost, "/api/sessions/"+id+"/messages", "tok-u1", messageRequest{Content: strings.Repeat("ü", 10)}); rec.Code != http.StatusOK {
		t.Fatalf("limit is inclusive, got %d", rec.Code)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, &testSource{})
	h := srv.Router()
	for _, token := range []string{"", "garbage"} {
		if rec := do(t, h, http.MethodPost, "/api/sessions", token, nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	srv, _ := newTestServer(t, &testSource{})
	h := srv.Router()
	id := createSession(t, h, "tok-u1")

	if rec := do(t, h, http.MethodGet, "/api/sessions/"+id, "tok-u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/sessions/"+id, "tok-u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting other user's session, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/sessions/"+id, "tok-u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("owner get: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/sessions/"+id, "tok-u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("owner delete: %d", rec.Code)
	}
}

func TestLoadClearAndProgress(t *testing.T) {
	srv, _ := newTestServer(t, &testSource{})
	h := srv.Router()
	id := createSession(t, h, "tok-u1")
	base := "/api/sessions/" + id

	rec := do(t, h, http.MethodPost, base+"/personal-mode", "tok-u1", nil)
	var pv progressView
	if err := json.Unmarshal(rec.Body.Bytes(), &pv); err != nil || !pv.State.PersonalModeEnabled || pv.Report.Remaining != 10 {
		t.Fatalf("unexpected progress after toggle: %s", rec.Body.String())
	}
	do(t, h, http.MethodPost, base+"/messages", "tok-u1", messageRequest{Content: "one"})
	rec = do(t, h, http.MethodGet, base+"/progress", "tok-u1", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &pv); err != nil || pv.State.TotalQuestionCount != 1 || pv.Report.Remaining != 9 {
		t.Fatalf("unexpected progress after send: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, base, "tok-u1", nil)
	var view sessionView
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	convID := view.Session.ConversationID

	rec = do(t, h, http.MethodPost, base+"/clear", "tok-u1", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if len(view.Session.Messages) != 0 || view.Session.ConversationID != convID {
		t.Fatalf("clear should keep the id: %s", rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, base+"/load", "tok-u1", loadRequest{ConversationID: convID})
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if rec.Code != http.StatusOK || len(view.Session.Messages) != 2 {
		t.Fatalf("load: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, base+"/load", "tok-u1", loadRequest{ConversationID: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing conversation, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, base, "tok-u1", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if len(view.Session.Messages) != 0 || view.Session.ConversationID != "" {
		t.Fatalf("failed load must reset the session: %s", rec.Body.String())
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv, a := newTestServer(t, &testSource{})
	h := srv.Router()
	id := createSession(t, h, "tok-u1")
	do(t, h, http.MethodPost, "/api/sessions/"+id+"/messages", "tok-u1", messageRequest{Content: "keep"})
	ps, _ := a.Sessions().Get("u1", id)
	convID := ps.Manager.Snapshot().ConversationID

	if rec := do(t, h, http.MethodGet, "/api/conversations/"+convID, "tok-u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/conversations/"+convID, "tok-u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/conversations/"+convID+"/export", "tok-u1", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without object storage, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/conversations/"+convID, "tok-u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/conversations/"+convID, "tok-u1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/conversations?limit=x", "tok-u1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestAuthProxy(t *testing.T) {
	srv, a := newTestServer(t, &testSource{})
	h := srv.Router()

	rec := do(t, h, http.MethodPost, "/api/auth/login", "", authRequest{Email: "u1@example.com", Password: "nope"})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Incorrect email address or password") {
		t.Fatalf("expected passthrough 401, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/auth/login", "", authRequest{Email: "u1@example.com", Password: "Correct-Horse-9"})
	var sess authclient.Session
	if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &sess) != nil || sess.AccessToken != "tok-u1" {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/users/me", sess.AccessToken, nil); !strings.Contains(rec.Body.String(), `"id":"u1"`) {
		t.Fatalf("me: %s", rec.Body.String())
	}

	createSession(t, h, sess.AccessToken)
	if rec := do(t, h, http.MethodPost, "/api/auth/logout", sess.AccessToken, refreshRequest{RefreshToken: "rt"}); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}
	if n := a.Sessions().Len(); n != 0 {
		t.Fatalf("expected sessions dropped on sign-out, got %d", n)
	}
	if rec := do(t, h, http.MethodGet, "/api/users/me", sess.AccessToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestIdentityEventsStream(t *testing.T) {
	srv, a := newTestServer(t, &testSource{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/identity/events", nil)
	req.Header.Set("Authorization", "Bearer tok-u1")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "event: ready") {
		t.Fatalf("expected ready event, got %q", buf[:n])
	}
	if err := a.Identity().SignOut(context.Background(), "u1", "tok-u1", ""); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	n, _ = resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "event: signed_out") {
		t.Fatalf("expected signed_out event, got %q", buf[:n])
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for a.Identity().SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stream subscription was not removed, count=%d", a.Identity().SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
