package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"streamchat/pkg/domain"
)

func TestLoginDecodesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body credentials
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Email != "a@example.com" {
			t.Errorf("unexpected body: %+v", body)
		}
		_ = json.NewEncoder(w).Encode(Session{AccessToken: "at", RefreshToken: "rt", User: domain.User{ID: "u1", Email: body.Email}})
	}))
	defer srv.Close()

	sess, err := NewClient(srv.URL+"/").Login(context.Background(), "a@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.AccessToken != "at" || sess.RefreshToken != "rt" || sess.User.ID != "u1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestAPIErrorCarriesStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Incorrect email address or password"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Login(context.Background(), "a@example.com", "bad")
	if StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if err.Error() != "Incorrect email address or password" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestMeSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.User{ID: "u1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	user, err := c.Me(context.Background(), "tok")
	if err != nil || user.ID != "u1" {
		t.Fatalf("unexpected me result: %+v %v", user, err)
	}
	if _, err := c.Me(context.Background(), "other"); StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %v", err)
	}
}

func TestLogoutAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	if err := NewClient(srv.URL).Logout(context.Background(), "at", "rt"); err != nil {
		t.Fatalf("logout: %v", err)
	}
}
