package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"streamchat/internal/ratelimit"
	"streamchat/internal/usertoken"
	"streamchat/internal/util"
	"streamchat/pkg/domain"
	"streamchat/services/chat/internal/app"
	"streamchat/services/chat/internal/authclient"
	"streamchat/services/chat/internal/identity"
)

const defaultMaxMessageRunes = 4000

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier rejects bad tokens locally before the auth service is asked.
	TokenVerifier   *usertoken.Verifier
	AuthLimiter     *ratelimit.FixedWindowLimiter
	MessageLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies  *util.TrustedProxies
	CORSOrigins     []string
	MaxMessageRunes int
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	authLimiter    *ratelimit.FixedWindowLimiter
	messageLimiter *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	origins        []string
	maxRunes       int
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxRunes := cfg.MaxMessageRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxMessageRunes
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		authLimiter:    cfg.AuthLimiter,
		messageLimiter: cfg.MessageLimiter,
		trusted:        cfg.TrustedProxies,
		origins:        cfg.CORSOrigins,
		maxRunes:       maxRunes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the shared middleware chain.
func (s *Server) Router() http.Handler {
	return util.Chain("chat", s.origins, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /api/auth/signup", s.limited("chat.auth.signup", s.handleSignup))
	s.mux.Handle("POST /api/auth/login", s.limited("chat.auth.login", s.handleLogin))
	s.mux.Handle("POST /api/auth/refresh", s.limited("chat.auth.refresh", s.handleRefresh))
	s.mux.Handle("POST /api/auth/logout", s.withUser(s.handleLogout))
	s.mux.Handle("POST /api/auth/password/reset", s.limited("chat.auth.password.reset", s.handleRequestReset))
	s.mux.Handle("POST /api/auth/password/reset/confirm", s.limited("chat.auth.password.reset.confirm", s.handleConfirmReset))
	s.mux.Handle("GET /api/users/me", s.withUser(s.handleMe))
	s.mux.Handle("GET /api/identity/events", s.withUser(s.handleIdentityEvents))

	s.mux.Handle("POST /api/sessions", s.withUser(s.handleCreateSession))
	s.mux.Handle("GET /api/sessions/{id}", s.withUser(s.handleGetSession))
	s.mux.Handle("DELETE /api/sessions/{id}", s.withUser(s.handleDeleteSession))
	s.mux.Handle("POST /api/sessions/{id}/messages", s.withUser(s.handleSendMessage))
	s.mux.Handle("POST /api/sessions/{id}/load", s.withUser(s.handleLoadConversation))
	s.mux.Handle("POST /api/sessions/{id}/clear", s.withUser(s.handleClearSession))
	s.mux.Handle("POST /api/sessions/{id}/new", s.withUser(s.handleNewChat))
	s.mux.Handle("POST /api/sessions/{id}/personal-mode", s.withUser(s.handleTogglePersonalMode))
	s.mux.Handle("GET /api/sessions/{id}/progress", s.withUser(s.handleProgress))

	s.mux.Handle("GET /api/conversations", s.withUser(s.handleListConversations))
	s.mux.Handle("GET /api/conversations/{id}", s.withUser(s.handleGetConversation))
	s.mux.Handle("DELETE /api/conversations/{id}", s.withUser(s.handleDeleteConversation))
	s.mux.Handle("POST /api/conversations/{id}/export", s.withUser(s.handleExportConversation))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.tokenVerifier != nil {
			if _, err := s.tokenVerifier.VerifySubject(r.Context(), token); err != nil {
				if errors.Is(err, usertoken.ErrInvalidToken) {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				// JWKS unavailable; the auth service still decides below
				util.LoggerFromContext(r.Context()).Warn("local token check skipped", "err", err)
			}
		}
		user, err := s.app.Identity().CurrentUser(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			util.LoggerFromContext(r.Context()).Error("auth service lookup failed", "err", err)
			writeError(w, http.StatusBadGateway, "auth service unavailable")
			return
		}
		next(w, r, token, user)
	})
}

// limited applies the per-IP auth limiter before next.
func (s *Server) limited(event string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authLimiter != nil {
			ip := util.ClientIP(r, s.trusted)
			d := s.authLimiter.Allow(r.Context(), event+":"+ip)
			if !d.Allowed {
				util.LoggerFromContext(r.Context()).Info("security_event", "event", event, "outcome", "rate_limited", "ip", ip)
				writeRateLimited(w, d)
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// writeAuthError passes auth service rejections through and hides transport failures.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *authclient.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	if errors.Is(err, identity.ErrUnauthenticated) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	util.LoggerFromContext(r.Context()).Error("auth service call failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusBadGateway, "auth service unavailable")
}

func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
