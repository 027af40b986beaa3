package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"streamchat/internal/ratelimit"
	"streamchat/internal/util"
	"streamchat/pkg/auth"
	"streamchat/pkg/domain"
	"streamchat/pkg/store"
	"streamchat/services/auth/internal/app"
	"streamchat/services/auth/internal/security"
)

// Limiters groups the per-route rate limiters. Nil entries disable limiting.
type Limiters struct {
	Signup   *ratelimit.FixedWindowLimiter
	Login    *ratelimit.FixedWindowLimiter
	Refresh  *ratelimit.FixedWindowLimiter
	Password *ratelimit.FixedWindowLimiter
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Limiters       Limiters
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app      *app.App
	limiters Limiters
	alerter  *security.AuditAlerter
	trusted  *util.TrustedProxies
	origins  []string
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		limiters: cfg.Limiters,
		alerter:  cfg.Alerter,
		trusted:  cfg.TrustedProxies,
		origins:  cfg.CORSOrigins,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with the shared middleware chain.
func (s *Server) Router() http.Handler {
	return util.Chain("auth", s.origins, s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /auth/jwks", s.handleJWKS)

	s.mux.Handle("POST /auth/signup", s.limited("auth.signup", s.limiters.Signup, s.handleSignup))
	s.mux.Handle("POST /auth/login", s.limited("auth.login", s.limiters.Login, s.handleLogin))
	s.mux.Handle("POST /auth/refresh", s.limited("auth.refresh", s.limiters.Refresh, s.handleRefresh))
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.Handle("POST /auth/password/reset", s.limited("auth.password.reset", s.limiters.Password, s.handleRequestReset))
	s.mux.Handle("POST /auth/password/reset/confirm", s.limited("auth.password.reset.confirm", s.limiters.Password, s.handleConfirmReset))

	s.mux.Handle("GET /auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("POST /auth/me/password", s.limited("auth.password.change", s.limiters.Password, s.authenticated(s.handleChangePassword).ServeHTTP))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	keys := s.app.JWKS()
	if keys == nil {
		keys = []store.JWK{}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// limited applies a per-IP fixed window before next.
func (s *Server) limited(event string, limiter *ratelimit.FixedWindowLimiter, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil {
			ip := util.ClientIP(r, s.trusted)
			d := limiter.Allow(r.Context(), event+":"+ip)
			if !d.Allowed {
				s.audit(r, event, "rate_limited", "")
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d)))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next(w, r)
	})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(r.Context(), token)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// audit writes a security_event log line and feeds the alerter.
func (s *Server) audit(r *http.Request, event, outcome, userID string) {
	ip := util.ClientIP(r, s.trusted)
	logger := util.LoggerFromContext(r.Context())
	attrs := []any{"event", event, "outcome", outcome, "ip", ip}
	if userID != "" {
		attrs = append(attrs, "user_id", userID)
	}
	logger.Info("security_event", attrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Warn("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, tokens, err := s.app.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.signup", "fail", "")
		switch {
		case errors.Is(err, app.ErrEmailAlreadyExists):
			writeError(w, http.StatusConflict, err.Error())
		case isClientError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	s.audit(r, "auth.signup", "success", user.ID)
	writeJSON(w, http.StatusCreated, newAuthResponse(user, tokens))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, tokens, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "")
		switch {
		case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
			writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
		case errors.Is(err, app.ErrEmailAndPasswordRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	s.audit(r, "auth.login", "success", user.ID)
	writeJSON(w, http.StatusOK, newAuthResponse(user, tokens))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, tokens, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail", "")
		switch {
		case errors.Is(err, app.ErrRefreshTokenRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInvalidRefreshToken):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(user, tokens))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req refreshRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if err := s.app.Logout(r.Context(), token, req.RefreshToken); err != nil {
		s.audit(r, "auth.logout", "fail", "")
		s.internalError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.audit(r, "auth.password.reset", "fail", "")
		switch {
		case errors.Is(err, app.ErrResetRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case isClientError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		s.audit(r, "auth.password.reset.confirm", "fail", "")
		if isClientError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.audit(r, "auth.password.reset.confirm", "success", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "currentPassword and newPassword are required")
		return
	}
	if err := s.app.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "auth.password.change", "fail", user.ID)
		if isClientError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.audit(r, "auth.password.change", "success", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         domain.User `json:"user"`
}

func newAuthResponse(user domain.User, tokens app.TokenPair) authResponse {
	return authResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, User: user}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

var clientErrors = []error{
	app.ErrInvalidCredentials,
	app.ErrEmailAndPasswordRequired,
	app.ErrEmailRequired,
	app.ErrInvalidEmail,
	app.ErrNewPasswordRequired,
	app.ErrCurrentPasswordRequired,
	app.ErrPasswordUnchanged,
	app.ErrUserNotFound,
	app.ErrResetCodeRequired,
	app.ErrResetCodeInvalid,
	app.ErrResetCodeExpired,
	auth.ErrPasswordTooShort,
	auth.ErrPasswordTooLong,
	auth.ErrPasswordWeak,
}

func isClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Debug("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func retrySeconds(d ratelimit.Decision) int {
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
