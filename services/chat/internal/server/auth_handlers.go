package server

import (
	"net/http"
	"time"

	"streamchat/pkg/domain"
	"streamchat/services/chat/internal/identity"
)

const identityPingInterval = 25 * time.Second

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
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

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.app.Identity().SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.app.Identity().SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	sess, err := s.app.Identity().Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, token string, user domain.User) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if err := s.app.Identity().SignOut(r.Context(), user.ID, token, req.RefreshToken); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Identity().RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Identity().ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, _ string, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

// handleIdentityEvents streams the caller's identity changes until the client
// goes away.
func (s *Server) handleIdentityEvents(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	stream, ok := startEventStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := r.Context()
	changes := make(chan identity.Change, 8)
	unsubscribe := s.app.Identity().Subscribe(user.ID, func(c identity.Change) {
		select {
		case changes <- c:
		default:
			// slow reader; the client refetches /api/users/me on reconnect
		}
	})
	defer unsubscribe()

	if err := stream.send("ready", map[string]string{"userId": user.ID}); err != nil {
		return
	}
	ticker := time.NewTicker(identityPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			if err := stream.send(string(c.Kind), c); err != nil {
				return
			}
		case <-ticker.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}
