package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"streamchat/internal/util"
	"streamchat/pkg/domain"
	"streamchat/services/chat/internal/session"
)

type sessionView struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"createdAt"`
	Session   session.Snapshot `json:"session"`
	Progress  progressView     `json:"progress"`
}

type progressView struct {
	State  session.ProgressState `json:"state"`
	Report session.Report        `json:"report"`
}

func newSessionView(ps *session.PageSession) sessionView {
	return sessionView{
		ID:        ps.ID,
		CreatedAt: ps.CreatedAt(),
		Session:   ps.Manager.Snapshot(),
		Progress:  newProgressView(ps.Progress),
	}
}

func newProgressView(p *session.Progress) progressView {
	return progressView{State: p.State(), Report: p.Compute()}
}

type messageRequest struct {
	Content string `json:"content"`
}

type loadRequest struct {
	ConversationID string `json:"conversationId"`
}

// pageSession resolves {id} for user and writes 404 when it is not theirs.
func (s *Server) pageSession(w http.ResponseWriter, r *http.Request, user domain.User) (*session.PageSession, bool) {
	ps, err := s.app.Sessions().Get(user.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return ps, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request, _ string, user domain.User) {
	ps, err := s.app.Sessions().Create(user.ID)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(ps))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(ps))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	if err := s.app.Sessions().Delete(user.ID, r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage runs one send and streams its updates as SSE events named
// after the update kind, then "progress" and "done". The send runs detached
// from the request: a client that goes away leaves the reply to finish and be
// saved in the background.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if utf8.RuneCountInString(content) > s.maxRunes {
		writeError(w, http.StatusBadRequest, "message is too long")
		return
	}
	if s.messageLimiter != nil {
		if d := s.messageLimiter.Allow(r.Context(), "chat.message:"+user.ID); !d.Allowed {
			writeRateLimited(w, d)
			return
		}
	}
	if ps.Manager.Snapshot().Streaming {
		writeError(w, http.StatusConflict, session.ErrStreamInProgress.Error())
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	gone := make(chan struct{})
	defer close(gone)
	updates := make(chan session.Update, 32)
	result := make(chan error, 1)
	sendCtx := context.WithoutCancel(r.Context())
	go func() {
		result <- ps.Manager.SendWith(sendCtx, content, func(u session.Update) {
			select {
			case updates <- u:
			case <-gone:
			}
		})
	}()

	var stream *eventStream
	write := func(u session.Update) bool {
		if stream == nil {
			stream, _ = startEventStream(w)
		}
		return stream.send(string(u.Kind), u) == nil
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case u := <-updates:
			if !write(u) {
				return
			}
		case err := <-result:
			if stream == nil && err != nil {
				switch {
				case errors.Is(err, session.ErrStreamInProgress):
					writeError(w, http.StatusConflict, err.Error())
				case errors.Is(err, session.ErrEmptyMessage):
					writeError(w, http.StatusBadRequest, "content is required")
				default:
					s.internalError(w, r, err)
				}
				return
			}
			// every observer call has returned, so the rest is buffered
			for drained := false; !drained; {
				select {
				case u := <-updates:
					if !write(u) {
						return
					}
				default:
					drained = true
				}
			}
			if stream == nil {
				stream, _ = startEventStream(w)
			}
			_ = stream.send("progress", newProgressView(ps.Progress))
			_ = stream.send("done", ps.Manager.Snapshot())
			return
		}
	}
}

func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	var req loadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := ps.Manager.LoadConversation(r.Context(), req.ConversationID); err != nil {
		if errors.Is(err, session.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		util.LoggerFromContext(r.Context()).Error("load conversation failed", "conversation_id", req.ConversationID, "err", err)
		writeError(w, http.StatusBadGateway, "conversation store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(ps))
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	ps.Manager.Clear()
	writeJSON(w, http.StatusOK, newSessionView(ps))
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	ps.Manager.NewChat()
	writeJSON(w, http.StatusOK, newSessionView(ps))
}

func (s *Server) handleTogglePersonalMode(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	ps.Progress.Toggle()
	writeJSON(w, http.StatusOK, newProgressView(ps.Progress))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	ps, ok := s.pageSession(w, r, user)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newProgressView(ps.Progress))
}
