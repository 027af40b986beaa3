package server

import (
	"errors"
	"net/http"
	"strconv"

	"streamchat/pkg/domain"
	"streamchat/services/chat/internal/app"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}
	items, err := s.app.ListConversations(r.Context(), user, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	c, err := s.app.GetConversation(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeConversationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	if err := s.app.DeleteConversation(r.Context(), user, r.PathValue("id")); err != nil {
		s.writeConversationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request, _ string, user domain.User) {
	exp, err := s.app.ExportConversation(r.Context(), user, r.PathValue("id"))
	if err != nil {
		s.writeConversationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) writeConversationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrConversationIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrExportDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		s.internalError(w, r, err)
	}
}
