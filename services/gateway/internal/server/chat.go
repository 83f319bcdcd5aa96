package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"repochat/internal/util"
	"repochat/pkg/chat"
	"repochat/pkg/domain"
	"repochat/services/gateway/internal/app"
)

type queryRequest struct {
	ChatID   string `json:"chatId"`
	RepoID   string `json:"repoId"`
	Message  string `json:"message"`
	ParentID string `json:"parentId,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.queryLimiter, "user:"+user.ID, "too many chat queries") {
		s.audit(r, "gateway.chat.query", "rate_limited", "user_id", user.ID)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stream, err := s.app.Query(r.Context(), user, chat.Query{
		ChatID:   req.ChatID,
		RepoID:   req.RepoID,
		Message:  req.Message,
		ParentID: req.ParentID,
	})
	if err != nil {
		s.writeQueryError(w, r, user, err)
		return
	}
	writeEventStream(w, r, stream)
}

// writeEventStream forwards every event as one SSE data frame. Write
// failures stop output but the stream is still drained so the answer is
// saved.
func writeEventStream(w http.ResponseWriter, r *http.Request, stream *chat.Stream) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	logger := util.LoggerFromContext(r.Context())
	broken := false
	for ev := range stream.Events() {
		if broken {
			continue
		}
		var payload any = ev
		if ev.Error != "" {
			payload = map[string]string{"error": ev.Error}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			logger.Error("encode stream event failed", "err", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			logger.Warn("client stream closed", "chat_id", stream.Conversation.ID, "err", err)
			broken = true
			continue
		}
		_ = rc.Flush()
	}
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, user domain.User, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, "Missing required fields")
	case errors.Is(err, chat.ErrUnauthorized):
		s.audit(r, "gateway.chat.query", "fail", "user_id", user.ID, "reason", "not_owner")
		writeError(w, http.StatusNotFound, "No such resource found")
	default:
		util.LoggerFromContext(r.Context()).Error("chat query failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to query chat")
	}
}

func (s *Server) handleHistories(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	histories, err := s.app.ChatHistories(user)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list chat history failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load chat history")
		return
	}
	out := make([]historyResponse, 0, len(histories))
	for _, h := range histories {
		out = append(out, toHistoryResponse(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	h, err := s.app.ChatHistory(user, r.PathValue("chatId"))
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		util.LoggerFromContext(r.Context()).Error("load chat history failed", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load chat history")
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(h))
}

type historyResponse struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Repo      repoSummary      `json:"repo"`
	Messages  []domain.Message `json:"messages"`
}

func toHistoryResponse(h domain.ChatHistory) historyResponse {
	msgs := h.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return historyResponse{
		ID:        h.ID,
		CreatedAt: h.CreatedAt,
		UpdatedAt: h.UpdatedAt,
		Repo:      summarize(h.Repository),
		Messages:  msgs,
	}
}
