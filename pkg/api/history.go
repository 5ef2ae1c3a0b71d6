package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/samber/lo"

	"github.com/codeGROOVE-dev/parley/pkg/auth"
	"github.com/codeGROOVE-dev/parley/pkg/chat"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
	"github.com/codeGROOVE-dev/parley/pkg/srv"
	"github.com/codeGROOVE-dev/parley/pkg/store"
)

// ConversationFinder looks up existing conversations.
type ConversationFinder interface {
	Lookup(ctx context.Context, name string) (chat.Conversation, error)
}

// HistoryReader pages through a conversation's messages.
type HistoryReader interface {
	History(ctx context.Context, conversation string, page store.Page) (store.HistoryPage, error)
}

// HistoryHandler serves GET /api/messages/by_conversation.
type HistoryHandler struct {
	auth          Authenticator
	conversations ConversationFinder
	history       HistoryReader
}

// NewHistoryHandler creates a history handler.
func NewHistoryHandler(authn Authenticator, conversations ConversationFinder, history HistoryReader) *HistoryHandler {
	return &HistoryHandler{auth: authn, conversations: conversations, history: history}
}

type historyResponse struct {
	Next    string            `json:"next"`
	Results []srv.MessageView `json:"results"`
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, err := h.auth.FromRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			logger.Warn(ctx, "history rejected: invalid credential", logger.Fields{"error": err.Error()})
		}
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	joinName := q.Get("conversation_name")
	if joinName == "" {
		writeError(w, r, http.StatusBadRequest, "conversation_name is required")
		return
	}
	name, _, err := chat.ParseName(joinName)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page := store.Page{Cursor: q.Get("cursor")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		page.Limit = limit
	}

	conv, err := h.conversations.Lookup(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		logger.Error(ctx, "conversation lookup failed", err, logger.Fields{"conversation": name})
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !conv.HasParticipant(identity.Username) {
		logger.Warn(ctx, "history rejected: not a participant", logger.Fields{"user": identity.Username, "conversation": name})
		writeError(w, r, http.StatusForbidden, "not a participant")
		return
	}

	result, err := h.history.History(ctx, name, page)
	if errors.Is(err, store.ErrInvalidCursor) {
		writeError(w, r, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		logger.Error(ctx, "history read failed", err, logger.Fields{"conversation": name})
		writeError(w, r, http.StatusInternalServerError, "history unavailable")
		return
	}

	writeJSON(w, r, http.StatusOK, historyResponse{
		Results: lo.Map(result.Messages, func(m chat.Message, _ int) srv.MessageView { return srv.NewMessageView(m) }),
		Next:    result.NextCursor,
	})
}
