package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeGROOVE-dev/parley/pkg/auth"
	"github.com/codeGROOVE-dev/parley/pkg/chat"
	"github.com/codeGROOVE-dev/parley/pkg/srv"
	"github.com/codeGROOVE-dev/parley/pkg/store"
	"github.com/codeGROOVE-dev/parley/pkg/ticket"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func bearer(t *testing.T, v *auth.Verifier, userID, username string) string {
	t.Helper()
	raw, err := v.Issue(userID, username, time.Minute)
	require.NoError(t, err)
	return "Bearer " + raw
}

func TestTicketHandler(t *testing.T) {
	verifier := auth.NewVerifier(testSecret, "parley")
	tickets := ticket.NewStore()
	h := NewTicketHandler(verifier, tickets, 30*time.Second)

	issue := func(t *testing.T, header http.Header) ticket.Outcome {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/ticket", http.NoBody)
		req.Header = header
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body ticketResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		outcome, err := tickets.Redeem(context.Background(), body.TicketUUID)
		require.NoError(t, err)
		return outcome
	}

	t.Run("authenticated with channel binding", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", bearer(t, verifier, "u-1", "alice"))
		header.Set(srv.TicketHeader, "abc")
		outcome := issue(t, header)
		require.Equal(t, ticket.Granted("u-1", "alice", "abc"), outcome)
	})

	t.Run("anonymous still gets a ticket", func(t *testing.T) {
		outcome := issue(t, http.Header{})
		require.False(t, outcome.Granted)
	})

	t.Run("bad credential is denied at redemption", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer not-a-token")
		require.False(t, issue(t, header).Granted)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ticket", http.NoBody))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		require.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	})
}

type historyFixture struct {
	handler  *HistoryHandler
	verifier *auth.Verifier
	conv     chat.Conversation
	messages *store.MessageLog
}

func newHistoryFixture(t *testing.T) *historyFixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "", store.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	registry := srv.NewRegistry(store.NewConversations(db))
	conv, _, err := registry.ResolveOrCreate(ctx, "alice.bob", []string{"alice", "bob"})
	require.NoError(t, err)

	messages := store.NewMessageLog(db, 2)
	for i := range 3 {
		_, err := messages.Append(ctx, conv, chat.Author{UserID: "u-alice", Username: "alice"}, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	verifier := auth.NewVerifier(testSecret, "parley")
	return &historyFixture{
		handler:  NewHistoryHandler(verifier, registry, messages),
		verifier: verifier,
		conv:     conv,
		messages: messages,
	}
}

func (f *historyFixture) get(t *testing.T, username string, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/messages/by_conversation?"+params.Encode(), http.NoBody)
	if username != "" {
		req.Header.Set("Authorization", bearer(t, f.verifier, "u-"+username, username))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHistoryHandlerPaginates(t *testing.T) {
	f := newHistoryFixture(t)

	rec := f.get(t, "bob", url.Values{"conversation_name": {"bob.alice"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var first historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Len(t, first.Results, 2)
	require.Equal(t, "m0", first.Results[0].Content)
	require.Equal(t, "alice", first.Results[0].FromUser)
	require.Equal(t, f.conv.ID, first.Results[0].Conversation)
	require.NotEmpty(t, first.Next)

	rec = f.get(t, "bob", url.Values{"conversation_name": {"alice.bob"}, "cursor": {first.Next}})
	require.Equal(t, http.StatusOK, rec.Code)
	var second historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Len(t, second.Results, 1)
	require.Equal(t, "m2", second.Results[0].Content)
	require.Empty(t, second.Next)

	rec = f.get(t, "alice", url.Values{"conversation_name": {"alice.bob"}, "limit": {"10"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var all historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all.Results, 3)
}

func TestHistoryHandlerErrors(t *testing.T) {
	f := newHistoryFixture(t)

	tests := []struct {
		name     string
		username string
		params   url.Values
		want     int
	}{
		{"no credential", "", url.Values{"conversation_name": {"alice.bob"}}, http.StatusUnauthorized},
		{"missing name", "alice", url.Values{}, http.StatusBadRequest},
		{"invalid name", "alice", url.Values{"conversation_name": {"alice..bob"}}, http.StatusBadRequest},
		{"bad limit", "alice", url.Values{"conversation_name": {"alice.bob"}, "limit": {"-1"}}, http.StatusBadRequest},
		{"bad cursor", "alice", url.Values{"conversation_name": {"alice.bob"}, "cursor": {"nope"}}, http.StatusBadRequest},
		{"unknown conversation", "alice", url.Values{"conversation_name": {"alice.carol"}}, http.StatusNotFound},
		{"not a participant", "mallory", url.Values{"conversation_name": {"alice.bob"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.username, tt.params)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body.Error)
		})
	}
}
