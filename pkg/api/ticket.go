package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/parley/pkg/logger"
	"github.com/codeGROOVE-dev/parley/pkg/security"
	"github.com/codeGROOVE-dev/parley/pkg/srv"
	"github.com/codeGROOVE-dev/parley/pkg/ticket"
)

// TicketIssuer stores a ticket outcome and returns its id.
type TicketIssuer interface {
	Issue(ctx context.Context, outcome ticket.Outcome, ttl time.Duration) (uuid.UUID, error)
}

// TicketHandler serves GET /api/ticket.
type TicketHandler struct {
	auth    Authenticator
	tickets TicketIssuer
	ttl     time.Duration
}

// NewTicketHandler creates a handler that issues tickets valid for ttl.
func NewTicketHandler(authn Authenticator, tickets TicketIssuer, ttl time.Duration) *TicketHandler {
	return &TicketHandler{auth: authn, tickets: tickets, ttl: ttl}
}

type ticketResponse struct {
	TicketUUID string `json:"ticket_uuid"`
}

// ServeHTTP always answers 200 with a ticket id. A caller without a valid
// credential gets a ticket bound to a denied outcome, which only fails when
// the WebSocket redeems it.
func (h *TicketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	outcome := ticket.Denied()
	identity, err := h.auth.FromRequest(r)
	if err == nil {
		outcome = ticket.Granted(identity.UserID, identity.Username, r.Header.Get(srv.TicketHeader))
	} else {
		logger.Debug(ctx, "issuing denied ticket", logger.Fields{
			"ip":     security.ClientIP(r),
			"reason": err.Error(),
		})
	}

	id, err := h.tickets.Issue(ctx, outcome, h.ttl)
	if err != nil {
		logger.Error(ctx, "failed to issue ticket", err, logger.Fields{"ip": security.ClientIP(r)})
		writeError(w, r, http.StatusInternalServerError, "ticket unavailable")
		return
	}
	logger.Info(ctx, "ticket issued", logger.Fields{
		"user":            identity.Username,
		"granted":         outcome.Granted,
		"channel_binding": outcome.ChannelBinding != "",
	})
	writeJSON(w, r, http.StatusOK, ticketResponse{TicketUUID: id.String()})
}
