package srv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/parley/pkg/chat"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
	"github.com/codeGROOVE-dev/parley/pkg/security"
	"github.com/codeGROOVE-dev/parley/pkg/ticket"
)

// Constants for WebSocket timeouts and limits.
const (
	pingInterval = 54 * time.Second
	readTimeout  = 90 * time.Second // Must be > pingInterval + response time to avoid false timeouts
	writeTimeout = 10 * time.Second
	maxFrameSize = 8192

	// TicketHeader carries the channel binding both when a ticket is issued
	// and when it is redeemed.
	TicketHeader = "Ticket-Header"
)

// ErrAuthorizationDenied is returned when a redeemed ticket does not allow
// the caller into the requested conversation.
var ErrAuthorizationDenied = errors.New("authorization denied")

// TicketRedeemer consumes single-use tickets.
type TicketRedeemer interface {
	Redeem(ctx context.Context, id string) (ticket.Outcome, error)
}

// MessageAppender persists chat messages.
type MessageAppender interface {
	Append(ctx context.Context, conv chat.Conversation, author chat.Author, content string) (chat.Message, error)
}

type contextKey string

const (
	reservationKey contextKey = "reservation_token"
	userAgentKey   contextKey = "user_agent"
)

// WithReservation attaches a connection limiter reservation to ctx so the
// handler can commit it once the upgrade completes.
func WithReservation(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, reservationKey, token)
}

// WithUserAgent attaches the parsed User-Agent to ctx for connection logs.
func WithUserAgent(ctx context.Context, ua *security.UserAgent) context.Context {
	return context.WithValue(ctx, userAgentKey, ua)
}

func userAgentFromContext(ctx context.Context) (clientName, clientVersion string) {
	ua, ok := ctx.Value(userAgentKey).(*security.UserAgent)
	if !ok || ua == nil {
		return "unknown", "unknown"
	}
	return ua.Name, ua.Version
}

// WebSocketHandler handles WebSocket connections.
type WebSocketHandler struct {
	hub          *Hub
	registry     *Registry
	tickets      TicketRedeemer
	messages     MessageAppender
	connLimiter  *security.ConnectionLimiter
	pingInterval time.Duration
	readTimeout  time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler. connLimiter may be nil.
func NewWebSocketHandler(
	hub *Hub, registry *Registry, tickets TicketRedeemer, messages MessageAppender, connLimiter *security.ConnectionLimiter,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          hub,
		registry:     registry,
		tickets:      tickets,
		messages:     messages,
		connLimiter:  connLimiter,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
	}
}

// channelBinding returns the binding presented on the upgrade request.
// Browsers cannot set headers on a WebSocket upgrade, so a query parameter
// is accepted as well.
func channelBinding(r *http.Request) string {
	if v := r.Header.Get(TicketHeader); v != "" {
		return v
	}
	return r.URL.Query().Get("ticket_header")
}

// authenticate redeems the ticket on r and resolves the conversation it
// asks to join.
func (h *WebSocketHandler) authenticate(ctx context.Context, r *http.Request) (ticket.Outcome, chat.Conversation, error) {
	q := r.URL.Query()

	outcome, err := h.tickets.Redeem(ctx, q.Get("ticket_uuid"))
	if err != nil {
		return ticket.Outcome{}, chat.Conversation{}, fmt.Errorf("redeem ticket: %w", err)
	}
	if !outcome.Granted {
		return ticket.Outcome{}, chat.Conversation{}, fmt.Errorf("%w: ticket issued to an unauthenticated caller", ErrAuthorizationDenied)
	}
	if outcome.ChannelBinding != "" && channelBinding(r) != outcome.ChannelBinding {
		return ticket.Outcome{}, chat.Conversation{}, fmt.Errorf("%w: channel binding mismatch", ErrAuthorizationDenied)
	}

	name, participants, err := chat.ParseName(q.Get("conv_name"))
	if err != nil {
		return ticket.Outcome{}, chat.Conversation{}, err
	}
	conv, _, err := h.registry.ResolveOrCreate(ctx, name, participants)
	if err != nil {
		return ticket.Outcome{}, chat.Conversation{}, err
	}
	if !conv.HasParticipant(outcome.Username) {
		return ticket.Outcome{}, chat.Conversation{}, fmt.Errorf("%w: %s is not a participant of %s", ErrAuthorizationDenied, outcome.Username, conv.Name)
	}
	return outcome, conv, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		return "ticket_invalid"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, chat.ErrInvalidName):
		return "invalid_conversation"
	default:
		return "internal_error"
	}
}

// closeWebSocket releases the socket and settles the session in a terminal
// state. It never touches client channels.
func closeWebSocket(ctx context.Context, wc *wsCloser, sess *session) {
	if st := sess.State(); st != StateRejected && st != StateClosed {
		sess.transition(ctx, StateClosed)
	}
	if err := wc.Close(); err != nil && !errors.Is(err, net.ErrClosed) &&
		!strings.Contains(err.Error(), "use of closed network connection") && !strings.Contains(err.Error(), "broken pipe") {
		logger.Warn(ctx, "failed to close websocket", logger.Fields{"session_id": sess.id, "ip": sess.ip, "error": err.Error()})
	}
}

// Handle runs one socket from upgrade to close.
//
//nolint:funlen // the connection lifecycle reads best in one place
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	r := ws.Request()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ip := security.ClientIP(r)
	sess := newSession(uuid.NewString(), ip)
	wc := &wsCloser{ws: ws}
	defer closeWebSocket(ctx, wc, sess)

	clientName, clientVersion := userAgentFromContext(r.Context())
	logger.Info(ctx, "WebSocket connection attempt", logger.Fields{
		"session_id":     sess.id,
		"ip":             ip,
		"client_name":    clientName,
		"client_version": clientVersion,
		"origin":         r.Header.Get("Origin"),
	})

	reservationToken, _ := r.Context().Value(reservationKey).(string) //nolint:errcheck // empty string is a valid default
	defer func() {
		if reservationToken != "" && h.connLimiter != nil {
			h.connLimiter.CancelReservation(reservationToken)
		}
	}()
	if reservationToken != "" && h.connLimiter != nil {
		if !h.connLimiter.CommitReservation(reservationToken) {
			sess.transition(ctx, StateRejected)
			logger.Warn(ctx, "WebSocket connection rejected: reservation expired", logger.Fields{"session_id": sess.id, "ip": ip})
			return
		}
		reservationToken = ""
		defer h.connLimiter.Remove(ip)
	}

	if !sess.transition(ctx, StateAuthenticating) {
		return
	}
	outcome, conv, err := h.authenticate(ctx, r)
	if err != nil {
		sess.transition(ctx, StateRejected)
		logger.Warn(ctx, "WebSocket connection rejected", logger.Fields{
			"session_id": sess.id,
			"ip":         ip,
			"reason":     rejectReason(err),
			"error":      err.Error(),
		})
		return
	}

	client := NewClient(sess.id, outcome.Username, conv.Name, wc)
	h.hub.Subscribe(conv.Name, client)
	defer func() {
		// Leave the group before the socket is released.
		h.hub.Unsubscribe(conv.Name, client.ID)
		client.Close()
		logger.Info(ctx, "WebSocket disconnected", logger.Fields{
			"session_id":   sess.id,
			"ip":           ip,
			"user":         outcome.Username,
			"conversation": conv.Name,
		})
	}()
	if !sess.transition(ctx, StateJoined) {
		return
	}
	logger.Info(ctx, "WebSocket connection joined", logger.Fields{
		"session_id":      sess.id,
		"ip":              ip,
		"user":            outcome.Username,
		"conversation":    conv.Name,
		"channel_binding": outcome.ChannelBinding != "",
		"subscribers":     h.hub.SubscriberCount(conv.Name),
	})

	go client.Run(ctx, h.pingInterval, writeTimeout)

	ws.MaxPayloadBytes = maxFrameSize
	author := chat.Author{UserID: outcome.UserID, Username: outcome.Username}
	for ctx.Err() == nil {
		if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			logger.Warn(ctx, "failed to set read deadline", logger.Fields{"session_id": sess.id, "error": err.Error()})
			return
		}
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				logger.Debug(ctx, "dropping oversized frame", logger.Fields{"session_id": sess.id})
				continue
			}
			logReadExit(ctx, sess.id, err, h.readTimeout)
			return
		}
		h.dispatch(ctx, client, conv, author, raw)
	}
}

// dispatch handles one inbound frame. Malformed, unknown and invalid frames
// are dropped; the session continues.
func (h *WebSocketHandler) dispatch(ctx context.Context, client *Client, conv chat.Conversation, author chat.Author, raw []byte) {
	var frame inbound
	if err := json.Unmarshal(raw, &frame); err != nil {
		logger.Debug(ctx, "dropping malformed frame", logger.Fields{"client_id": client.ID, "error": err.Error()})
		return
	}

	switch frame.Type {
	case TypeFormMessage:
		msg, err := h.messages.Append(ctx, conv, author, frame.Message)
		if err != nil {
			var verr *chat.ValidationError
			if errors.As(err, &verr) {
				logger.Debug(ctx, "dropping invalid message", logger.Fields{"client_id": client.ID, "reason": verr.Error()})
				return
			}
			logger.Error(ctx, "failed to persist message", err, logger.Fields{"client_id": client.ID, "conversation": conv.Name})
			return
		}
		if err := h.hub.Publish(ctx, conv.Name, NewEcho(msg)); err != nil {
			logger.Warn(ctx, "message persisted but not broadcast", logger.Fields{
				"message_id":   msg.ID.String(),
				"conversation": conv.Name,
				"error":        err.Error(),
			})
		}
	case TypePing:
		if !client.queueControl(control{Type: TypePong, Seq: frame.Seq}) {
			logger.Warn(ctx, "control channel full, dropping pong", logger.Fields{"client_id": client.ID})
		}
	case TypePong, typeKeepalive, typeHeartbeat:
		// The read deadline reset is all the liveness tracking needed.
	default:
		logger.Debug(ctx, "dropping unknown frame", logger.Fields{"client_id": client.ID, "type": frame.Type})
	}
}

func logReadExit(ctx context.Context, sessionID string, err error, timeout time.Duration) {
	fields := logger.Fields{"session_id": sessionID}
	switch {
	case errors.Is(err, io.EOF):
		logger.Info(ctx, "client closed connection", fields)
	case errors.Is(err, net.ErrClosed):
		logger.Debug(ctx, "connection already closed", fields)
	case errors.Is(err, os.ErrDeadlineExceeded):
		fields["read_timeout"] = timeout.String()
		logger.Info(ctx, "client read timeout", fields)
	default:
		logger.Warn(ctx, "client read error", logger.Fields{"session_id": sessionID, "error": err.Error()})
	}
}
