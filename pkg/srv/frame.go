package srv

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/parley/pkg/chat"
)

// Frame types exchanged over the socket.
const (
	TypeFormMessage     = "form_message"
	TypeFormMessageEcho = "form_message_echo"
	TypePing            = "ping"
	TypePong            = "pong"
	typeKeepalive       = "keepalive"
	typeHeartbeat       = "heartbeat"
)

// inbound is any frame a client may send. Only the fields relevant to Type are set.
type inbound struct {
	Seq     json.RawMessage `json:"seq,omitempty"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
}

// control is a ping or pong written by the server.
type control struct {
	Seq  json.RawMessage `json:"seq,omitempty"`
	Type string          `json:"type"`
}

// AuthorSummary identifies who sent an echoed message.
type AuthorSummary struct {
	UserID string `json:"user_id"`
}

// MessageView is the wire form of a persisted message.
type MessageView struct {
	Timestamp        time.Time `json:"timestamp"`
	ConversationName string    `json:"conversation_name"`
	FromUser         string    `json:"from_user"`
	Content          string    `json:"content"`
	ID               uuid.UUID `json:"id"`
	Conversation     uuid.UUID `json:"conversation"`
}

// NewMessageView renders msg for clients.
func NewMessageView(msg chat.Message) MessageView {
	return MessageView{
		ID:               msg.ID,
		Conversation:     msg.ConversationID,
		ConversationName: msg.Conversation,
		FromUser:         msg.Author,
		Content:          msg.Content,
		Timestamp:        msg.Timestamp,
	}
}

// Echo is the broadcast event delivered to every subscriber of a conversation.
type Echo struct {
	Name    AuthorSummary `json:"name"`
	Type    string        `json:"type"`
	Message MessageView   `json:"message"`
}

// NewEcho builds the form_message_echo event for a freshly appended message.
func NewEcho(msg chat.Message) Echo {
	return Echo{
		Type:    TypeFormMessageEcho,
		Name:    AuthorSummary{UserID: msg.AuthorID},
		Message: NewMessageView(msg),
	}
}
