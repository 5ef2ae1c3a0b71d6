// Package chat defines conversations, messages and the rules that govern them.
package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// NameSeparator joins participant usernames into a conversation name.
	NameSeparator = "."

	maxParticipants = 32
)

// ErrInvalidName is returned for join specifiers that cannot name a conversation.
var ErrInvalidName = errors.New("invalid conversation name")

// Author identifies the sender of a message.
type Author struct {
	UserID   string
	Username string
}

// Conversation is a named group of participants. Membership is fixed when
// the conversation is first created.
type Conversation struct {
	CreatedAt    time.Time `cbor:"created_at"`
	Name         string    `cbor:"name"`
	Participants []string  `cbor:"participants"`
	ID           uuid.UUID `cbor:"id"`
}

// HasParticipant reports whether username belongs to the conversation.
func (c Conversation) HasParticipant(username string) bool {
	return slices.Contains(c.Participants, username)
}

// Message is a persisted chat message. It is never modified after Append.
type Message struct {
	Timestamp      time.Time `cbor:"timestamp"`
	Conversation   string    `cbor:"conversation"`
	AuthorID       string    `cbor:"author_id"`
	Author         string    `cbor:"author"`
	Content        string    `cbor:"content"`
	Seq            uint64    `cbor:"seq"`
	ID             uuid.UUID `cbor:"id"`
	ConversationID uuid.UUID `cbor:"conversation_id"`
}

// Participants normalises a list of usernames: trimmed, de-duplicated, sorted.
func Participants(usernames []string) []string {
	trimmed := lo.Map(usernames, func(u string, _ int) string { return strings.TrimSpace(u) })
	out := lo.Uniq(lo.Compact(trimmed))
	slices.Sort(out)
	return out
}

// Name returns the canonical conversation name for a set of participants.
func Name(usernames []string) string {
	return strings.Join(Participants(usernames), NameSeparator)
}

// ParseName splits a join specifier such as "bob.alice" into its validated
// participants and returns them with the canonical name ("alice.bob").
func ParseName(joinName string) (name string, participants []string, err error) {
	if joinName == "" {
		return "", nil, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	parts := strings.Split(joinName, NameSeparator)
	if len(parts) > maxParticipants {
		return "", nil, fmt.Errorf("%w: %d participants exceeds %d", ErrInvalidName, len(parts), maxParticipants)
	}
	for _, p := range parts {
		if err := ValidateUsername(p); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidName, err)
		}
	}
	participants = Participants(parts)
	return strings.Join(participants, NameSeparator), participants, nil
}
