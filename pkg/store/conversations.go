package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/parley/pkg/chat"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

const maxConflictRetries = 5

// Conversations stores conversation records keyed by canonical name.
type Conversations struct {
	db  *DB
	now func() time.Time
}

// NewConversations returns the conversation repository backed by db.
func NewConversations(db *DB) *Conversations {
	return &Conversations{db: db, now: time.Now}
}

func conversationKey(name string) []byte {
	return []byte("conv:" + name)
}

// Get returns the conversation named name, or ErrNotFound.
func (c *Conversations) Get(_ context.Context, name string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := c.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(conversationKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return unmarshal(val, &conv)
		})
	})
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("get conversation %q: %w", name, err)
	}
	return conv, nil
}

// GetOrCreate returns the conversation named name, creating it with
// participants if it does not exist. The participant list is ignored for an
// existing conversation. The bool result reports whether a record was created.
func (c *Conversations) GetOrCreate(ctx context.Context, name string, participants []string) (chat.Conversation, bool, error) {
	for attempt := range maxConflictRetries {
		conv, created, err := c.getOrCreate(name, participants)
		if errors.Is(err, badger.ErrConflict) {
			logger.Debug(ctx, "conversation create conflict, retrying", logger.Fields{
				"conversation": name,
				"attempt":      attempt + 1,
			})
			continue
		}
		if err != nil {
			return chat.Conversation{}, false, fmt.Errorf("get or create conversation %q: %w", name, err)
		}
		if created {
			logger.Info(ctx, "conversation created", logger.Fields{
				"conversation": name,
				"id":           conv.ID.String(),
				"participants": conv.Participants,
			})
		}
		return conv, created, nil
	}
	return chat.Conversation{}, false, fmt.Errorf("get or create conversation %q: %w", name, badger.ErrConflict)
}

func (c *Conversations) getOrCreate(name string, participants []string) (chat.Conversation, bool, error) {
	var conv chat.Conversation
	created := false
	err := c.db.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(conversationKey(name))
		if err == nil {
			return item.Value(func(val []byte) error {
				return unmarshal(val, &conv)
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("conversation id: %w", err)
		}
		conv = chat.Conversation{
			ID:           id,
			Name:         name,
			Participants: slices.Clone(participants),
			CreatedAt:    c.now().UTC(),
		}
		b, err := marshal(conv)
		if err != nil {
			return fmt.Errorf("encode conversation: %w", err)
		}
		created = true
		return txn.Set(conversationKey(name), b)
	})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, created, nil
}
