package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/codeGROOVE-dev/parley/pkg/chat"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

const (
	// DefaultPageSize is used when a history request does not set a limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single history page.
	MaxPageSize = 200
)

// ErrInvalidCursor is returned for a history cursor this log did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Page selects a slice of history. Cursor is the NextCursor of the previous
// page, or empty to start from the oldest message.
type Page struct {
	Cursor string
	Limit  int
}

// HistoryPage is one page of messages in ascending order.
type HistoryPage struct {
	NextCursor string
	Messages   []chat.Message
}

// MessageLog is the append-only, time-ordered record of messages.
//
// Appends to one conversation are serialized by that conversation's clock
// so timestamps never go backwards, even if the wall clock does. Appends to
// different conversations run in parallel.
type MessageLog struct {
	db       *DB
	now      func() time.Time
	clocks   *xsync.Map[string, *convClock]
	pageSize int
}

// convClock guards appends to one conversation. It lives only while an
// append holds a reference and is reseeded from the newest stored key.
type convClock struct {
	last   time.Time
	refs   int // guarded by the map's Compute
	mu     sync.Mutex
	seeded bool
}

// NewMessageLog returns a message log backed by db. pageSize is the default
// history page size; values <= 0 use DefaultPageSize.
func NewMessageLog(db *DB, pageSize int) *MessageLog {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageLog{
		db:       db,
		now:      time.Now,
		clocks:   xsync.NewMap[string, *convClock](),
		pageSize: min(pageSize, MaxPageSize),
	}
}

// acquire returns the locked clock for conversation.
func (l *MessageLog) acquire(conversation string) *convClock {
	c, _ := l.clocks.Compute(conversation, func(cur *convClock, loaded bool) (*convClock, xsync.ComputeOp) {
		if !loaded {
			cur = &convClock{}
		}
		cur.refs++
		return cur, xsync.UpdateOp
	})
	c.mu.Lock()
	return c
}

// release unlocks c and drops it from the map once nobody else holds it.
func (l *MessageLog) release(conversation string, c *convClock) {
	c.mu.Unlock()
	l.clocks.Compute(conversation, func(cur *convClock, loaded bool) (*convClock, xsync.ComputeOp) {
		if !loaded {
			return cur, xsync.CancelOp
		}
		cur.refs--
		if cur.refs == 0 {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.UpdateOp
	})
}

// newest returns the timestamp of the latest stored message in
// conversation, or the zero time if there is none.
func (l *MessageLog) newest(conversation string) (time.Time, error) {
	prefix := []byte(messagePrefix(conversation))
	var ts time.Time
	err := l.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, Reverse: true})
		defer it.Close()
		it.Seek(append(append([]byte{}, prefix...), 0xff))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		suffix := string(it.Item().Key()[len(prefix):])
		nanos, _, _ := strings.Cut(suffix, ":")
		n, err := strconv.ParseInt(nanos, 10, 64)
		if err != nil {
			return fmt.Errorf("parse key %q: %w", it.Item().Key(), err)
		}
		ts = time.Unix(0, n).UTC()
		return nil
	})
	return ts, err
}

func messagePrefix(conversation string) string {
	return "msg:" + conversation + ":"
}

func messageSuffix(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%019d:%020d", ts.UnixNano(), seq)
}

// Append validates and persists a message from author in conv. Persistence
// does not depend on anyone being connected to the conversation.
func (l *MessageLog) Append(ctx context.Context, conv chat.Conversation, author chat.Author, content string) (chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return chat.Message{}, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return chat.Message{}, fmt.Errorf("message id: %w", err)
	}

	clock := l.acquire(conv.Name)
	defer l.release(conv.Name, clock)

	if !clock.seeded {
		last, err := l.newest(conv.Name)
		if err != nil {
			return chat.Message{}, fmt.Errorf("latest message: %w", err)
		}
		clock.last, clock.seeded = last, true
	}

	seq, err := l.db.seq.Next()
	if err != nil {
		return chat.Message{}, fmt.Errorf("message sequence: %w", err)
	}
	ts := l.now().UTC()
	if ts.Before(clock.last) {
		ts = clock.last
	}

	msg := chat.Message{
		ID:             id,
		ConversationID: conv.ID,
		Conversation:   conv.Name,
		AuthorID:       author.UserID,
		Author:         author.Username,
		Content:        content,
		Timestamp:      ts,
		Seq:            seq,
	}
	b, err := marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode message: %w", err)
	}
	key := []byte(messagePrefix(conv.Name) + messageSuffix(ts, seq))
	if err := l.db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	}); err != nil {
		return chat.Message{}, fmt.Errorf("store message: %w", err)
	}
	clock.last = ts

	logger.Debug(ctx, "message stored", logger.Fields{
		"conversation": conv.Name,
		"message_id":   id.String(),
		"seq":          seq,
	})
	return msg, nil
}

// History returns messages of conversation in ascending timestamp order,
// starting after page.Cursor.
func (l *MessageLog) History(_ context.Context, conversation string, page Page) (HistoryPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = l.pageSize
	}
	limit = min(limit, MaxPageSize)
	if page.Cursor != "" && !validCursor(page.Cursor) {
		return HistoryPage{}, fmt.Errorf("%w: %q", ErrInvalidCursor, page.Cursor)
	}

	prefix := []byte(messagePrefix(conversation))
	var out HistoryPage
	err := l.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: limit})
		defer it.Close()

		seek := prefix
		if page.Cursor != "" {
			seek = append([]byte(string(prefix)), page.Cursor...)
		}
		it.Seek(seek)
		if page.Cursor != "" && it.ValidForPrefix(prefix) && string(it.Item().Key()) == string(seek) {
			it.Next()
		}

		var lastSuffix string
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(out.Messages) == limit {
				out.NextCursor = lastSuffix
				return nil
			}
			item := it.Item()
			var msg chat.Message
			if err := item.Value(func(val []byte) error {
				return unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decode message %q: %w", item.Key(), err)
			}
			out.Messages = append(out.Messages, msg)
			lastSuffix = string(item.Key()[len(prefix):])
		}
		return nil
	})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("history %q: %w", conversation, err)
	}
	return out, nil
}

// validCursor checks the "<19 digits>:<20 digits>" shape of a cursor.
func validCursor(cursor string) bool {
	ts, seq, ok := strings.Cut(cursor, ":")
	if !ok || len(ts) != 19 || len(seq) != 20 {
		return false
	}
	for _, r := range ts + seq {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
