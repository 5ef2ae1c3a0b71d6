// Package store persists conversations and messages in BadgerDB.
//
// Key layout:
//
//	conv:<name>                         conversation record
//	msg:<name>:<unixnano 19d>:<seq 20d> message record
//	seq:msg                             badger sequence for message ordering
//
// The zero-padded timestamp and sequence keep a prefix scan in chronological
// order, with the sequence breaking ties between messages stamped in the same
// nanosecond.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

const sequenceBandwidth = 1000

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a badger database and the sequence that orders message keys.
type DB struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Option configures Open.
type Option func(*badger.Options)

// WithInMemory keeps all data in memory. Intended for tests.
func WithInMemory() Option {
	return func(o *badger.Options) {
		*o = o.WithInMemory(true).WithDir("").WithValueDir("")
	}
}

// Open opens (or creates) the database in dir.
func Open(ctx context.Context, dir string, opts ...Option) (*DB, error) {
	o := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	for _, opt := range opts {
		opt(&o)
	}
	db, err := badger.Open(o)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:msg"), sequenceBandwidth)
	if err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	logger.Info(ctx, "message store opened", logger.Fields{
		"dir":       dir,
		"in_memory": o.InMemory,
	})
	return &DB{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (d *DB) Close() error {
	var errs []error
	if err := d.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sequence: %w", err))
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close badger: %w", err))
	}
	return errors.Join(errs...)
}
