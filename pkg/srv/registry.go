package srv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/codeGROOVE-dev/parley/pkg/chat"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

// ConversationRepository persists conversation records. GetOrCreate must be
// atomic: concurrent calls for one name yield a single record.
type ConversationRepository interface {
	GetOrCreate(ctx context.Context, name string, participants []string) (chat.Conversation, bool, error)
	Get(ctx context.Context, name string) (chat.Conversation, error)
}

// Registry resolves conversation names to records, creating them on first
// join. Concurrent joins of an unseen name are collapsed into a single
// repository call per process.
type Registry struct {
	repo     ConversationRepository
	resolved *xsync.Map[string, *resolution]
}

type resolution struct {
	err     error
	conv    chat.Conversation
	once    sync.Once
	created bool
	ready   atomic.Bool
}

// NewRegistry returns a registry backed by repo.
func NewRegistry(repo ConversationRepository) *Registry {
	return &Registry{repo: repo, resolved: xsync.NewMap[string, *resolution]()}
}

// ResolveOrCreate returns the conversation called name, creating it with
// participants when it does not exist yet. participants is ignored for an
// existing conversation. The bool result is true only for the caller whose
// call created the record.
func (r *Registry) ResolveOrCreate(ctx context.Context, name string, participants []string) (chat.Conversation, bool, error) {
	res, _ := r.resolved.LoadOrStore(name, &resolution{})
	ran := false
	res.once.Do(func() {
		ran = true
		res.conv, res.created, res.err = r.repo.GetOrCreate(ctx, name, participants)
		res.ready.Store(res.err == nil)
	})
	if res.err != nil {
		r.forget(name, res)
		return chat.Conversation{}, false, fmt.Errorf("resolve conversation %q: %w", name, res.err)
	}
	if ran {
		logger.Debug(ctx, "conversation resolved", logger.Fields{"conversation": name, "created": res.created})
	}
	return res.conv, ran && res.created, nil
}

// forget drops a failed resolution so the next caller retries against the
// repository. A newer resolution stored under name is left alone.
func (r *Registry) forget(name string, res *resolution) {
	r.resolved.Compute(name, func(cur *resolution, loaded bool) (*resolution, xsync.ComputeOp) {
		if loaded && cur == res {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

// Lookup returns an existing conversation without creating it.
func (r *Registry) Lookup(ctx context.Context, name string) (chat.Conversation, error) {
	if res, ok := r.resolved.Load(name); ok && res.ready.Load() {
		return res.conv, nil
	}
	conv, err := r.repo.Get(ctx, name)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("lookup conversation %q: %w", name, err)
	}
	return conv, nil
}

// Len returns the number of conversations resolved by this process.
func (r *Registry) Len() int {
	return r.resolved.Size()
}
