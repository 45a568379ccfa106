package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const maxReplies = 5

var (
	errReplyLimit = errors.New("reply limit reached")

	// ErrNotPermitted is returned to scripts that use a capability the
	// caller does not hold.
	ErrNotPermitted = errors.New("not permitted for this caller")
)

// guard implements Host on top of the caller's capabilities. Ledger calls
// hold the guard lock and run only while the execution context is live, so
// once the deadline passes no write can land. Replies are queued and handed
// to the sink by the executor after the script stops; nothing here blocks on
// I/O.
type guard struct {
	ctx    context.Context
	sealed atomic.Bool

	mu        sync.Mutex
	caps      Capabilities
	mutations int
	replies   []string
}

func newGuard(ctx context.Context, caps Capabilities) *guard {
	return &guard{ctx: ctx, caps: caps}
}

// seal closes the guard and returns the mutation count and queued replies.
// Once it returns no call is in flight and none can start.
func (g *guard) seal() (int, []string) {
	g.sealed.Store(true)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mutations, g.replies
}

func (g *guard) enter() error {
	if g.sealed.Load() {
		return ErrSealed
	}
	g.mu.Lock()
	if g.sealed.Load() || g.ctx.Err() != nil {
		g.mu.Unlock()
		return ErrSealed
	}
	return nil
}

func (g *guard) Caller() string {
	return g.caps.Caller
}

func (g *guard) Balance(userID string) (int64, error) {
	if err := g.enter(); err != nil {
		return 0, err
	}
	defer g.mu.Unlock()
	return g.caps.Ledger.ReadBalance(userID), nil
}

func (g *guard) Credit(userID string, amount int64) (int64, error) {
	if err := g.enter(); err != nil {
		return 0, err
	}
	defer g.mu.Unlock()
	if g.caps.Restricted {
		return 0, ErrNotPermitted
	}
	a, err := g.caps.Ledger.Credit(userID, amount)
	if err != nil {
		return 0, err
	}
	g.mutations++
	return a.Balance, nil
}

func (g *guard) Transfer(fromID, toID string, amount int64) error {
	if err := g.enter(); err != nil {
		return err
	}
	defer g.mu.Unlock()
	if g.caps.Restricted && fromID != g.caps.Caller {
		return ErrNotPermitted
	}
	if _, _, err := g.caps.Ledger.Transfer(fromID, toID, amount); err != nil {
		return err
	}
	g.mutations++
	return nil
}

func (g *guard) History(userID string) ([]string, error) {
	if err := g.enter(); err != nil {
		return nil, err
	}
	defer g.mu.Unlock()
	return g.caps.Ledger.History(userID), nil
}

func (g *guard) Reply(text string) error {
	if err := g.enter(); err != nil {
		return err
	}
	defer g.mu.Unlock()
	if len(g.replies) >= maxReplies {
		return errReplyLimit
	}
	g.replies = append(g.replies, text)
	return nil
}
