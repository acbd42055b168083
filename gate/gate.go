// Package gate bridges asynchronous completions to a blocking waiter.
//
// A Gate counts completions under a mutex and wakes waiters through a
// condition variable. Two ways of waiting are offered: by count
// (AwaitAtLeast, Await), where any completion moves the counter, and by
// request token (Issue, Resolve, AwaitToken), where a completion only counts
// if it belongs to a request that is still outstanding. Token waits are what
// the benchmark driver uses; a late or duplicated callback then shows up in
// Stale instead of unblocking the wrong wait.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned when the wait deadline passes before the
	// awaited completion arrives.
	ErrTimeout = errors.New("gate: timed out waiting for completion")

	// ErrUnknownToken is returned by AwaitToken for a token that was never
	// issued or was already collected.
	ErrUnknownToken = errors.New("gate: unknown request token")
)

// Completion is the outcome delivered for one request.
type Completion struct {
	Succeeded bool
	Payload   []byte
}

type slot struct {
	done bool
	c    Completion
}

// Gate is owned by the goroutine that issues operations; the callbacks of
// those operations share it and may run on any goroutine.
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond

	returned  int
	succeeded int
	stale     int
	payload   []byte
	pending   map[string]*slot
}

// New returns a Gate with zero counters.
func New() *Gate {
	g := &Gate{pending: make(map[string]*slot)}
	g.cond = sync.NewCond(&g.mu)

	return g
}

// OnComplete records one completion without a payload.
func (g *Gate) OnComplete(succeeded bool) {
	g.Complete(succeeded, nil)
}

// Complete records one completion. The payload buffer is cleared and only
// refilled when the operation succeeded.
func (g *Gate) Complete(succeeded bool, payload []byte) {
	g.mu.Lock()
	g.record(succeeded, payload)
	g.mu.Unlock()

	g.cond.Broadcast()
}

// record must be called with g.mu held.
func (g *Gate) record(succeeded bool, payload []byte) {
	g.returned++
	g.payload = nil

	if succeeded {
		g.succeeded++
		g.payload = payload
	}
}

// AwaitAtLeast blocks until at least n completions have been recorded.
// There is no timeout: a completion that never arrives blocks forever.
func (g *Gate) AwaitAtLeast(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.returned < n {
		g.cond.Wait()
	}
}

// Await is AwaitAtLeast bounded by ctx. It returns ErrTimeout (also
// matching context.DeadlineExceeded) when ctx's deadline passes, or
// ctx.Err() when ctx is cancelled.
func (g *Gate) Await(ctx context.Context, n int) error {
	stop := context.AfterFunc(ctx, g.wake)
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.returned < n {
		if ctx.Err() != nil {
			return waitErr(ctx)
		}

		g.cond.Wait()
	}

	return nil
}

// Issue registers a new outstanding request and returns its token.
func (g *Gate) Issue() string {
	token := uuid.NewString()

	g.mu.Lock()
	g.pending[token] = &slot{}
	g.mu.Unlock()

	return token
}

// Resolve completes the request identified by token. It reports false, and
// counts the call as stale, when the token is unknown, abandoned, or was
// already resolved; stale calls leave the returned and succeeded counters
// untouched.
func (g *Gate) Resolve(token string, succeeded bool, payload []byte) bool {
	g.mu.Lock()

	s, ok := g.pending[token]
	if !ok || s.done {
		g.stale++
		g.mu.Unlock()

		return false
	}

	s.done = true
	s.c = Completion{Succeeded: succeeded, Payload: payload}
	g.record(succeeded, payload)
	g.mu.Unlock()

	g.cond.Broadcast()

	return true
}

// AwaitToken blocks until the request identified by token is resolved or
// ctx is done. On timeout or cancellation the token is abandoned, so a late
// Resolve for it is counted as stale.
func (g *Gate) AwaitToken(ctx context.Context, token string) (Completion, error) {
	stop := context.AfterFunc(ctx, g.wake)
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.pending[token]
	if !ok {
		return Completion{}, ErrUnknownToken
	}

	for !s.done {
		if ctx.Err() != nil {
			delete(g.pending, token)

			return Completion{}, waitErr(ctx)
		}

		g.cond.Wait()
	}

	delete(g.pending, token)

	return s.c, nil
}

// Returned is the number of recorded completions.
func (g *Gate) Returned() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.returned
}

// Succeeded is the number of recorded completions that reported success.
func (g *Gate) Succeeded() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.succeeded
}

// Stale is the number of Resolve calls that matched no outstanding request.
func (g *Gate) Stale() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.stale
}

// Outstanding is the number of issued requests not yet resolved.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, s := range g.pending {
		if !s.done {
			n++
		}
	}

	return n
}

// Payload returns the payload of the most recent completion, nil when that
// completion failed.
func (g *Gate) Payload() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.payload
}

func (g *Gate) wake() {
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}

func waitErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return err
}
