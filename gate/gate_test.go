package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCompleteFromOtherGoroutine(t *testing.T) {
	g := New()

	go g.OnComplete(true)

	g.AwaitAtLeast(1)

	assert.Equal(t, 1, g.Returned())
	assert.Equal(t, 1, g.Succeeded())
}

func TestCompletionBeforeWaitIsNotLost(t *testing.T) {
	g := New()
	g.OnComplete(false)

	done := make(chan struct{})
	go func() {
		g.AwaitAtLeast(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitAtLeast blocked on a completion that already arrived")
	}

	assert.Equal(t, 1, g.Returned())
	assert.Equal(t, 0, g.Succeeded())
}

func TestAwaitAtLeastWaitsForThreshold(t *testing.T) {
	g := New()

	done := make(chan struct{})
	go func() {
		g.AwaitAtLeast(3)
		close(done)
	}()

	g.OnComplete(true)
	g.OnComplete(true)

	select {
	case <-done:
		t.Fatal("AwaitAtLeast returned before the third completion")
	case <-time.After(50 * time.Millisecond):
	}

	g.OnComplete(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitAtLeast did not return after the third completion")
	}

	assert.GreaterOrEqual(t, g.Returned(), 3)
}

func TestConcurrentCompletionsAreCounted(t *testing.T) {
	const (
		workers = 32
		perWork = 250
	)

	g := New()

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < perWork; i++ {
				g.OnComplete((w+i)%2 == 0)
			}

			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, g.Await(ctx, workers*perWork))
	require.NoError(t, eg.Wait())

	assert.Equal(t, workers*perWork, g.Returned())
	assert.Equal(t, workers*perWork/2, g.Succeeded())
}

func TestAwaitTimeout(t *testing.T) {
	g := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Await(ctx, 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitCancelled(t *testing.T) {
	g := New()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := g.Await(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPayloadClearedOnFailure(t *testing.T) {
	g := New()

	g.Complete(true, []byte("contact"))
	assert.Equal(t, []byte("contact"), g.Payload())

	g.Complete(false, []byte("ignored"))
	assert.Nil(t, g.Payload())
}

func TestTokenResolve(t *testing.T) {
	g := New()
	token := g.Issue()
	assert.Equal(t, 1, g.Outstanding())

	go g.Resolve(token, true, []byte("v"))

	c, err := g.AwaitToken(context.Background(), token)
	require.NoError(t, err)

	assert.True(t, c.Succeeded)
	assert.Equal(t, []byte("v"), c.Payload)
	assert.Equal(t, 1, g.Returned())
	assert.Equal(t, 0, g.Outstanding())
}

func TestDuplicateResolveIsStale(t *testing.T) {
	g := New()
	token := g.Issue()

	assert.True(t, g.Resolve(token, true, nil))
	assert.False(t, g.Resolve(token, true, nil))

	_, err := g.AwaitToken(context.Background(), token)
	require.NoError(t, err)

	assert.False(t, g.Resolve(token, false, nil))
	assert.False(t, g.Resolve("never-issued", true, nil))

	assert.Equal(t, 1, g.Returned())
	assert.Equal(t, 1, g.Succeeded())
	assert.Equal(t, 3, g.Stale())
}

func TestAbandonedTokenDoesNotUnblockNextRequest(t *testing.T) {
	g := New()

	first := g.Issue()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.AwaitToken(ctx, first)
	require.ErrorIs(t, err, ErrTimeout)

	second := g.Issue()

	// The first request's callback shows up late; it must not satisfy the
	// wait for the second request.
	assert.False(t, g.Resolve(first, true, nil))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer waitCancel()

	_, err = g.AwaitToken(waitCtx, second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, g.Returned())
	assert.Equal(t, 1, g.Stale())
}

func TestAwaitUnknownToken(t *testing.T) {
	g := New()

	_, err := g.AwaitToken(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSucceededNeverExceedsReturned(t *testing.T) {
	g := New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		token := g.Issue()
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			g.Resolve(token, i%3 != 0, nil)
		}(i)

		_, err := g.AwaitToken(context.Background(), token)
		require.NoError(t, err)
		assert.LessOrEqual(t, g.Succeeded(), g.Returned())
		assert.Equal(t, i+1, g.Returned())
	}

	wg.Wait()
}
