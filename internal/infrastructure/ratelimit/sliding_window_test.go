package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSlidingWindow_TenPerMinute(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	sw := NewSlidingWindow(10, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := sw.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be admitted", i+1)
		clock.Advance(time.Second)
	}

	ok, err := sw.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, ok, "11th call within the window must be rejected")

	// other clients have their own window
	ok, err = sw.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Minute)

	ok, err = sw.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, ok, "calls succeed again once the window has elapsed")
}

func TestSlidingWindow_SlidesPerHit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	sw := NewSlidingWindow(2, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	ok, _ := sw.Allow(ctx, "c")
	assert.True(t, ok)
	clock.Advance(30 * time.Second)
	ok, _ = sw.Allow(ctx, "c")
	assert.True(t, ok)

	ok, _ = sw.Allow(ctx, "c")
	assert.False(t, ok)

	// first hit leaves the window, second one is still inside
	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, sw.Remaining("c"))
	ok, _ = sw.Allow(ctx, "c")
	assert.True(t, ok)
	ok, _ = sw.Allow(ctx, "c")
	assert.False(t, ok)
}

func TestSlidingWindow_Defaults(t *testing.T) {
	sw := NewSlidingWindow(0, 0)
	assert.Equal(t, DefaultLimit, sw.limit)
	assert.Equal(t, DefaultWindow, sw.window)
	assert.Equal(t, DefaultLimit, sw.Remaining("nobody"))
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	sw := NewSlidingWindow(10, time.Minute)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := sw.Allow(ctx, "shared")
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
}

func TestSlidingWindow_ForgetsIdleClients(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	sw := NewSlidingWindow(10, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := sw.Allow(ctx, fmt.Sprintf("client-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 5, sw.Len())

	clock.Advance(time.Minute + time.Second)

	ok, err := sw.Allow(ctx, "client-new")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, sw.Len(), "idle clients are dropped once their hits leave the window")

	// a returning client starts with a full quota
	assert.Equal(t, 10, sw.Remaining("client-0"))
}
