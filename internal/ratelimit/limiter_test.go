package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedClock lets tests advance time explicitly.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, interval time.Duration, capacity int) (*Limiter, *fixedClock) {
	l := New(limit, interval, capacity)
	clock := &fixedClock{t: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestAllowWithinWindow(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute, 16)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("client-a"), "request %d should pass", i)
	}
	require.False(t, l.Allow("client-a"), "fourth request in the window must be rejected")
	require.True(t, l.Allow("client-b"), "other clients are unaffected")
}

func TestWindowRollsOver(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute, 16)

	require.True(t, l.Allow("client-a"))
	require.True(t, l.Allow("client-a"))
	require.False(t, l.Allow("client-a"))

	clock.advance(time.Minute)
	require.True(t, l.Allow("client-a"), "a fresh window grants a fresh budget")
}

func TestCapacityEvictsExpiredWindows(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute, 4)

	for i := 0; i < 4; i++ {
		require.True(t, l.Allow(fmt.Sprintf("old-%d", i)))
	}
	require.Equal(t, 4, l.Len())

	clock.advance(2 * time.Minute)
	require.True(t, l.Allow("fresh"))
	require.LessOrEqual(t, l.Len(), 4, "the table never exceeds capacity")
}

func TestCapacityEvictsStalestWhenNothingExpired(t *testing.T) {
	l, clock := newTestLimiter(5, time.Hour, 2)

	require.True(t, l.Allow("first"))
	clock.advance(time.Second)
	require.True(t, l.Allow("second"))
	clock.advance(time.Second)
	require.True(t, l.Allow("third"))

	require.Equal(t, 2, l.Len())
	// "first" had the stalest window, so it was the one dropped; "second"
	// kept its window and its remaining budget.
	for i := 0; i < 4; i++ {
		require.True(t, l.Allow("second"))
	}
	require.False(t, l.Allow("second"))
}
