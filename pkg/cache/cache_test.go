package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryAttempts(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAttempts(time.Hour)

	for want := 1; want <= 3; want++ {
		got, err := a.Incr(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := a.Incr(ctx, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	require.NoError(t, a.Reset(ctx, "msg-1"))
	got, err = a.Incr(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 2, a.Size())
}

func TestInMemoryAttemptsExpire(t *testing.T) {
	ctx := context.Background()
	a := NewInMemoryAttempts(10 * time.Millisecond)

	_, err := a.Incr(ctx, "msg")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	got, err := a.Incr(ctx, "msg")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestInMemoryStatusStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStatusStore(time.Hour)
	key := JobKey(42, 7)
	assert.Equal(t, "42:7", key)

	_, ok, err := s.GetStatus(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetStatus(ctx, key, JobStatus{State: StateFailed, Error: "boom", Link: "ignored"}))
	st, ok, err := s.GetStatus(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "boom", st.Error)
	assert.Empty(t, st.Link)
	assert.False(t, st.UpdatedAt.IsZero())

	require.NoError(t, s.SetStatus(ctx, key, JobStatus{State: StateAcked, Link: "https://l", Error: "stale"}))
	st, _, _ = s.GetStatus(ctx, key)
	assert.Equal(t, "https://l", st.Link)
	assert.Empty(t, st.Error)
}

func TestInMemoryStatusStoreExpires(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStatusStore(20 * time.Millisecond)

	require.NoError(t, s.SetStatus(ctx, JobKey(1, 1), JobStatus{State: StateAcked, Link: "https://l"}))
	time.Sleep(40 * time.Millisecond)

	_, ok, err := s.GetStatus(ctx, JobKey(1, 1))
	require.NoError(t, err)
	assert.False(t, ok)

	// the next write prunes what expired
	require.NoError(t, s.SetStatus(ctx, JobKey(2, 2), JobStatus{State: StateReceived}))
	assert.Equal(t, 1, s.Size())
	_, ok, _ = s.GetStatus(ctx, JobKey(2, 2))
	assert.True(t, ok)
}
