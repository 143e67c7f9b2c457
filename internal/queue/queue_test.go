package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Job) Job {
	t.Helper()
	select {
	case job, ok := <-ch:
		require.True(t, ok, "channel closed")
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("no job received")
		return Job{}
	}
}

func TestNewRefreshJob(t *testing.T) {
	a, b := NewRefreshJob("M1"), NewRefreshJob("M1")
	assert.Equal(t, TypeStudentRefresh, a.Type)
	assert.Equal(t, "M1", a.Matricule)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(2)

	require.NoError(t, q.Publish(ctx, NewRefreshJob("M1")))
	require.NoError(t, q.Publish(ctx, NewRefreshJob("M2")))
	assert.ErrorIs(t, q.Publish(ctx, NewRefreshJob("M3")), ErrFull)

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "M1", receive(t, ch).Matricule)
	assert.Equal(t, "M2", receive(t, ch).Matricule)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRedisQueueFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewRedisQueue(client, "")
	q.timeout = 100 * time.Millisecond

	first := NewRefreshJob("05/23.09319")
	require.NoError(t, q.Publish(ctx, first))
	require.NoError(t, q.Publish(ctx, NewRefreshJob("05/23.00001")))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// garbage left by another producer is skipped
	require.NoError(t, client.LPush(ctx, DefaultKey, "not json").Err())

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	got := receive(t, ch)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "05/23.09319", got.Matricule)
	assert.Equal(t, "05/23.00001", receive(t, ch).Matricule)
}
