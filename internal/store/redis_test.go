package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
)

func TestRedisHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { _ = r.Close() })
	assert.True(t, r.Healthy(context.Background()))
	assert.NoError(t, r.Ping(context.Background()))

	mr.Close()
	assert.False(t, r.Healthy(context.Background()))
	assert.Error(t, r.Ping(context.Background()))

	var nilRedis *Redis
	assert.False(t, nilRedis.Healthy(context.Background()))
	assert.Error(t, nilRedis.Ping(context.Background()))
}
