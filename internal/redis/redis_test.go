package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestQueueConnOpt(t *testing.T) {
	opt, err := QueueConnOpt("redis://:secret@cache.internal:6380/3")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 3, opt.DB)
	assert.Nil(t, opt.TLSConfig)

	opt, err = QueueConnOpt("rediss://cache.internal:6380/0")
	require.NoError(t, err)
	assert.NotNil(t, opt.TLSConfig)
}
