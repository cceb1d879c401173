package redis

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 127.0.0.1:1 refuses connections on any test host.
const unreachable = "127.0.0.1:1"

func TestNewClient_Unreachable(t *testing.T) {
	c, err := NewClient(context.Background(), unreachable, "", 0, nil)
	assert.Nil(t, c)
	assert.ErrorContains(t, err, "redis ping")
}

func TestCheckAndClose(t *testing.T) {
	c := &Client{
		Client: redis.NewClient(&redis.Options{Addr: unreachable, MaxRetries: -1}),
		addr:   unreachable,
		logger: zap.NewNop(),
	}
	assert.Error(t, c.Check(context.Background()))
	require.NoError(t, c.Close())
}
