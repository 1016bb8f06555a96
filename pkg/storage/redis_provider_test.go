package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFlowStore(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	provider, err := NewRedisProvider(RedisProviderConfig{Addr: s.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	require.NoError(t, provider.Initialize())
	defer provider.Close()

	runFlowStoreTests(t, provider.GetFlowStore())

	assert.True(t, s.Exists("test:flows"))
	assert.True(t, s.Exists("test:element_order"))
}

func TestRedisFlowStoreUnreachable(t *testing.T) {
	_, err := NewRedisProvider(RedisProviderConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRedisFlowStoreCorruptFlow(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	s.HSet("p:flows", "bad", "{not json")
	store := NewRedisFlowStore(client, "p:")

	_, err = store.GetFlow("bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFlowNotFound)
}
