package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func TestRedisSink_AppendsToStream(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	sink := NewRedisSink(client, "", 0)

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(ctx, Record{
		Actor:         "u1",
		Action:        ActionLogin,
		Status:        StatusFailure,
		SourceAddress: "192.0.2.10",
		Metadata:      map[string]any{"reason": "bad_password"},
		Timestamp:     ts,
	}))
	require.NoError(t, sink.Write(ctx, Record{Actor: "u1", Action: ActionLogin, Status: StatusSuccess, Timestamp: ts}))

	entries, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0].Values
	assert.Equal(t, "u1", first["actor"])
	assert.Equal(t, "login", first["action"])
	assert.Equal(t, "FAILURE", first["status"])
	assert.Equal(t, "192.0.2.10", first["source"])

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(first["metadata"].(string)), &meta))
	assert.Equal(t, "bad_password", meta["reason"])

	_, hasMeta := entries[1].Values["metadata"]
	assert.False(t, hasMeta)
}

func TestRedisSink_ErrorWhenUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err = NewRedisSink(client, "custom", 10).Write(context.Background(), Record{Action: ActionLogin})
	assert.Error(t, err)
}

func TestReadRecent(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	sink := NewRedisSink(client, "lockbox:test", 0)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, actor := range []string{"a", "b", "c"} {
		require.NoError(t, sink.Write(ctx, Record{
			Actor:     actor,
			Action:    ActionLogin,
			Status:    StatusSuccess,
			Metadata:  map[string]any{"method": "password"},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	recs, err := ReadRecent(ctx, client, "lockbox:test", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].Actor)
	assert.Equal(t, "c", recs[1].Actor)
	assert.Equal(t, base.Add(2*time.Second), recs[1].Timestamp)
	assert.Equal(t, "password", recs[1].Metadata["method"])

	recs, err = ReadRecent(ctx, client, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
