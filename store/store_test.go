package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emprops/relay/errors"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	s := NewFromClients(client(), client(), client())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestHashRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetHashFields(ctx, JobKey("j1"), map[string]interface{}{
		"status":   "pending",
		"priority": "50",
	}))

	fields, err := s.GetHash(ctx, JobKey("j1"))
	require.NoError(t, err)
	assert.Equal(t, "pending", fields["status"])
	assert.Equal(t, "50", fields["priority"])

	// Missing key yields an empty map, not an error
	fields, err = s.GetHash(ctx, JobKey("missing"))
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestSortedSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddToSortedSet(ctx, PendingQueueKey, "low", 10))
	require.NoError(t, s.AddToSortedSet(ctx, PendingQueueKey, "high", 90))

	score, ok, err := s.SortedSetScore(ctx, PendingQueueKey, "high")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(90), score)

	_, ok, err = s.SortedSetScore(ctx, PendingQueueKey, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := s.RangeByScoreDesc(ctx, PendingQueueKey, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, members)

	removed, err := s.RemoveFromSortedSet(ctx, PendingQueueKey, "high")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveFromSortedSet(ctx, PendingQueueKey, "high")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestScanKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SetHashFields(ctx, JobKey(id), map[string]interface{}{"status": "pending"}))
	}
	require.NoError(t, s.SetHashFields(ctx, WorkerKey("w1"), map[string]interface{}{"status": "idle"}))

	keys, err := s.ScanKeys(ctx, "job:*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	keys, err = s.ScanKeys(ctx, "machine:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeyTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.Set(HeartbeatKey("w1"), "1")
	mr.SetTTL(HeartbeatKey("w1"), 30*time.Second)

	ttl, err := s.KeyTTL(ctx, HeartbeatKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	// Missing key reports the -2 sentinel
	ttl, err = s.KeyTTL(ctx, HeartbeatKey("gone"))
	require.NoError(t, err)
	assert.Negative(t, ttl)
}

func TestPubSub(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, ChannelJobProgress)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, ChannelJobProgress, `{"job_id":"j1","progress":50}`))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, ChannelJobProgress, msg.Channel)
		assert.Contains(t, msg.Payload, `"progress":50`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestNewRejectsNonZeroDB(t *testing.T) {
	_, err := New("redis://localhost:6379/3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB 0")

	_, err = New("not-a-url")
	require.Error(t, err)
	assert.True(t, errors.IsStoreError(err))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "job:abc", JobKey("abc"))
	assert.Equal(t, "abc", JobIDFromKey("job:abc"))
	assert.Equal(t, "", JobIDFromKey("worker:abc"))

	assert.Equal(t, "w1", WorkerIDFromKey("worker:w1"))
	assert.Equal(t, "w1", WorkerIDFromKey("worker:w1:heartbeat"))
	assert.Equal(t, "w1", WorkerIDFromKey("worker:w1:jobs"))
	assert.Equal(t, "gpu-box-worker-0", WorkerIDFromKey("worker:gpu-box-worker-0"))

	assert.Equal(t, "m1", MachineIDFromKey("machine:m1:info"))
	assert.Equal(t, "", MachineIDFromKey("machine:m1"))

	assert.Equal(t, "job:abc", KeyspaceEventKey("__keyspace@0__:job:abc"))
	assert.Equal(t, "", KeyspaceEventKey("complete_job"))
}
