package job

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/event"
	"github.com/emprops/relay/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store, chan event.Event, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	st := store.NewFromClients(client(), client(), client())
	t.Cleanup(func() { st.Close() })

	events := make(chan event.Event, 16)
	q := NewQueue(st, events, zap.NewNop().Sugar())
	return q, st, events, mr
}

func TestSubmitRoundTrip(t *testing.T) {
	q, st, events, _ := newTestQueue(t)
	ctx := context.Background()

	p := 70
	j, err := q.Submit(ctx, &Submission{
		ServiceRequired: "comfyui",
		Priority:        &p,
		Payload:         []byte(`{"prompt":"a cat"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	// Round trip through the store
	fetched, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "comfyui", fetched.ServiceRequired)
	assert.Equal(t, 70, fetched.Priority)
	assert.Equal(t, StatusPending, fetched.Status)
	assert.JSONEq(t, `{"prompt":"a cat"}`, string(fetched.Payload))

	// Exactly one pending entry with the formula score
	score, ok, err := st.SortedSetScore(ctx, store.PendingQueueKey, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fetched.QueueScore(), score)

	// job_submitted went out through fan-out
	select {
	case e := <-events:
		submitted, ok := e.(*event.JobSubmitted)
		require.True(t, ok)
		assert.Equal(t, j.ID, submitted.JobID())
		assert.Equal(t, "emprops_ui", submitted.Source)
	default:
		t.Fatal("expected a job_submitted event")
	}
}

func TestSubmitPriorityOrdering(t *testing.T) {
	q, st, _, _ := newTestQueue(t)
	ctx := context.Background()

	p10, p90 := 10, 90
	low, err := q.Submit(ctx, &Submission{ServiceRequired: "s", Priority: &p10})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	high, err := q.Submit(ctx, &Submission{ServiceRequired: "s", Priority: &p90})
	require.NoError(t, err)

	members, err := st.RangeByScoreDesc(ctx, store.PendingQueueKey, 10)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, high.ID, members[0], "priority 90 consumed before priority 10")
	assert.Equal(t, low.ID, members[1])
}

func TestSubmitFIFOWithinTier(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	ctx := context.Background()

	early, late := int64(1700000000000), int64(1700000005000)
	first, err := q.Submit(ctx, &Submission{ServiceRequired: "s", WorkflowDatetime: &early})
	require.NoError(t, err)
	second, err := q.Submit(ctx, &Submission{ServiceRequired: "s", WorkflowDatetime: &late})
	require.NoError(t, err)

	assert.Greater(t, first.QueueScore(), second.QueueScore())
}

func TestCancelPending(t *testing.T) {
	q, st, events, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Submit(ctx, &Submission{ServiceRequired: "s"})
	require.NoError(t, err)
	<-events // drain job_submitted

	_, ok, err := st.SortedSetScore(ctx, store.PendingQueueKey, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Cancel(ctx, j.ID))

	// Gone from the pending queue, status failed with the cancel reason
	_, ok, err = st.SortedSetScore(ctx, store.PendingQueueKey, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	cancelled, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, CancelReason, cancelled.Error)
	assert.NotEmpty(t, cancelled.FailedAt)

	// Recorded in the failed-jobs index with the cancelled marker
	failed, err := st.GetHash(ctx, store.FailedJobsKey)
	require.NoError(t, err)
	assert.Contains(t, failed[j.ID], `"cancelled":true`)

	// job_failed went out
	select {
	case e := <-events:
		failedEvent, ok := e.(*event.JobFailed)
		require.True(t, ok)
		assert.Equal(t, j.ID, failedEvent.JobID())
		assert.Equal(t, CancelReason, failedEvent.Error)
	default:
		t.Fatal("expected a job_failed event")
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	q, st, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, st.SetHashFields(ctx, store.JobKey("done"), map[string]interface{}{
		"id":     "done",
		"status": string(StatusCompleted),
	}))

	err := q.Cancel(ctx, "done")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCancelAssignedPublishesToWorker(t *testing.T) {
	q, st, _, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, st.SetHashFields(ctx, store.JobKey("held"), map[string]interface{}{
		"id":        "held",
		"status":    string(StatusInProgress),
		"worker_id": "worker-1",
	}))

	sub := st.Subscribe(ctx, store.ChannelCancelJob)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, "held"))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"worker_id":"worker-1"`)
		assert.Contains(t, msg.Payload, `"job_id":"held"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel_job publish")
	}
	_ = mr
}

func TestCancelMissingJob(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	err := q.Cancel(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestList(t *testing.T) {
	q, _, events, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Submit(ctx, &Submission{ServiceRequired: "s"})
		require.NoError(t, err)
		<-events
		time.Sleep(2 * time.Millisecond)
	}

	jobs, err := q.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = q.List(ctx, string(StatusPending), 2, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = q.List(ctx, string(StatusCompleted), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = q.List(ctx, "", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
