package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, zaptest.NewLogger(t)), client
}

func TestSubmitDequeueAckFIFO(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q, client := newTestQueue(t)

	first := ReconstructPayload{RecordingID: uuid.New(), SessionID: "s1", ParticipantID: "a", VideoSegments: 3}
	second := ReconstructPayload{RecordingID: uuid.New(), SessionID: "s1", ParticipantID: "b", AudioSegments: 2}
	require.NoError(t, q.SubmitReconstruct(ctx, first))
	require.NoError(t, q.SubmitReconstruct(ctx, second))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	got, err := DecodeReconstruct(job)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Equal(t, "s1/a", got.Key())

	n, err := client.LLen(ctx, QueueProcessing).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, q.Ack(ctx, job))
	n, _ = client.LLen(ctx, QueueProcessing).Result()
	assert.Equal(t, int64(0), n)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	got, err = DecodeReconstruct(job)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ParticipantID)
}

func TestRetryMovesToDLQAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q, client := newTestQueue(t)
	require.NoError(t, q.SubmitReconstruct(ctx, ReconstructPayload{SessionID: "s1", ParticipantID: "a"}))

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		dead, err := q.Retry(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, attempt == MaxRetries, dead)
	}

	n, _ := client.LLen(ctx, QueueDLQ).Result()
	assert.Equal(t, int64(1), n)
	n, _ = client.LLen(ctx, QueueReconstruct).Result()
	assert.Equal(t, int64(0), n)
	n, _ = client.LLen(ctx, QueueProcessing).Result()
	assert.Equal(t, int64(0), n)
}

func TestRequeueRecoversExpiredLease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q, _ := newTestQueue(t)
	require.NoError(t, q.SubmitReconstruct(ctx, ReconstructPayload{SessionID: "s1", ParticipantID: "a"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	q.now = func() time.Time { return time.Now().Add(q.Lease() + time.Second) }
	n, err := q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
}

func TestRequeueLeavesLiveJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q, client := newTestQueue(t)
	q.SetLease(time.Minute)
	require.NoError(t, q.SubmitReconstruct(ctx, ReconstructPayload{SessionID: "s1", ParticipantID: "a"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// a second worker starting up must not take over the running job
	n, err := q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	ready, _ := client.LLen(ctx, QueueReconstruct).Result()
	assert.Equal(t, int64(0), ready)

	// an extension keeps the job owned past the original deadline
	start := time.Now()
	q.now = func() time.Time { return start.Add(50 * time.Second) }
	require.NoError(t, q.Extend(ctx, job))
	q.now = func() time.Time { return start.Add(90 * time.Second) }
	n, err = q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, q.Ack(ctx, job))
	processing, _ := client.LLen(ctx, QueueProcessing).Result()
	assert.Equal(t, int64(0), processing)
	leases, _ := client.HLen(ctx, QueueLeases).Result()
	assert.Equal(t, int64(0), leases)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := DecodeReconstruct(&Job{Type: "email"})
	assert.Error(t, err)
}
