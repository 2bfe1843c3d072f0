package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueReconstruct is the Redis list key for reconstruction jobs.
	QueueReconstruct = "worker:reconstruct"
	// QueueProcessing holds jobs handed to a worker and not yet acked.
	QueueProcessing = "worker:reconstruct:processing"
	// QueueLeases maps the id of a job in the processing list to its lease deadline (unix ms).
	QueueLeases = "worker:reconstruct:leases"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// DefaultLease is how long a dequeued job belongs to its worker without an Extend.
	DefaultLease = 2 * time.Minute
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// dequeueTimeout bounds one blocking pop so ctx cancellation is observed.
	dequeueTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeReconstruct JobType = "reconstruct"
)

// ReconstructPayload is the payload for reconstruction jobs. Keyed by (SessionID, ParticipantID).
type ReconstructPayload struct {
	RecordingID     uuid.UUID `json:"recording_id"`
	SessionID       string    `json:"session_id"`
	ParticipantID   string    `json:"participant_id"`
	ParticipantName string    `json:"participant_name"`
	VideoSegments   int       `json:"video_segments"`
	AudioSegments   int       `json:"audio_segments"`
}

// Key returns the job's deduplication key.
func (p ReconstructPayload) Key() string {
	return p.SessionID + "/" + p.ParticipantID
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`

	raw string // exact list element, needed to ack
}

// Dispatcher submits reconstruction jobs. Delivery is at-least-once.
type Dispatcher interface {
	SubmitReconstruct(ctx context.Context, payload ReconstructPayload) error
}

// Queue enqueues and dequeues jobs via Redis.
// Submit pushes on the left and workers pop from the right into a processing list, so
// delivery is FIFO and a job survives a worker crash until it is acked. A dequeued job is
// leased to its worker; only jobs whose lease ran out are requeued.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	lease  time.Duration
	now    func() time.Time
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, lease: DefaultLease, now: time.Now}
}

// SetLease changes how long a dequeued job stays owned by its worker between extensions.
func (q *Queue) SetLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

// Lease returns the job lease duration.
func (q *Queue) Lease() time.Duration { return q.lease }

// SubmitReconstruct enqueues a reconstruction job.
func (q *Queue) SubmitReconstruct(ctx context.Context, payload ReconstructPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeReconstruct,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	if err := q.push(ctx, QueueReconstruct, &job); err != nil {
		return err
	}
	q.logger.Debug("enqueued reconstruction job", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID), zap.String("participant_id", payload.ParticipantID))
	return nil
}

func (q *Queue) push(ctx context.Context, list string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, list, raw).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done. Returns nil, nil on timeout.
// The job stays in the processing list until Ack or Retry.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.client.BRPopLPush(ctx, QueueReconstruct, QueueProcessing, dequeueTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", raw), zap.Error(err))
		_ = q.client.LRem(ctx, QueueProcessing, 1, raw).Err()
		return nil, nil
	}
	job.raw = raw
	if err := q.Extend(ctx, &job); err != nil {
		// Without a lease the job is requeued early; the per-key lock absorbs the duplicate.
		q.logger.Warn("lease job", zap.String("job_id", job.ID), zap.Error(err))
	}
	return &job, nil
}

// Extend renews the lease of a job being processed.
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	deadline := q.now().Add(q.lease).UnixMilli()
	if err := q.client.HSet(ctx, QueueLeases, job.ID, deadline).Err(); err != nil {
		return fmt.Errorf("hset lease: %w", err)
	}
	return nil
}

// Ack removes a finished job from the processing list.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.client.LRem(ctx, QueueProcessing, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	if err := q.client.HDel(ctx, QueueLeases, job.ID).Err(); err != nil {
		q.logger.Warn("drop lease", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead
// and reports deadLettered.
func (q *Queue) Retry(ctx context.Context, job *Job) (deadLettered bool, err error) {
	if err := q.Ack(ctx, job); err != nil {
		return false, err
	}
	job.Attempt++
	if job.Attempt >= MaxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	if err := q.push(ctx, QueueReconstruct, job); err != nil {
		return false, err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}

// Requeue moves jobs whose worker stopped renewing their lease (a crash) from the processing
// list back to the queue. Jobs a live worker still holds are left alone. Safe to run at any time.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, QueueProcessing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange: %w", err)
	}
	now := q.now().UnixMilli()
	n := 0
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err == nil && job.ID != "" {
			deadline, err := q.client.HGet(ctx, QueueLeases, job.ID).Int64()
			switch {
			case err == nil && deadline > now:
				continue
			case err != nil && !errors.Is(err, redis.Nil):
				return n, fmt.Errorf("hget lease: %w", err)
			}
		}
		removed, err := q.client.LRem(ctx, QueueProcessing, 1, raw).Result()
		if err != nil {
			return n, fmt.Errorf("lrem: %w", err)
		}
		if removed == 0 {
			continue // acked meanwhile
		}
		if err := q.client.LPush(ctx, QueueReconstruct, raw).Err(); err != nil {
			return n, fmt.Errorf("lpush: %w", err)
		}
		if job.ID != "" {
			_ = q.client.HDel(ctx, QueueLeases, job.ID).Err()
		}
		n++
	}
	if n > 0 {
		q.logger.Info("requeued jobs with expired leases", zap.Int("count", n))
	}
	return n, nil
}

// DecodeReconstruct unmarshals a reconstruction job payload.
func DecodeReconstruct(job *Job) (ReconstructPayload, error) {
	var payload ReconstructPayload
	if job.Type != JobTypeReconstruct {
		return payload, fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}
