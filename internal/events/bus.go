// Package events carries recording lifecycle events between the coordinator and reconstruction workers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelRecordings = "studio:recordings"
	publishTimeout    = 5 * time.Second

	// EventRecordingOutcome reports the result of one reconstruction job.
	EventRecordingOutcome = "recording-outcome"
	// EventRecordingDeleted reports that a recording's metadata was removed.
	EventRecordingDeleted = "recording-deleted"
)

// Outcome results.
const (
	// ResultProcessed: one participant's deliverables are ready, others are pending.
	ResultProcessed = "processed"
	// ResultCompleted: every participant is processed and the recording is completed.
	ResultCompleted = "completed"
	// ResultFailed: reconstruction gave up (data loss or retries exhausted).
	ResultFailed = "failed"
)

// Outcome is published by a worker after a reconstruction job ends.
type Outcome struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Result        string `json:"result"`
	Error         string `json:"error,omitempty"`
}

// Terminal reports whether the outcome ends the recording's post-stop phase. A failed
// outcome concerns one participant; the recording itself stays retryable.
func (o Outcome) Terminal() bool {
	return o.Result == ResultCompleted
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

type deletedPayload struct {
	SessionID string `json:"session_id"`
}

// Handlers receives bus events. Nil handlers ignore their event.
type Handlers struct {
	OnOutcome func(Outcome)
	OnDeleted func(sessionID string)
}

// Bus is a Redis pub/sub bridge shared by every server and worker process.
type Bus struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewBus creates a Redis-backed event bus.
func NewBus(client redis.UniversalClient, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, logger: logger}
}

func (b *Bus) publish(ctx context.Context, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, channelRecordings, body).Err()
}

// PublishOutcome announces a reconstruction result.
func (b *Bus) PublishOutcome(ctx context.Context, o Outcome) error {
	return b.publish(ctx, EventRecordingOutcome, o)
}

// RecordingDeleted announces a deleted recording so workers drop its jobs.
func (b *Bus) RecordingDeleted(ctx context.Context, sessionID string) error {
	return b.publish(ctx, EventRecordingDeleted, deletedPayload{SessionID: sessionID})
}

// Subscribe delivers events to h until ctx is done or cancel is called.
func (b *Bus) Subscribe(ctx context.Context, h Handlers) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, channelRecordings)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(msg.Payload, h)
			}
		}
	}()
	return cancelCtx, nil
}

func (b *Bus) dispatch(raw string, h Handlers) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("invalid bus message", zap.Error(err))
		return
	}
	switch env.Event {
	case EventRecordingOutcome:
		var o Outcome
		if err := json.Unmarshal(env.Data, &o); err != nil || h.OnOutcome == nil {
			return
		}
		h.OnOutcome(o)
	case EventRecordingDeleted:
		var d deletedPayload
		if err := json.Unmarshal(env.Data, &d); err != nil || h.OnDeleted == nil {
			return
		}
		h.OnDeleted(d.SessionID)
	default:
		b.logger.Debug("ignoring bus event", zap.String("event", env.Event))
	}
}
