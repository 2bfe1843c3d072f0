package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamly-studio/backend/internal/events"
	"github.com/streamly-studio/backend/internal/metrics"
	"github.com/streamly-studio/backend/pkg/apperr"
	"github.com/streamly-studio/backend/pkg/queue"
)

// JobSource is the dispatcher side a worker consumes.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) (deadLettered bool, err error)
	// Extend renews the job's lease so it is not requeued while it runs.
	Extend(ctx context.Context, job *queue.Job) error
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Concurrency int
	// RetryDelay is how long a goroutine pauses after a failed job or dequeue error.
	RetryDelay time.Duration
	// LockExtendEvery is how often a held distributed lock is extended. Zero disables extension.
	LockExtendEvery time.Duration
	// LeaseExtendEvery is how often the running job's queue lease is renewed. Zero disables renewal.
	LeaseExtendEvery time.Duration
}

// Pool runs reconstruction jobs on N goroutines. At most one job per (session, participant)
// runs at a time across all pools sharing the distributed lock; duplicates are acked and dropped.
type Pool struct {
	source   JobSource
	rebuild  Reconstructor
	guard    *Guard
	lock     DistributedLock
	outcomes Outcomes
	opts     PoolOptions
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]map[string]context.CancelFunc // session -> job key -> cancel
}

// NewPool creates a worker pool. lock and outcomes may be nil.
func NewPool(source JobSource, rebuild Reconstructor, lock DistributedLock, outcomes Outcomes, opts PoolOptions, logger *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = queue.RetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		source:   source,
		rebuild:  rebuild,
		guard:    NewGuard(),
		lock:     lock,
		outcomes: outcomes,
		opts:     opts,
		logger:   logger,
		running:  make(map[string]map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is done. Jobs interrupted by shutdown stay unacked for the next start's requeue.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	p.logger.Info("reconstruction workers started", zap.Int("concurrency", p.opts.Concurrency))
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			log.Info("reconstruction worker stopping")
			return
		}
		job, err := p.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("dequeue error", zap.Error(err))
			p.pause(ctx)
			continue
		}
		if job == nil {
			continue
		}
		if failed := p.Handle(ctx, job); failed {
			p.pause(ctx)
		}
	}
}

func (p *Pool) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.RetryDelay):
	}
}

// Handle runs one dequeued job to its disposition. It reports whether the job failed and was requeued.
func (p *Pool) Handle(ctx context.Context, job *queue.Job) (failed bool) {
	payload, err := queue.DecodeReconstruct(job)
	if err != nil {
		p.logger.Warn("dropping undecodable job", zap.String("job_id", job.ID), zap.Error(err))
		p.ack(ctx, job)
		return false
	}
	key := payload.Key()
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("key", key), zap.Int("attempt", job.Attempt))

	release, ok := p.guard.TryAcquire(key)
	if !ok {
		log.Info("reconstruction already running in this process, coalescing")
		metrics.RecordReconstruction("coalesced", 0)
		p.ack(ctx, job)
		return false
	}
	defer release()

	if p.lock != nil {
		lease, err := p.lock.TryLock(ctx, key)
		if isLockHeld(err) {
			log.Info("reconstruction running in another worker, coalescing")
			metrics.RecordReconstruction("coalesced", 0)
			p.ack(ctx, job)
			return false
		}
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Warn("lock unavailable", zap.Error(err))
			return p.retry(ctx, job, payload, err)
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				log.Warn("lock release failed", zap.Error(err))
			}
		}()
		if p.opts.LockExtendEvery > 0 {
			stop := p.keepAlive(ctx, p.opts.LockExtendEvery, lease.Extend, "lock", log)
			defer stop()
		}
	}

	if p.opts.LeaseExtendEvery > 0 {
		stop := p.keepAlive(ctx, p.opts.LeaseExtendEvery, func(ctx context.Context) error { return p.source.Extend(ctx, job) }, "lease", log)
		defer stop()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.track(payload.SessionID, key, cancel)
	defer func() {
		p.untrack(payload.SessionID, key)
		cancel()
	}()

	start := time.Now()
	result, err := p.rebuild.Reconstruct(jobCtx, payload)
	switch {
	case err == nil:
		metrics.RecordReconstruction(result, time.Since(start).Seconds())
		p.ack(ctx, job)
		return false
	case ctx.Err() != nil:
		log.Info("shutdown interrupted reconstruction; left for requeue")
		return false
	case jobCtx.Err() != nil:
		log.Info("reconstruction cancelled, recording deleted")
		metrics.RecordReconstruction("cancelled", 0)
		p.ack(ctx, job)
		return false
	case errors.Is(err, ErrDataLoss), errors.Is(err, apperr.ErrNotFound):
		log.Error("reconstruction failed permanently", zap.Error(err))
		metrics.RecordReconstruction(events.ResultFailed, 0)
		p.ack(ctx, job)
		return false
	default:
		log.Error("reconstruction failed", zap.Error(err))
		return p.retry(ctx, job, payload, err)
	}
}

func (p *Pool) retry(ctx context.Context, job *queue.Job, payload queue.ReconstructPayload, cause error) bool {
	dead, err := p.source.Retry(ctx, job)
	if err != nil {
		p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		return true
	}
	if dead {
		metrics.RecordReconstruction("dead_lettered", 0)
		if p.outcomes != nil {
			o := events.Outcome{SessionID: payload.SessionID, ParticipantID: payload.ParticipantID, Result: events.ResultFailed, Error: cause.Error()}
			if err := p.outcomes.PublishOutcome(ctx, o); err != nil {
				p.logger.Warn("publish dead-letter outcome failed", zap.Error(err))
			}
		}
	}
	return true
}

func (p *Pool) ack(ctx context.Context, job *queue.Job) {
	if err := p.source.Ack(ctx, job); err != nil {
		p.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// keepAlive calls extend every interval until stop is called.
func (p *Pool) keepAlive(ctx context.Context, every time.Duration, extend func(context.Context) error, what string, log *zap.Logger) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := extend(ctx); err != nil {
					log.Warn(what+" extend failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

func (p *Pool) track(sessionID, key string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs, ok := p.running[sessionID]
	if !ok {
		jobs = make(map[string]context.CancelFunc)
		p.running[sessionID] = jobs
	}
	jobs[key] = cancel
}

func (p *Pool) untrack(sessionID, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if jobs, ok := p.running[sessionID]; ok {
		delete(jobs, key)
		if len(jobs) == 0 {
			delete(p.running, sessionID)
		}
	}
}

// CancelSession aborts every running job of a deleted recording.
func (p *Pool) CancelSession(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cancel := range p.running[sessionID] {
		cancel()
		n++
	}
	if n > 0 {
		p.logger.Info("cancelled reconstructions of deleted recording", zap.String("session_id", sessionID), zap.Int("jobs", n))
	}
	return n
}
