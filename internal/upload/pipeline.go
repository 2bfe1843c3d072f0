// Package upload delivers recorded segments to durable storage in order, retrying until each one lands.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/pkg/apperr"
)

// DefaultRetryDelay is the fixed delay between attempts for one segment.
const DefaultRetryDelay = 2 * time.Second

// ErrInputClosed is returned by Enqueue after capture stopped.
var ErrInputClosed = errors.New("upload input closed")

// Segment is one encoded piece of a participant's recording.
type Segment struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	Track           string
	Index           int
	Data            []byte
	ContentType     string
}

// Manifest declares how many segments of each track type were produced.
type Manifest struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	Totals          map[string]int
}

// Uploader stores one segment.
type Uploader interface {
	UploadSegment(ctx context.Context, seg Segment) error
}

// Finalizer reports a participant's manifest once every segment is delivered.
type Finalizer interface {
	Finalize(ctx context.Context, m Manifest) error
}

// Options configures a Pipeline.
type Options struct {
	RetryDelay time.Duration
	// OnError is called for segments dropped after a permanent failure.
	OnError func(seg Segment, err error)
	Logger  *zap.Logger
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Produced int
	Uploaded int
	Dropped  int
	Pending  int
	Closed   bool
}

// Pipeline is a FIFO of segments drained by a single worker. The head segment is removed
// only after it is stored or permanently rejected, so storage receives segments in order.
type Pipeline struct {
	uploader   Uploader
	finalizer  Finalizer
	retryDelay time.Duration
	onError    func(Segment, error)
	logger     *zap.Logger

	mu       sync.Mutex
	queue    []Segment
	produced int
	uploaded int
	dropped  int
	closed   bool
	totals   map[string]int
	wake     chan struct{}
	drained  chan struct{}

	finalizeMu sync.Mutex
	finalized  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a pipeline. Cancelling ctx or calling Close stops the worker, including a pending retry.
func New(ctx context.Context, uploader Uploader, finalizer Finalizer, opts Options) *Pipeline {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		uploader:   uploader,
		finalizer:  finalizer,
		retryDelay: opts.RetryDelay,
		onError:    opts.OnError,
		logger:     opts.Logger,
		wake:       make(chan struct{}, 1),
		drained:    make(chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

// Enqueue appends a segment to the tail.
func (p *Pipeline) Enqueue(seg Segment) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrInputClosed
	}
	p.queue = append(p.queue, seg)
	p.produced++
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// CloseInput records that capture stopped and how many segments of each track type it produced.
func (p *Pipeline) CloseInput(totals map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.totals = make(map[string]int, len(totals))
	for k, v := range totals {
		p.totals[k] = v
	}
	p.checkDrainedLocked()
}

func (p *Pipeline) checkDrainedLocked() {
	if p.closed && len(p.queue) == 0 {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
}

// Progress returns uploaded/produced in [0,1]. The denominator is final only after CloseInput.
func (p *Pipeline) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.produced == 0 {
		if p.closed {
			return 1
		}
		return 0
	}
	return float64(p.uploaded) / float64(p.produced)
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Produced: p.produced,
		Uploaded: p.uploaded,
		Dropped:  p.dropped,
		Pending:  len(p.queue),
		Closed:   p.closed,
	}
}

func (p *Pipeline) head() (Segment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Segment{}, false
	}
	return p.queue[0], true
}

func (p *Pipeline) pop(stored bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue[0] = Segment{}
	p.queue = p.queue[1:]
	if stored {
		p.uploaded++
	} else {
		p.dropped++
	}
	p.checkDrainedLocked()
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		seg, ok := p.head()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		err := p.deliver(ctx, seg)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("segment dropped",
				zap.String("session_id", seg.SessionID),
				zap.String("track", seg.Track),
				zap.Int("index", seg.Index),
				zap.Error(err),
			)
			if p.onError != nil {
				p.onError(seg, err)
			}
			p.pop(false)
			continue
		}
		p.pop(true)
	}
}

// deliver retries seg with a constant delay until it is stored, fails permanently or ctx ends.
func (p *Pipeline) deliver(ctx context.Context, seg Segment) error {
	op := func() error {
		err := p.uploader.UploadSegment(ctx, seg)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Info("segment upload failed, retrying",
			zap.String("track", seg.Track),
			zap.Int("index", seg.Index),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(p.retryDelay), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// IsPermanent reports whether an upload error should not be retried.
// Rejections by the server (unknown recording, conflicting state, forbidden) are permanent; the rest are treated as transient.
func IsPermanent(err error) bool {
	if apperr.IsTransient(err) {
		return false
	}
	return errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrInconsistent) ||
		errors.Is(err, apperr.ErrNotAuthorized)
}

// Finalize waits until capture stopped and the queue drained, then reports the manifest.
// Transient failures are retried; once it succeeds later calls return nil immediately.
func (p *Pipeline) Finalize(ctx context.Context, sessionID, participantID, participantName string) error {
	p.finalizeMu.Lock()
	defer p.finalizeMu.Unlock()
	if p.finalized {
		return nil
	}
	select {
	case <-p.drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	m := Manifest{SessionID: sessionID, ParticipantID: participantID, ParticipantName: participantName, Totals: make(map[string]int, len(p.totals))}
	for k, v := range p.totals {
		m.Totals[k] = v
	}
	p.mu.Unlock()

	op := func() error {
		err := p.finalizer.Finalize(ctx, m)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(p.retryDelay), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	p.finalized = true
	p.logger.Info("upload finalized", zap.String("session_id", sessionID), zap.Any("totals", m.Totals))
	return nil
}

// Close stops the worker, abandoning any pending retry, and waits for it to exit.
func (p *Pipeline) Close() {
	p.cancel()
	<-p.done
}
