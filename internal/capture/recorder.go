package capture

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/upload"
	"github.com/streamly-studio/backend/pkg/storage"
)

// Sink accepts finished segments, normally an *upload.Pipeline.
type Sink interface {
	Enqueue(seg upload.Segment) error
	CloseInput(totals map[string]int)
}

// Recorder records one participant's video and audio for one recording session.
type Recorder struct {
	sessionID     string
	participantID string
	name          string
	sink          Sink
	logger        *zap.Logger

	mu       sync.Mutex
	tracks   map[string]*Segmenter
	stopped  bool
	firstErr error
}

// NewRecorder creates a recorder feeding sink.
func NewRecorder(sessionID, participantID, name string, duration time.Duration, sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sessionID:     sessionID,
		participantID: participantID,
		name:          name,
		sink:          sink,
		logger:        logger,
		tracks:        make(map[string]*Segmenter),
	}
	for _, track := range []string{models.TrackVideo, models.TrackAudio} {
		track := track
		seg, _ := NewSegmenter(track, duration, func(index int, data []byte) error {
			return r.sink.Enqueue(upload.Segment{
				SessionID:       r.sessionID,
				ParticipantID:   r.participantID,
				ParticipantName: r.name,
				Track:           track,
				Index:           index,
				Data:            data,
				ContentType:     storage.SegmentContentType(track),
			})
		})
		r.tracks[track] = seg
	}
	return r
}

// SessionID returns the recording session this recorder belongs to.
func (r *Recorder) SessionID() string { return r.sessionID }

// WriteRTP feeds one packet of track. Packets after Stop are ignored.
func (r *Recorder) WriteRTP(track string, pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	seg, ok := r.tracks[track]
	if !ok {
		return ErrUnknownTrack
	}
	if err := seg.WriteRTP(pkt); err != nil {
		if r.firstErr == nil {
			r.firstErr = err
			r.logger.Error("segment encoder failed", zap.String("track", track), zap.Error(err))
		}
		return err
	}
	return nil
}

// Stop flushes both tracks, closes the sink input and returns the per-track totals. Idempotent.
func (r *Recorder) Stop() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := !r.stopped
	if first {
		r.stopped = true
		for track, seg := range r.tracks {
			if err := seg.Flush(); err != nil {
				r.logger.Error("flush segment failed", zap.String("track", track), zap.Error(err))
			}
		}
	}
	totals := make(map[string]int, len(r.tracks))
	for track, seg := range r.tracks {
		totals[track] = seg.Count()
	}
	if first {
		r.sink.CloseInput(totals)
		r.logger.Info("capture stopped", zap.String("session_id", r.sessionID), zap.Any("totals", totals))
	}
	return totals
}
