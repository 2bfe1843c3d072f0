// Package capture cuts a participant's local RTP media into self-contained, time-boxed segments.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"

	"github.com/streamly-studio/backend/internal/models"
)

// DefaultSegmentDuration is the target length of one segment.
const DefaultSegmentDuration = 30 * time.Second

const (
	videoClockRate = 90000
	audioClockRate = 48000
	audioChannels  = 2
)

// ErrUnknownTrack is returned for track types other than video and audio.
var ErrUnknownTrack = errors.New("unknown track type")

// EmitFunc receives a finished segment. data is owned by the callee.
type EmitFunc func(index int, data []byte) error

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Segmenter writes one track's RTP packets into a sequence of containers (IVF for VP8, Ogg for Opus).
// A segment closes once it spans the target duration; video segments close only at a keyframe
// so every segment decodes on its own.
type Segmenter struct {
	track    string
	clock    uint32
	duration uint32
	emit     EmitFunc

	buf     *bytes.Buffer
	w       rtpWriter
	startTS uint32
	written int
	index   int
}

// NewSegmenter creates a segmenter for track ("video" or "audio").
func NewSegmenter(track string, duration time.Duration, emit EmitFunc) (*Segmenter, error) {
	var clock uint32
	switch track {
	case models.TrackVideo:
		clock = videoClockRate
	case models.TrackAudio:
		clock = audioClockRate
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, track)
	}
	if duration <= 0 {
		duration = DefaultSegmentDuration
	}
	return &Segmenter{
		track:    track,
		clock:    clock,
		duration: uint32(duration.Seconds() * float64(clock)),
		emit:     emit,
	}, nil
}

// Count returns how many segments were emitted.
func (s *Segmenter) Count() int { return s.index }

// WriteRTP adds a packet, emitting the current segment first when it is due.
func (s *Segmenter) WriteRTP(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	boundary := true
	if s.track == models.TrackVideo {
		boundary = IsVP8KeyframeStart(pkt.Payload)
	}
	if s.w == nil {
		if !boundary {
			// wait for a keyframe
			return nil
		}
		if err := s.open(pkt.Timestamp); err != nil {
			return err
		}
	} else if boundary && pkt.Timestamp-s.startTS >= s.duration {
		if err := s.Flush(); err != nil {
			return err
		}
		if err := s.open(pkt.Timestamp); err != nil {
			return err
		}
	}
	if err := s.w.WriteRTP(pkt); err != nil {
		return fmt.Errorf("write %s rtp: %w", s.track, err)
	}
	s.written++
	return nil
}

func (s *Segmenter) open(ts uint32) error {
	s.buf = &bytes.Buffer{}
	var err error
	if s.track == models.TrackVideo {
		s.w, err = ivfwriter.NewWith(s.buf)
	} else {
		s.w, err = oggwriter.NewWith(s.buf, audioClockRate, audioChannels)
	}
	if err != nil {
		return fmt.Errorf("open %s segment: %w", s.track, err)
	}
	s.startTS = ts
	s.written = 0
	return nil
}

// Flush closes and emits the current segment if it holds any packet.
func (s *Segmenter) Flush() error {
	if s.w == nil {
		return nil
	}
	w, buf, written := s.w, s.buf, s.written
	s.w, s.buf = nil, nil
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s segment: %w", s.track, err)
	}
	if written == 0 {
		return nil
	}
	idx := s.index
	s.index++
	return s.emit(idx, buf.Bytes())
}

// IsVP8KeyframeStart reports whether an RTP payload begins a VP8 keyframe.
func IsVP8KeyframeStart(payload []byte) bool {
	var p codecs.VP8Packet
	if _, err := p.Unmarshal(payload); err != nil {
		return false
	}
	return p.S == 1 && p.PID == 0 && len(p.Payload) > 0 && p.Payload[0]&0x01 == 0
}
