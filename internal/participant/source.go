package participant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/streamly-studio/backend/internal/models"
)

const (
	rtpMTU         = 1200
	vp8PayloadType = 96
	opusPayload    = 111
	videoClock     = 90000
	audioClock     = 48000
)

// PacketFunc receives every packetized RTP packet of a source.
type PacketFunc func(track string, pkt *rtp.Packet) error

// Source replays a media file as paced RTP packets.
type Source interface {
	Track() string
	Run(ctx context.Context, emit PacketFunc) error
}

// IVFSource replays a VP8 IVF file.
type IVFSource struct {
	Path string
	// Loop restarts the file at EOF until ctx ends.
	Loop bool
}

// Track implements Source.
func (s IVFSource) Track() string { return models.TrackVideo }

// Run implements Source.
func (s IVFSource) Run(ctx context.Context, emit PacketFunc) error {
	packetizer := rtp.NewPacketizer(rtpMTU, vp8PayloadType, rand.Uint32(), &codecs.VP8Payloader{EnablePictureID: true}, rtp.NewRandomSequencer(), videoClock)
	for {
		if err := s.once(ctx, packetizer, emit); err != nil || !s.Loop {
			return err
		}
	}
}

func (s IVFSource) once(ctx context.Context, packetizer rtp.Packetizer, emit PacketFunc) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		return fmt.Errorf("%s: unsupported codec %q", s.Path, header.FourCC)
	}
	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	samples := uint32(frameDuration.Seconds() * videoClock)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, pkt := range packetizer.Packetize(frame, samples) {
			if err := emit(models.TrackVideo, pkt); err != nil {
				return err
			}
		}
	}
}

// OggSource replays an Opus Ogg file.
type OggSource struct {
	Path string
	Loop bool
}

// Track implements Source.
func (s OggSource) Track() string { return models.TrackAudio }

// Run implements Source.
func (s OggSource) Run(ctx context.Context, emit PacketFunc) error {
	packetizer := rtp.NewPacketizer(rtpMTU, opusPayload, rand.Uint32(), &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), audioClock)
	for {
		if err := s.once(ctx, packetizer, emit); err != nil || !s.Loop {
			return err
		}
	}
}

func (s OggSource) once(ctx context.Context, packetizer rtp.Packetizer, emit PacketFunc) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	// pages are paced at 20ms, the usual Opus frame size
	const pageDuration = 20 * time.Millisecond
	ticker := time.NewTicker(pageDuration)
	defer ticker.Stop()
	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		samples := uint32(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		if samples == 0 || len(page) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, pkt := range packetizer.Packetize(page, samples) {
			if err := emit(models.TrackAudio, pkt); err != nil {
				return err
			}
		}
	}
}
