// Package media wraps the ffmpeg invocations used to rebuild a participant's recording.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Output encoding parameters.
const (
	VideoCodec      = "libx264"
	VideoPreset     = "medium"
	VideoCRF        = "23"
	AudioCodec      = "aac"
	AudioBitrate    = "192k"
	WavCodec        = "pcm_s16le"
	WavSampleRate   = "48000"
	WavChannels     = "2"
	stopGracePeriod = 10 * time.Second
	stderrTail      = 2048
)

// Transcoder performs the reconstruction steps. FFmpeg is the production implementation.
type Transcoder interface {
	// Concat losslessly joins the files listed in listFile into out.
	Concat(ctx context.Context, listFile, out string) error
	// EncodeVideo produces an MP4 from video, muxing audio in when audio is not empty.
	EncodeVideo(ctx context.Context, video, audio, out string) error
	// ExtractAudio produces a 48kHz stereo PCM WAV from in.
	ExtractAudio(ctx context.Context, in, out string) error
}

// FFmpeg runs the ffmpeg binary.
type FFmpeg struct {
	path   string
	logger *zap.Logger
}

// NewFFmpeg creates a transcoder using the binary at path ("ffmpeg" when empty).
func NewFFmpeg(path string, logger *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{path: path, logger: logger}
}

// ConcatArgs returns the arguments of a stream-copy concat.
func ConcatArgs(listFile, out string) []string {
	return []string{"-hide_banner", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", "-y", out}
}

// VideoArgs returns the arguments producing the MP4 deliverable.
func VideoArgs(video, audio, out string) []string {
	args := []string{"-hide_banner", "-i", video}
	if audio != "" {
		args = append(args, "-i", audio, "-map", "0:v:0", "-map", "1:a:0")
	}
	args = append(args, "-c:v", VideoCodec, "-preset", VideoPreset, "-crf", VideoCRF)
	if audio != "" {
		args = append(args, "-c:a", AudioCodec, "-b:a", AudioBitrate)
	}
	return append(args, "-movflags", "+faststart", "-y", out)
}

// AudioArgs returns the arguments producing the WAV deliverable.
func AudioArgs(in, out string) []string {
	return []string{"-hide_banner", "-i", in, "-vn", "-acodec", WavCodec, "-ar", WavSampleRate, "-ac", WavChannels, "-y", out}
}

// WriteConcatList writes an ffmpeg concat demuxer list for files, in order.
func WriteConcatList(path string, files []string) error {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(f, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0600)
}

func (f *FFmpeg) Concat(ctx context.Context, listFile, out string) error {
	return f.run(ctx, ConcatArgs(listFile, out))
}

func (f *FFmpeg) EncodeVideo(ctx context.Context, video, audio, out string) error {
	return f.run(ctx, VideoArgs(video, audio, out))
}

func (f *FFmpeg) ExtractAudio(ctx context.Context, in, out string) error {
	return f.run(ctx, AudioArgs(in, out))
}

// run executes ffmpeg. On cancellation ffmpeg gets an interrupt so it can finalize, then is killed after a grace period.
func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGracePeriod
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", args[len(args)-1], err, tail(stderr.String(), stderrTail))
	}
	f.logger.Debug("ffmpeg finished", zap.Strings("args", args), zap.Duration("took", time.Since(start)))
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
