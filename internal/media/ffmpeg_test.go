package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcatArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-hide_banner", "-f", "concat", "-safe", "0", "-i", "list.txt", "-c", "copy", "-y", "video.mkv"},
		ConcatArgs("list.txt", "video.mkv"))
}

func TestVideoArgs(t *testing.T) {
	withAudio := VideoArgs("v.mkv", "a.mka", "out.mp4")
	assert.Equal(t, []string{
		"-hide_banner", "-i", "v.mkv", "-i", "a.mka", "-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-c:a", "aac", "-b:a", "192k",
		"-movflags", "+faststart", "-y", "out.mp4",
	}, withAudio)

	videoOnly := VideoArgs("v.mkv", "", "out.mp4")
	assert.NotContains(t, videoOnly, "-map")
	assert.NotContains(t, videoOnly, "aac")
	assert.Equal(t, "out.mp4", videoOnly[len(videoOnly)-1])
}

func TestAudioArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"-hide_banner", "-i", "a.mka", "-vn", "-acodec", "pcm_s16le", "-ar", "48000", "-ac", "2", "-y", "final_audio.wav"},
		AudioArgs("a.mka", "final_audio.wav"))
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	require.NoError(t, WriteConcatList(list, []string{"/tmp/a_00000.ivf", "/tmp/it's.ivf"}))
	data, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Equal(t, "file '/tmp/a_00000.ivf'\nfile '/tmp/it'\\''s.ivf'\n", string(data))
}

func TestRunReportsFailure(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "no-such-ffmpeg"), nil)
	err := f.Concat(context.Background(), "list.txt", "out.mkv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out.mkv")
}

func TestRunHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)
	f := NewFFmpeg("ffmpeg", nil)
	assert.ErrorIs(t, f.ExtractAudio(ctx, "in", "out.wav"), context.DeadlineExceeded)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 10))
	assert.Equal(t, "cde", tail("abcde", 3))
}
