package participant

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/streamly-studio/backend/internal/capture"
	"github.com/streamly-studio/backend/internal/client"
	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/realtime"
	"github.com/streamly-studio/backend/internal/upload"
)

type sent struct {
	event   string
	payload interface{}
}

type fakeTransport struct {
	joined realtime.JoinedPayload

	mu       sync.Mutex
	handlers map[string]client.Handler
	sent     []sent
}

func newTransport(joined realtime.JoinedPayload) *fakeTransport {
	return &fakeTransport{joined: joined, handlers: make(map[string]client.Handler)}
}

func (f *fakeTransport) ID() string                     { return f.joined.Participant.ConnectionID }
func (f *fakeTransport) Joined() realtime.JoinedPayload { return f.joined }

func (f *fakeTransport) On(event string, h client.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) Send(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeTransport) Signal(event, to string, payload map[string]interface{}) error {
	return f.Send(event, payload)
}

func (f *fakeTransport) fire(t *testing.T, event string, payload interface{}) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[event]
	f.mu.Unlock()
	require.True(t, ok, "no handler for %s", event)
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, h(data))
}

type fakeUploads struct {
	mu        sync.Mutex
	segments  []upload.Segment
	manifests chan upload.Manifest
}

func (f *fakeUploads) UploadSegment(_ context.Context, seg upload.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
	return nil
}

func (f *fakeUploads) Finalize(_ context.Context, m upload.Manifest) error {
	f.manifests <- m
	return nil
}

func (f *fakeUploads) count(track string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.segments {
		if s.Track == track {
			n++
		}
	}
	return n
}

func self() realtime.Participant {
	return realtime.Participant{ConnectionID: "me", DisplayName: "Me"}
}

func newAgent(t *testing.T, joined realtime.JoinedPayload) (*Agent, *fakeTransport, *fakeUploads) {
	t.Helper()
	tr := newTransport(joined)
	up := &fakeUploads{manifests: make(chan upload.Manifest, 4)}
	a, err := New(tr, up, Options{SegmentDuration: 200 * time.Millisecond, UploadRetryDelay: 10 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, tr, up
}

func feedAudio(a *Agent, packets int) {
	for i := 0; i < packets; i++ {
		a.WriteRTP(models.TrackAudio, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		})
	}
}

func TestAgentRecordsBetweenStartAndStop(t *testing.T) {
	a, tr, up := newAgent(t, realtime.JoinedPayload{Participant: self(), Participants: []realtime.Participant{self()}})
	require.NoError(t, a.Start())
	assert.Empty(t, a.Recording())

	feedAudio(a, 10)
	tr.fire(t, realtime.EventRecordingStarted, realtime.RecordingStartedPayload{SessionID: "s1"})
	assert.Equal(t, "s1", a.Recording())
	tr.fire(t, realtime.EventRecordingStarted, realtime.RecordingStartedPayload{SessionID: "s1"})

	// 50 packets of 20ms span 1s, several 200ms segments
	feedAudio(a, 50)
	tr.fire(t, realtime.EventRecordingStopped, realtime.RecordingStoppedPayload{SessionID: "s1"})
	assert.Empty(t, a.Recording())

	select {
	case m := <-up.manifests:
		assert.Equal(t, "s1", m.SessionID)
		assert.Equal(t, "me", m.ParticipantID)
		assert.Equal(t, "Me", m.ParticipantName)
		assert.Zero(t, m.Totals[models.TrackVideo])
		assert.Greater(t, m.Totals[models.TrackAudio], 1)
		assert.Equal(t, m.Totals[models.TrackAudio], up.count(models.TrackAudio))
	case <-time.After(5 * time.Second):
		t.Fatal("no finalize")
	}

	feedAudio(a, 10)
	assert.Empty(t, a.Recording())
}

func TestAgentJoinsActiveRecording(t *testing.T) {
	a, tr, up := newAgent(t, realtime.JoinedPayload{Participant: self(), IsRecording: true, SessionID: "s2"})
	require.NoError(t, a.Start())
	assert.Equal(t, "s2", a.Recording())

	tr.fire(t, realtime.EventRecordingStopped, realtime.RecordingStoppedPayload{SessionID: "other"})
	assert.Equal(t, "s2", a.Recording(), "stop for another session is ignored")

	require.NoError(t, a.StopRecording())
	tr.mu.Lock()
	last := tr.sent[len(tr.sent)-1]
	tr.mu.Unlock()
	assert.Equal(t, realtime.EventStopRecording, last.event)
	assert.Equal(t, realtime.StopRecordingRequest{SessionID: "s2"}, last.payload)

	tr.fire(t, realtime.EventRecordingStopped, realtime.RecordingStoppedPayload{SessionID: "s2"})
	select {
	case m := <-up.manifests:
		assert.Equal(t, "s2", m.SessionID)
		assert.Zero(t, m.Totals[models.TrackAudio]+m.Totals[models.TrackVideo])
	case <-time.After(5 * time.Second):
		t.Fatal("no finalize")
	}
}

func TestAgentIgnoresUnknownLeaver(t *testing.T) {
	_, tr, _ := newAgent(t, realtime.JoinedPayload{Participant: self()})
	tr.fire(t, realtime.EventParticipantLeft, realtime.ParticipantLeftPayload{ParticipantID: "ghost"})
	tr.fire(t, realtime.EventError, realtime.ErrorPayload{Event: realtime.EventStartRecording, Message: "nope"})
}

func TestAgentFollowsServerSettings(t *testing.T) {
	joined := realtime.JoinedPayload{
		Participant: self(),
		Settings: &realtime.Settings{
			ICEServers:         []string{"turn:turn.example.com:3478"},
			SegmentDurationMs:  5000,
			UploadRetryDelayMs: 750,
		},
	}
	a, err := New(newTransport(joined), &fakeUploads{manifests: make(chan upload.Manifest, 1)}, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, 5*time.Second, a.opts.SegmentDuration)
	assert.Equal(t, 750*time.Millisecond, a.opts.UploadRetryDelay)
	require.Len(t, a.opts.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, a.opts.ICEServers[0].URLs)

	own, err := New(newTransport(joined), &fakeUploads{manifests: make(chan upload.Manifest, 1)}, Options{
		SegmentDuration: time.Second,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(own.Close)
	assert.Equal(t, time.Second, own.opts.SegmentDuration, "explicit options win")

	bare, err := New(newTransport(realtime.JoinedPayload{Participant: self()}), &fakeUploads{manifests: make(chan upload.Manifest, 1)}, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(bare.Close)
	assert.Equal(t, capture.DefaultSegmentDuration, bare.opts.SegmentDuration)
	assert.NotEmpty(t, bare.opts.ICEServers)
}
