package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// loopSignaler delivers messages straight into the other side's mesh, stamped like the coordinator does.
type loopSignaler struct {
	self string
	mu   sync.Mutex
	peer *Mesh
	errs []error
}

func (s *loopSignaler) Signal(event, to string, payload map[string]interface{}) error {
	payload["from"] = s.self
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if err := peer.Handle(event, data); err != nil {
		s.mu.Lock()
		s.errs = append(s.errs, err)
		s.mu.Unlock()
	}
	return nil
}

func videoTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
	require.NoError(t, err)
	return track
}

func TestMeshNegotiates(t *testing.T) {
	api, err := NewAPI()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	sigA := &loopSignaler{self: "A"}
	sigB := &loopSignaler{self: "B"}
	a := NewMesh(api, webrtc.Configuration{}, []webrtc.TrackLocal{videoTrack(t, "a")}, sigA, nil, logger)
	b := NewMesh(api, webrtc.Configuration{}, []webrtc.TrackLocal{videoTrack(t, "b")}, sigB, nil, logger)
	sigA.peer, sigB.peer = b, a
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Connect("B"))

	linkA, ok := a.Get("B")
	require.True(t, ok)
	linkB, ok := b.Get("A")
	require.True(t, ok, "offer creates the answering link")
	assert.Equal(t, "A", linkB.RemoteID())

	require.Eventually(t, func() bool {
		return linkA.SignalingState() == webrtc.SignalingStateStable && linkB.SignalingState() == webrtc.SignalingStateStable
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, linkA.Pending())
	assert.Zero(t, linkB.Pending())

	sigA.mu.Lock()
	assert.Empty(t, sigA.errs)
	sigA.mu.Unlock()

	b.Remove("A")
	_, ok = b.Get("A")
	assert.False(t, ok)
}

func TestLinkBuffersEarlyCandidates(t *testing.T) {
	api, err := NewAPI()
	require.NoError(t, err)
	sig := &loopSignaler{self: "A", peer: NewMesh(api, webrtc.Configuration{}, nil, &loopSignaler{self: "B"}, nil, nil)}
	l, err := NewLink(api, webrtc.Configuration{}, "B", nil, sig, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}))
	assert.Equal(t, 1, l.Pending())

	assert.ErrorIs(t, l.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}), ErrNoOffer)
}

func TestDecodeMessage(t *testing.T) {
	_, err := DecodeMessage(json.RawMessage(`{"offer":{"type":"offer","sdp":"v=0"}}`))
	assert.Error(t, err)

	m, err := DecodeMessage(json.RawMessage(`{"from":"A","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 1 typ host","sdpMid":"0"}}`))
	require.NoError(t, err)
	assert.Equal(t, "A", m.From)
	require.NotNil(t, m.Candidate)
	assert.Equal(t, "0", *m.Candidate.SDPMid)
}

func TestICEServers(t *testing.T) {
	assert.Equal(t, defaultICE, ICEServers(nil))
	assert.Equal(t, defaultICE, ICEServers([]string{""}))
	got := ICEServers([]string{"turn:turn.example.com:3478"})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, got[0].URLs)
}
