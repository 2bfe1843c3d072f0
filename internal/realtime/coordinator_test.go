package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/streamly-studio/backend/internal/events"
	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/recordings"
	"github.com/streamly-studio/backend/internal/studios"
	"github.com/streamly-studio/backend/pkg/apperr"
	"github.com/streamly-studio/backend/pkg/queue"
	"github.com/streamly-studio/backend/pkg/storage"
)

type fakeConn struct {
	ch chan WSMessage
}

func newConn() *fakeConn { return &fakeConn{ch: make(chan WSMessage, 64)} }

func (f *fakeConn) Send(msg WSMessage) bool {
	select {
	case f.ch <- msg:
		return true
	default:
		return false
	}
}

// waitFor skips other events until event arrives.
func (f *fakeConn) waitFor(t *testing.T, event string, into interface{}) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.ch:
			if msg.Event != event {
				continue
			}
			if into != nil {
				require.NoError(t, json.Unmarshal(msg.Data, into))
			}
			return
		case <-deadline:
			t.Fatalf("no %s received", event)
		}
	}
}

// drain returns the events currently buffered.
func (f *fakeConn) drain() []string {
	var out []string
	for {
		select {
		case msg := <-f.ch:
			out = append(out, msg.Event)
		default:
			return out
		}
	}
}

type jobLog struct {
	mu   sync.Mutex
	jobs []queue.ReconstructPayload
}

func (j *jobLog) SubmitReconstruct(_ context.Context, p queue.ReconstructPayload) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, p)
	return nil
}

func (j *jobLog) take() []queue.ReconstructPayload {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.jobs
	j.jobs = nil
	return out
}

type coordFixture struct {
	coord   *Coordinator
	svc     *recordings.Service
	store   *recordings.MemoryStore
	objects *storage.Memory
	jobs    *jobLog
	studio  *models.Studio
	owner   string
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	owner := uuid.New()
	f := &coordFixture{
		store:   recordings.NewMemoryStore(),
		objects: storage.NewMemory(),
		jobs:    &jobLog{},
		studio:  &models.Studio{ID: uuid.New(), Name: "Studio", OwnerID: owner, InviteCode: "join-me"},
		owner:   owner.String(),
	}
	resolver := studios.NewStatic(f.studio)
	logger := zaptest.NewLogger(t)
	f.svc = recordings.NewService(f.store, f.objects, f.jobs, resolver, nil, logger)
	f.coord = NewCoordinator(NewRegistry(), resolver, f.svc, CoordinatorOptions{StoppingTimeout: time.Minute}, logger)
	return f
}

func (f *coordFixture) join(t *testing.T, name, identity string) (*JoinResult, *fakeConn) {
	t.Helper()
	conn := newConn()
	res, err := f.coord.Join(context.Background(), JoinRequest{StudioID: f.studio.ID.String(), DisplayName: name, Identity: identity}, conn)
	require.NoError(t, err)
	return res, conn
}

func ids(ps []Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ConnectionID)
	}
	return out
}

func TestJoinAndLeaveKeepRegistryInSync(t *testing.T) {
	f := newCoordFixture(t)
	a, connA := f.join(t, "Ana", f.owner)
	assert.True(t, a.Self.IsHost)
	assert.Equal(t, []string{a.Self.ConnectionID}, ids(a.Participants))
	assert.Equal(t, 1, f.coord.Registry().Len())

	conn := newConn()
	b, err := f.coord.Join(context.Background(), JoinRequest{InviteCode: "join-me", DisplayName: "Bo"}, conn)
	require.NoError(t, err)
	assert.False(t, b.Self.IsHost)
	assert.Same(t, a.Handle.Session, b.Handle.Session)

	var joined Participant
	connA.waitFor(t, EventParticipantJoined, &joined)
	assert.Equal(t, b.Self.ConnectionID, joined.ConnectionID)
	assert.Empty(t, conn.drain(), "joiner is not told about itself")

	s, ok := f.coord.Registry().Get(f.studio.ID)
	require.True(t, ok)
	assert.Equal(t, []string{a.Self.ConnectionID, b.Self.ConnectionID}, ids(s.Participants()))

	f.coord.Leave(a.Handle)
	f.coord.Leave(a.Handle)
	var left ParticipantLeftPayload
	conn.waitFor(t, EventParticipantLeft, &left)
	assert.Equal(t, a.Self.ConnectionID, left.ParticipantID)
	assert.Equal(t, []string{b.Self.ConnectionID}, ids(s.Participants()))

	f.coord.Leave(b.Handle)
	assert.Zero(t, f.coord.Registry().Len())
	_, ok = f.coord.Registry().Get(f.studio.ID)
	assert.False(t, ok)

	c, _ := f.join(t, "Cy", "")
	assert.NotSame(t, s, c.Handle.Session, "empty session is replaced, not reused")
	assert.Equal(t, "Cy", c.Participants[0].DisplayName)
}

func TestJoinUnknownStudio(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.coord.Join(context.Background(), JoinRequest{InviteCode: "missing"}, newConn())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.coord.Join(context.Background(), JoinRequest{}, newConn())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentJoinLeaveChurn(t *testing.T) {
	f := newCoordFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.Join(context.Background(), JoinRequest{StudioID: f.studio.ID.String(), DisplayName: "p"}, newConn())
			if !assert.NoError(t, err) {
				return
			}
			f.coord.Leave(res.Handle)
		}()
	}
	wg.Wait()
	assert.Zero(t, f.coord.Registry().Len())
}

func TestStartRecordingHostOnly(t *testing.T) {
	f := newCoordFixture(t)
	f.join(t, "Ana", f.owner)
	guest, _ := f.join(t, "Bo", uuid.NewString())

	_, err := f.coord.StartRecording(context.Background(), guest.Handle)
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)
	assert.Equal(t, PhaseIdle, guest.Handle.Session.Recording().Phase)
}

func TestConcurrentStartsCreateOneRecording(t *testing.T) {
	f := newCoordFixture(t)
	host, connHost := f.join(t, "Ana", f.owner)
	_, connB := f.join(t, "Bo", "")

	const n = 16
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := f.coord.StartRecording(context.Background(), host.Handle)
			if assert.NoError(t, err) {
				results[i] = st.SessionID
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	list, err := f.store.ListByStudio(context.Background(), f.studio.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, results[0], list[0].SessionID)
	assert.Len(t, list[0].Tracks, 2)

	var started RecordingStartedPayload
	connB.waitFor(t, EventRecordingStarted, &started)
	assert.Equal(t, results[0], started.SessionID)
	assert.Equal(t, list[0].ID.String(), started.RecordingID)
	connHost.waitFor(t, EventRecordingStarted, nil)
	assert.NotContains(t, connB.drain(), EventRecordingStarted, "started is broadcast once")
}

func TestStopRecordingLifecycle(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	host, _ := f.join(t, "Ana", f.owner)
	_, connB := f.join(t, "Bo", "")

	st, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)

	_, err = f.coord.StopRecording(ctx, host.Handle, "stale-session")
	assert.ErrorIs(t, err, apperr.ErrInconsistent)

	stopped, err := f.coord.StopRecording(ctx, host.Handle, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, stopped.SessionID)
	assert.False(t, stopped.EndedAt.IsZero())

	var got RecordingStoppedPayload
	connB.waitFor(t, EventRecordingStopped, &got)
	assert.Equal(t, st.SessionID, got.SessionID)

	rec, err := f.store.GetBySessionID(ctx, st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusUploading, rec.Status)
	assert.Equal(t, PhaseStopping, host.Handle.Session.Recording().Phase)

	_, err = f.coord.StopRecording(ctx, host.Handle, st.SessionID)
	assert.ErrorIs(t, err, apperr.ErrInconsistent, "already stopping")
	_, err = f.coord.StartRecording(ctx, host.Handle)
	assert.ErrorIs(t, err, apperr.ErrInconsistent, "previous recording still stopping")

	assert.False(t, f.coord.RecordingFinished("other", models.RecordingStatusCompleted))
	assert.True(t, f.coord.RecordingFinished(st.SessionID, models.RecordingStatusCompleted))
	var status RecordingStatusPayload
	connB.waitFor(t, EventRecordingStatus, &status)
	assert.Equal(t, models.RecordingStatusCompleted, status.Status)
	assert.Equal(t, PhaseIdle, host.Handle.Session.Recording().Phase)

	next, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)
	assert.NotEqual(t, st.SessionID, next.SessionID)
}

func TestStartAfterStoppingTimeout(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.coord.now = func() time.Time { return now }
	host, _ := f.join(t, "Ana", f.owner)

	st, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)
	_, err = f.coord.StopRecording(ctx, host.Handle, st.SessionID)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	next, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)
	assert.NotEqual(t, st.SessionID, next.SessionID)
}

func TestLateJoinerGetsActiveRecording(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	host, _ := f.join(t, "Ana", f.owner)
	st, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)

	late, _ := f.join(t, "Late", "")
	assert.Equal(t, st.SessionID, late.SessionID)
	assert.True(t, late.Payload().IsRecording)

	rec, err := f.store.GetBySessionID(ctx, st.SessionID)
	require.NoError(t, err)
	_, ok := rec.Track(late.Self.ConnectionID)
	assert.True(t, ok)
}

func TestRelay(t *testing.T) {
	f := newCoordFixture(t)
	a, _ := f.join(t, "Ana", f.owner)
	b, connB := f.join(t, "Bo", "")

	data := json.RawMessage(`{"to":"` + b.Self.ConnectionID + `","offer":{"type":"offer","sdp":"v=0"}}`)
	require.NoError(t, f.coord.Relay(a.Handle, EventWebRTCOffer, data))

	var got map[string]json.RawMessage
	connB.waitFor(t, EventWebRTCOffer, &got)
	assert.JSONEq(t, `"`+a.Self.ConnectionID+`"`, string(got["from"]))
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(got["offer"]))
	assert.NotContains(t, got, "to")

	err := f.coord.Relay(a.Handle, EventWebRTCICE, json.RawMessage(`{"to":"ghost","candidate":{}}`))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = f.coord.Relay(a.Handle, EventChatMessage, data)
	assert.ErrorIs(t, err, apperr.ErrInconsistent)
	err = f.coord.Relay(a.Handle, EventWebRTCAnswer, json.RawMessage(`{"answer":{}}`))
	assert.ErrorIs(t, err, apperr.ErrInconsistent)
}

func TestBroadcastEphemeral(t *testing.T) {
	f := newCoordFixture(t)
	a, connA := f.join(t, "Ana", f.owner)
	b, connB := f.join(t, "Bo", "")
	connA.drain()

	require.NoError(t, f.coord.BroadcastEphemeral(a.Handle, EventChatMessage, json.RawMessage(`{"message":"hi"}`)))
	var chat ChatPayload
	connB.waitFor(t, EventChatMessage, &chat)
	assert.Equal(t, "hi", chat.Message)
	assert.Equal(t, "Ana", chat.SenderName)
	assert.Equal(t, a.Self.ConnectionID, chat.SenderID)
	assert.Empty(t, connA.drain(), "sender does not get its own chat")

	require.NoError(t, f.coord.BroadcastEphemeral(b.Handle, EventToggleAudio, json.RawMessage(`{"muted":true}`)))
	var toggled TogglePayload
	connA.waitFor(t, EventAudioToggled, &toggled)
	assert.Equal(t, b.Self.ConnectionID, toggled.ParticipantID)
	assert.True(t, toggled.Muted)
	p, ok := b.Handle.Session.Participant(b.Self.ConnectionID)
	require.True(t, ok)
	assert.True(t, p.AudioMuted)
	assert.False(t, p.VideoMuted)

	require.NoError(t, f.coord.BroadcastEphemeral(b.Handle, EventToggleVideo, json.RawMessage(`{"muted":true}`)))
	connA.waitFor(t, EventVideoToggled, nil)

	assert.ErrorIs(t, f.coord.BroadcastEphemeral(a.Handle, EventChatMessage, json.RawMessage(`{}`)), apperr.ErrInconsistent)
	assert.ErrorIs(t, f.coord.BroadcastEphemeral(a.Handle, EventWebRTCOffer, nil), apperr.ErrInconsistent)
}

type blockedConn struct{}

func (blockedConn) Send(WSMessage) bool { return false }

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	f := newCoordFixture(t)
	a, _ := f.join(t, "Ana", f.owner)
	_, err := f.coord.Join(context.Background(), JoinRequest{StudioID: f.studio.ID.String(), DisplayName: "Stuck"}, blockedConn{})
	require.NoError(t, err)
	_, connC := f.join(t, "Cy", "")

	require.NoError(t, f.coord.BroadcastEphemeral(a.Handle, EventChatMessage, json.RawMessage(`{"message":"still here"}`)))
	connC.waitFor(t, EventChatMessage, nil)
}

func TestHostRejoinAfterEmptySessionResumesRecording(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	host, _ := f.join(t, "Host", f.owner)
	st, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)

	f.coord.Leave(host.Handle)
	assert.Equal(t, 0, f.coord.Registry().Len())

	again, _ := f.join(t, "Host", f.owner)
	assert.Equal(t, st.SessionID, again.SessionID, "rejoiner is told about the running recording")
	assert.Equal(t, PhaseRecording, again.Handle.Session.Recording().Phase)

	restarted, err := f.coord.StartRecording(ctx, again.Handle)
	require.NoError(t, err)
	assert.Equal(t, st.SessionID, restarted.SessionID, "no second recording")

	_, err = f.coord.StopRecording(ctx, again.Handle, st.SessionID)
	require.NoError(t, err)

	list, err := f.store.ListByStudio(ctx, f.studio.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.RecordingStatusUploading, list[0].Status)
	assert.NotNil(t, list[0].EndedAt)
	_, ok := list[0].Track(again.Self.ConnectionID)
	assert.True(t, ok, "rejoined host records onto the resumed recording")
}

func TestFailedOutcomeKeepsSessionStopping(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	host, _ := f.join(t, "Host", f.owner)
	guest, connB := f.join(t, "Guest", "")
	st, err := f.coord.StartRecording(ctx, host.Handle)
	require.NoError(t, err)
	_, err = f.coord.StopRecording(ctx, host.Handle, st.SessionID)
	require.NoError(t, err)
	connB.drain()

	assert.True(t, f.coord.HandleOutcome(events.Outcome{SessionID: st.SessionID, ParticipantID: guest.Self.ConnectionID, Result: events.ResultFailed, Error: "retries exhausted"}))
	var status RecordingStatusPayload
	connB.waitFor(t, EventRecordingStatus, &status)
	assert.Equal(t, events.ResultFailed, status.Status)
	assert.Equal(t, guest.Self.ConnectionID, status.ParticipantID)
	assert.Equal(t, PhaseStopping, host.Handle.Session.Recording().Phase)

	assert.False(t, f.coord.HandleOutcome(events.Outcome{SessionID: st.SessionID, Result: events.ResultProcessed}))
	assert.Equal(t, PhaseStopping, host.Handle.Session.Recording().Phase)

	assert.True(t, f.coord.HandleOutcome(events.Outcome{SessionID: st.SessionID, Result: events.ResultCompleted}))
	connB.waitFor(t, EventRecordingStatus, &status)
	assert.Equal(t, models.RecordingStatusCompleted, status.Status)
	assert.Equal(t, PhaseIdle, host.Handle.Session.Recording().Phase)
}

func TestJoinAdvertisesSettings(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.opts.Settings = &Settings{ICEServers: []string{"stun:stun.example.com:3478"}, SegmentDurationMs: 30000, UploadRetryDelayMs: 2000}
	res, _ := f.join(t, "Ana", "")

	payload := res.Payload()
	require.NotNil(t, payload.Settings)
	assert.Equal(t, 30*time.Second, payload.Settings.SegmentDuration())
	assert.Equal(t, 2*time.Second, payload.Settings.UploadRetryDelay())
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, payload.Settings.ICEURLs())

	var nilSettings *Settings
	assert.Zero(t, nilSettings.SegmentDuration())
	assert.Nil(t, nilSettings.ICEURLs())
}
