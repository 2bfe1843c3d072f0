// Package participant runs a headless studio participant: it joins over the coordinator
// websocket, keeps one peer link per remote participant and records its own media into
// segments while the host records.
package participant

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/capture"
	"github.com/streamly-studio/backend/internal/client"
	"github.com/streamly-studio/backend/internal/peer"
	"github.com/streamly-studio/backend/internal/realtime"
	"github.com/streamly-studio/backend/internal/upload"
)

const defaultFinalizeTimeout = 10 * time.Minute

// Transport is the coordinator connection the agent drives.
type Transport interface {
	peer.Signaler
	ID() string
	Joined() realtime.JoinedPayload
	On(event string, h client.Handler)
	Send(event string, payload interface{}) error
}

// Uploads stores segments and reports manifests; *client.API implements it.
type Uploads interface {
	upload.Uploader
	upload.Finalizer
}

// Options configures an Agent.
type Options struct {
	// SegmentDuration, UploadRetryDelay and ICEServers default to the server's join settings.
	SegmentDuration  time.Duration
	UploadRetryDelay time.Duration
	FinalizeTimeout  time.Duration
	ICEServers       []webrtc.ICEServer
	// Tracks are published to every remote participant.
	Tracks []webrtc.TrackLocal
	// OnRemoteTrack is called for every incoming remote track. May be nil.
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	Logger        *zap.Logger
}

type capturing struct {
	sessionID string
	recorder  *capture.Recorder
	pipeline  *upload.Pipeline
}

// Agent reacts to coordinator events on behalf of one participant.
type Agent struct {
	transport Transport
	uploads   Uploads
	mesh      *peer.Mesh
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *capturing
	wg      sync.WaitGroup
}

// New wires an agent to transport. Call Start once the handlers may run.
func New(transport Transport, uploads Uploads, opts Options) (*Agent, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	// Unset options follow what the server advertised on join.
	settings := transport.Joined().Settings
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = settings.SegmentDuration()
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = capture.DefaultSegmentDuration
	}
	if opts.UploadRetryDelay <= 0 {
		opts.UploadRetryDelay = settings.UploadRetryDelay()
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = peer.ICEServers(settings.ICEURLs())
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}
	api, err := peer.NewAPI()
	if err != nil {
		return nil, err
	}
	a := &Agent{
		transport: transport,
		uploads:   uploads,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("participant_id", transport.ID())),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.mesh = peer.NewMesh(api, webrtc.Configuration{ICEServers: opts.ICEServers}, opts.Tracks, transport, opts.OnRemoteTrack, a.logger)

	transport.On(realtime.EventParticipantJoined, a.onJoined)
	transport.On(realtime.EventParticipantLeft, a.onLeft)
	transport.On(realtime.EventRecordingStarted, a.onRecordingStarted)
	transport.On(realtime.EventRecordingStopped, a.onRecordingStopped)
	transport.On(realtime.EventRecordingStatus, a.onRecordingStatus)
	transport.On(realtime.EventError, a.onError)
	for _, ev := range []string{peer.EventOffer, peer.EventAnswer, peer.EventCandidate} {
		ev := ev
		transport.On(ev, func(data json.RawMessage) error { return a.mesh.Handle(ev, data) })
	}
	return a, nil
}

// Start offers to every participant already in the session and joins an active recording.
func (a *Agent) Start() error {
	joined := a.transport.Joined()
	for _, p := range joined.Participants {
		if p.ConnectionID == a.transport.ID() {
			continue
		}
		if err := a.mesh.Connect(p.ConnectionID); err != nil {
			a.logger.Warn("connect to participant", zap.String("remote_id", p.ConnectionID), zap.Error(err))
		}
	}
	if joined.IsRecording && joined.SessionID != "" {
		a.startCapture(joined.SessionID)
	}
	return nil
}

// WriteRTP feeds a local packet into the active recording. Packets outside a recording are dropped.
func (a *Agent) WriteRTP(track string, pkt *rtp.Packet) {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur == nil {
		return
	}
	_ = cur.recorder.WriteRTP(track, pkt)
}

// Recording returns the session being captured, "" when idle.
func (a *Agent) Recording() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.sessionID
}

// StartRecording asks the coordinator to start recording. Only the host may.
func (a *Agent) StartRecording() error {
	return a.transport.Send(realtime.EventStartRecording, nil)
}

// StopRecording asks the coordinator to stop the recording being captured.
func (a *Agent) StopRecording() error {
	sid := a.Recording()
	if sid == "" {
		sid = a.transport.Joined().SessionID
	}
	return a.transport.Send(realtime.EventStopRecording, realtime.StopRecordingRequest{SessionID: sid})
}

// Close stops capture, waits for pending finalizations and tears down every peer link.
func (a *Agent) Close() {
	a.stopCapture("")
	a.wg.Wait()
	a.cancel()
	a.mesh.Close()
}

func (a *Agent) startCapture(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		if a.current.sessionID == sessionID {
			return
		}
		a.logger.Warn("new recording while capturing; finalizing previous", zap.String("previous", a.current.sessionID))
		a.finishLocked()
	}
	self := a.transport.Joined().Participant
	pipeline := upload.New(a.ctx, a.uploads, a.uploads, upload.Options{
		RetryDelay: a.opts.UploadRetryDelay,
		Logger:     a.logger,
		OnError: func(seg upload.Segment, err error) {
			a.logger.Error("segment rejected", zap.String("track", seg.Track), zap.Int("index", seg.Index), zap.Error(err))
		},
	})
	rec := capture.NewRecorder(sessionID, self.ConnectionID, self.DisplayName, a.opts.SegmentDuration, pipeline, a.logger)
	a.current = &capturing{sessionID: sessionID, recorder: rec, pipeline: pipeline}
	a.logger.Info("capture started", zap.String("session_id", sessionID))
}

// stopCapture ends capture of sessionID ("" for any) and finalizes in the background.
func (a *Agent) stopCapture(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || (sessionID != "" && a.current.sessionID != sessionID) {
		return
	}
	a.finishLocked()
}

func (a *Agent) finishLocked() {
	cur := a.current
	a.current = nil
	cur.recorder.Stop()
	self := a.transport.Joined().Participant
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cur.pipeline.Close()
		ctx, cancel := context.WithTimeout(a.ctx, a.opts.FinalizeTimeout)
		defer cancel()
		if err := cur.pipeline.Finalize(ctx, cur.sessionID, self.ConnectionID, self.DisplayName); err != nil {
			a.logger.Error("finalize upload", zap.String("session_id", cur.sessionID), zap.Error(err))
			return
		}
		st := cur.pipeline.Stats()
		a.logger.Info("upload complete", zap.String("session_id", cur.sessionID), zap.Int("uploaded", st.Uploaded), zap.Int("dropped", st.Dropped))
	}()
}

func (a *Agent) onJoined(data json.RawMessage) error {
	var p realtime.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	// the joiner offers; we wait for its offer
	a.logger.Info("participant joined", zap.String("remote_id", p.ConnectionID), zap.String("name", p.DisplayName))
	return nil
}

func (a *Agent) onLeft(data json.RawMessage) error {
	var p realtime.ParticipantLeftPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	a.mesh.Remove(p.ParticipantID)
	a.logger.Info("participant left", zap.String("remote_id", p.ParticipantID))
	return nil
}

func (a *Agent) onRecordingStarted(data json.RawMessage) error {
	var p realtime.RecordingStartedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	a.startCapture(p.SessionID)
	return nil
}

func (a *Agent) onRecordingStopped(data json.RawMessage) error {
	var p realtime.RecordingStoppedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	a.stopCapture(p.SessionID)
	return nil
}

func (a *Agent) onRecordingStatus(data json.RawMessage) error {
	var p realtime.RecordingStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	a.logger.Info("recording status", zap.String("session_id", p.SessionID), zap.String("status", p.Status))
	return nil
}

func (a *Agent) onError(data json.RawMessage) error {
	var p realtime.ErrorPayload
	_ = json.Unmarshal(data, &p)
	a.logger.Warn("coordinator rejected request", zap.String("event", p.Event), zap.String("message", p.Message))
	return nil
}
