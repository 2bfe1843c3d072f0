package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/events"
	"github.com/streamly-studio/backend/internal/metrics"
	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/recordings"
	"github.com/streamly-studio/backend/internal/studios"
	"github.com/streamly-studio/backend/pkg/apperr"
)

// DefaultStoppingTimeout is how long a stopped recording may hold a session before a new start is allowed.
const DefaultStoppingTimeout = 30 * time.Minute

// Recorder is the recording lifecycle the coordinator drives.
type Recorder interface {
	Start(ctx context.Context, studioID uuid.UUID, hostID string, participants []recordings.TrackOwner) (*models.Recording, error)
	// Active returns the studio's recording still capturing, nil when none.
	Active(ctx context.Context, studioID uuid.UUID) (*models.Recording, error)
	AddParticipant(ctx context.Context, sessionID string, p recordings.TrackOwner) error
	Stop(ctx context.Context, sessionID string) (*models.Recording, error)
}

// Handle identifies one joined connection.
type Handle struct {
	Session      *Session
	ConnectionID string
}

// JoinRequest names the studio by id or invite code.
type JoinRequest struct {
	StudioID    string
	InviteCode  string
	DisplayName string
	Identity    string
}

// JoinResult is the joiner's initial view of the session.
type JoinResult struct {
	Handle       *Handle
	Studio       *models.Studio
	Self         Participant
	Participants []Participant
	// SessionID is the active recording, empty when none is running.
	SessionID string
	Settings  *Settings
}

// Payload is what the joiner is sent as joined-studio.
func (r *JoinResult) Payload() JoinedPayload {
	return JoinedPayload{
		StudioID:     r.Studio.ID.String(),
		StudioName:   r.Studio.Name,
		Participant:  r.Self,
		Participants: r.Participants,
		IsRecording:  r.SessionID != "",
		SessionID:    r.SessionID,
		Settings:     r.Settings,
	}
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	StoppingTimeout time.Duration
	// Settings are sent to every joiner. Nil sends none and participants use their own defaults.
	Settings *Settings
}

// Coordinator tracks who is in each studio session, relays negotiation messages and drives
// the recording lifecycle.
type Coordinator struct {
	registry *Registry
	studios  studios.Resolver
	recorder Recorder
	opts     CoordinatorOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator over registry.
func NewCoordinator(registry *Registry, resolver studios.Resolver, recorder Recorder, opts CoordinatorOptions, logger *zap.Logger) *Coordinator {
	if opts.StoppingTimeout <= 0 {
		opts.StoppingTimeout = DefaultStoppingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry: registry,
		studios:  resolver,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry returns the session registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Join adds conn to the studio's session, creating the session if needed. Others are told
// about the new participant; a joiner during an active recording gets a track on it.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest, conn Conn) (*JoinResult, error) {
	studio, err := studios.Resolve(ctx, c.studios, req.StudioID, req.InviteCode)
	if err != nil {
		return nil, err
	}
	self := Participant{
		ConnectionID: uuid.NewString(),
		DisplayName:  req.DisplayName,
		Identity:     req.Identity,
		IsHost:       studio.IsOwner(req.Identity),
		JoinedAt:     c.now().UTC(),
	}
	if self.DisplayName == "" {
		self.DisplayName = "Guest"
	}

	for {
		s := c.registry.getOrCreate(studio)
		res, ok, err := c.joinSession(ctx, s, self, conn)
		if err != nil {
			return nil, err
		}
		if !ok {
			// torn down between lookup and insert; the next getOrCreate builds a fresh one
			c.registry.drop(s)
			continue
		}
		res.Settings = c.opts.Settings
		metrics.ConnectedParticipants.Inc()
		c.logger.Info("participant joined",
			zap.String("studio_id", studio.ID.String()),
			zap.String("connection_id", self.ConnectionID),
			zap.Bool("host", self.IsHost),
		)
		return res, nil
	}
}

func (c *Coordinator) joinSession(ctx context.Context, s *Session, self Participant, conn Conn) (*JoinResult, bool, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	rec := s.Recording()
	if rec.Phase == PhaseIdle && len(s.Participants()) == 0 {
		// A fresh session picks up a recording its previous participants left running.
		active, err := c.recorder.Active(ctx, s.Key())
		if err != nil {
			return nil, false, fmt.Errorf("load active recording: %w", err)
		}
		if active != nil {
			rec = RecordingState{Phase: PhaseRecording, SessionID: active.SessionID, RecordingID: active.ID, Since: active.StartedAt}
			s.setRecording(rec)
			c.logger.Info("resumed active recording", zap.String("studio_id", s.Key().String()), zap.String("session_id", active.SessionID))
		}
	}
	if rec.Phase == PhaseRecording {
		owner := recordings.TrackOwner{ParticipantID: self.ConnectionID, Name: self.DisplayName}
		if err := c.recorder.AddParticipant(ctx, rec.SessionID, owner); err != nil {
			return nil, false, fmt.Errorf("add participant to recording: %w", err)
		}
	}
	if !s.add(self, conn) {
		return nil, false, nil
	}
	msg, err := NewMessage(EventParticipantJoined, self)
	if err != nil {
		return nil, false, err
	}
	s.broadcast(msg, self.ConnectionID)

	res := &JoinResult{
		Handle:       &Handle{Session: s, ConnectionID: self.ConnectionID},
		Studio:       s.Studio,
		Self:         self,
		Participants: s.Participants(),
	}
	if rec.Phase == PhaseRecording {
		res.SessionID = rec.SessionID
	}
	return res, true, nil
}

// Leave removes the connection. The last leaver tears the session down. Recordings are
// never finalized here; capture and uploads run on the participant's side. Repeated calls are no-ops.
func (c *Coordinator) Leave(h *Handle) {
	s := h.Session
	p, found, empty := s.remove(h.ConnectionID)
	if !found {
		return
	}
	metrics.ConnectedParticipants.Dec()
	if empty {
		c.registry.drop(s)
	} else if msg, err := NewMessage(EventParticipantLeft, ParticipantLeftPayload{ParticipantID: p.ConnectionID, ParticipantName: p.DisplayName}); err == nil {
		s.broadcast(msg, "")
	}
	c.logger.Info("participant left",
		zap.String("studio_id", s.Key().String()),
		zap.String("connection_id", p.ConnectionID),
		zap.Bool("session_closed", empty),
	)
}

func (c *Coordinator) host(h *Handle) (Participant, error) {
	p, ok := h.Session.Participant(h.ConnectionID)
	if !ok {
		return Participant{}, apperr.NotFound("participant %s", h.ConnectionID)
	}
	if !p.IsHost {
		return Participant{}, apperr.NotAuthorized("only the studio owner can control recording")
	}
	return p, nil
}

// StartRecording creates a recording covering every current participant. A start while a
// recording is active returns the active session id.
func (c *Coordinator) StartRecording(ctx context.Context, h *Handle) (RecordingState, error) {
	p, err := c.host(h)
	if err != nil {
		return RecordingState{}, err
	}
	s := h.Session
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	cur := s.Recording()
	switch cur.Phase {
	case PhaseRecording:
		return cur, nil
	case PhaseStopping:
		if c.now().Sub(cur.Since) < c.opts.StoppingTimeout {
			return RecordingState{}, apperr.Inconsistent("recording %s is still stopping", cur.SessionID)
		}
		c.logger.Warn("abandoning stalled stopping recording", zap.String("session_id", cur.SessionID))
	}

	members := s.Participants()
	owners := make([]recordings.TrackOwner, 0, len(members))
	for _, m := range members {
		owners = append(owners, recordings.TrackOwner{ParticipantID: m.ConnectionID, Name: m.DisplayName})
	}
	rec, err := c.recorder.Start(ctx, s.Key(), p.Identity, owners)
	if err != nil {
		return RecordingState{}, err
	}
	st := RecordingState{Phase: PhaseRecording, SessionID: rec.SessionID, RecordingID: rec.ID, Since: rec.StartedAt}
	s.setRecording(st)

	msg, err := NewMessage(EventRecordingStarted, RecordingStartedPayload{SessionID: rec.SessionID, RecordingID: rec.ID.String(), StartedAt: rec.StartedAt})
	if err != nil {
		return st, err
	}
	s.broadcast(msg, "")
	return st, nil
}

// StopRecording ends capture for sessionID. It does not wait for uploads.
func (c *Coordinator) StopRecording(ctx context.Context, h *Handle, sessionID string) (RecordingStoppedPayload, error) {
	if _, err := c.host(h); err != nil {
		return RecordingStoppedPayload{}, err
	}
	s := h.Session
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	cur := s.Recording()
	if cur.Phase != PhaseRecording || cur.SessionID != sessionID {
		return RecordingStoppedPayload{}, apperr.Inconsistent("recording %s is not active", sessionID)
	}
	rec, err := c.recorder.Stop(ctx, sessionID)
	if err != nil {
		return RecordingStoppedPayload{}, err
	}
	s.setRecording(RecordingState{Phase: PhaseStopping, SessionID: sessionID, RecordingID: cur.RecordingID, Since: c.now()})

	out := RecordingStoppedPayload{SessionID: sessionID, Duration: rec.Duration}
	if rec.EndedAt != nil {
		out.EndedAt = *rec.EndedAt
	}
	msg, err := NewMessage(EventRecordingStopped, out)
	if err != nil {
		return out, err
	}
	s.broadcast(msg, "")
	return out, nil
}

// RecordingFinished returns a stopping session to idle once its recording reached a terminal status.
// It reports whether a live session was waiting for sessionID.
func (c *Coordinator) RecordingFinished(sessionID, status string) bool {
	s := c.sessionFor(sessionID)
	if s == nil {
		return false
	}
	s.lifecycle.Lock()
	if cur := s.Recording(); cur.SessionID == sessionID && cur.Phase == PhaseStopping {
		s.setRecording(RecordingState{})
	}
	s.lifecycle.Unlock()

	if msg, err := NewMessage(EventRecordingStatus, RecordingStatusPayload{SessionID: sessionID, Status: status}); err == nil {
		s.broadcast(msg, "")
	}
	c.logger.Info("recording finished", zap.String("session_id", sessionID), zap.String("status", status))
	return true
}

// HandleOutcome applies a reconstruction outcome from the event bus. Only a completed
// recording releases the session; a participant whose reconstruction failed is reported
// while the other tracks keep processing.
func (c *Coordinator) HandleOutcome(o events.Outcome) bool {
	switch o.Result {
	case events.ResultCompleted:
		return c.RecordingFinished(o.SessionID, models.RecordingStatusCompleted)
	case events.ResultFailed:
		s := c.sessionFor(o.SessionID)
		if s == nil {
			return false
		}
		msg, err := NewMessage(EventRecordingStatus, RecordingStatusPayload{
			SessionID:     o.SessionID,
			Status:        events.ResultFailed,
			ParticipantID: o.ParticipantID,
			Error:         o.Error,
		})
		if err == nil {
			s.broadcast(msg, "")
		}
		c.logger.Warn("participant reconstruction failed",
			zap.String("session_id", o.SessionID),
			zap.String("participant_id", o.ParticipantID),
			zap.String("error", o.Error),
		)
		return true
	}
	return false
}

// sessionFor finds the live session whose current recording is sessionID.
func (c *Coordinator) sessionFor(sessionID string) *Session {
	for _, s := range c.registry.Sessions() {
		if s.Recording().SessionID == sessionID {
			return s
		}
	}
	return nil
}

// Relay forwards a negotiation message to exactly one participant, stamped with the sender.
// data must be a JSON object; its "to" field names the target and is stripped.
func (c *Coordinator) Relay(h *Handle, event string, data json.RawMessage) error {
	if !IsRelayEvent(event) {
		return apperr.Inconsistent("event %q is not relayed", event)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return apperr.Inconsistent("relay payload must be an object")
	}
	var to string
	if raw, ok := fields["to"]; ok {
		_ = json.Unmarshal(raw, &to)
	}
	if to == "" {
		return apperr.Inconsistent("relay target missing")
	}
	delete(fields, "to")
	from, _ := json.Marshal(h.ConnectionID)
	fields["from"] = from

	msg, err := NewMessage(event, fields)
	if err != nil {
		return err
	}
	if !h.Session.send(to, msg) {
		metrics.RecordMessage(event, "no_target")
		return apperr.NotFound("participant %s", to)
	}
	return nil
}

// BroadcastEphemeral handles chat and mute toggles. Nothing is persisted.
func (c *Coordinator) BroadcastEphemeral(h *Handle, event string, data json.RawMessage) error {
	s := h.Session
	switch event {
	case EventChatMessage:
		var req ChatRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Message == "" {
			return apperr.Inconsistent("chat message required")
		}
		p, ok := s.Participant(h.ConnectionID)
		if !ok {
			return apperr.NotFound("participant %s", h.ConnectionID)
		}
		msg, err := NewMessage(EventChatMessage, ChatPayload{
			Message:    req.Message,
			SenderName: p.DisplayName,
			SenderID:   p.ConnectionID,
			Timestamp:  c.now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		s.broadcast(msg, h.ConnectionID)
		return nil

	case EventToggleAudio, EventToggleVideo:
		var req ToggleRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return apperr.Inconsistent("invalid toggle payload")
		}
		if !s.setMuted(h.ConnectionID, event == EventToggleAudio, req.Muted) {
			return apperr.NotFound("participant %s", h.ConnectionID)
		}
		out := EventVideoToggled
		if event == EventToggleAudio {
			out = EventAudioToggled
		}
		msg, err := NewMessage(out, TogglePayload{ParticipantID: h.ConnectionID, Muted: req.Muted})
		if err != nil {
			return err
		}
		s.broadcast(msg, h.ConnectionID)
		return nil
	}
	return apperr.Inconsistent("event %q is not broadcast", event)
}
