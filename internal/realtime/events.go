package realtime

import (
	"encoding/json"
	"time"
)

// Events sent by participants.
const (
	EventStartRecording = "start-recording"
	EventStopRecording  = "stop-recording"
	EventToggleAudio    = "toggle-audio"
	EventToggleVideo    = "toggle-video"
	EventChatMessage    = "chat-message"
	EventWebRTCOffer    = "webrtc-offer"
	EventWebRTCAnswer   = "webrtc-answer"
	EventWebRTCICE      = "webrtc-ice-candidate"
	EventLeave          = "leave-studio"
)

// Events sent by the coordinator.
const (
	EventJoined            = "joined-studio"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventRecordingStarted  = "recording-started"
	EventRecordingStopped  = "recording-stopped"
	EventRecordingStatus   = "recording-status"
	EventAudioToggled      = "participant-audio-toggled"
	EventVideoToggled      = "participant-video-toggled"
	EventError             = "error"
)

// IsRelayEvent reports whether event is forwarded opaquely to a single participant.
func IsRelayEvent(event string) bool {
	switch event {
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCICE:
		return true
	}
	return false
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(event string, payload interface{}) (WSMessage, error) {
	switch v := payload.(type) {
	case nil:
		return WSMessage{Event: event}, nil
	case json.RawMessage:
		return WSMessage{Event: event, Data: v}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Event: event, Data: data}, nil
}

// JoinedPayload is sent to a participant once it is in the session.
type JoinedPayload struct {
	StudioID     string        `json:"studioId"`
	StudioName   string        `json:"studioName"`
	Participant  Participant   `json:"participant"`
	Participants []Participant `json:"participants"`
	IsRecording  bool          `json:"isRecording"`
	SessionID    string        `json:"sessionId,omitempty"`
	Settings     *Settings     `json:"settings,omitempty"`
}

// Settings are the server's capture and connectivity defaults for participants.
type Settings struct {
	ICEServers         []string `json:"iceServers,omitempty"`
	SegmentDurationMs  int64    `json:"segmentDurationMs,omitempty"`
	UploadRetryDelayMs int64    `json:"uploadRetryDelayMs,omitempty"`
}

// SegmentDuration returns the advertised segment length, 0 when unset.
func (s *Settings) SegmentDuration() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.SegmentDurationMs) * time.Millisecond
}

// UploadRetryDelay returns the advertised retry delay, 0 when unset.
func (s *Settings) UploadRetryDelay() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.UploadRetryDelayMs) * time.Millisecond
}

// ICEURLs returns the advertised ICE server URLs.
func (s *Settings) ICEURLs() []string {
	if s == nil {
		return nil
	}
	return s.ICEServers
}

type ParticipantLeftPayload struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
}

type RecordingStartedPayload struct {
	SessionID   string    `json:"sessionId"`
	RecordingID string    `json:"recordingId"`
	StartedAt   time.Time `json:"startedAt"`
}

type RecordingStoppedPayload struct {
	SessionID string    `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
	Duration  int       `json:"duration"`
}

// RecordingStatusPayload reports a recording's post-stop progress. ParticipantID is set when
// the status concerns one participant's deliverables only.
type RecordingStatusPayload struct {
	SessionID     string `json:"sessionId"`
	Status        string `json:"status"`
	ParticipantID string `json:"participantId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StopRecordingRequest carries the session the host believes is active.
type StopRecordingRequest struct {
	SessionID string `json:"sessionId"`
}

type ToggleRequest struct {
	Muted bool `json:"muted"`
}

type TogglePayload struct {
	ParticipantID string `json:"participantId"`
	Muted         bool   `json:"muted"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatPayload struct {
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
	SenderID   string `json:"senderId"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorPayload is sent to the originator of a failed request.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
