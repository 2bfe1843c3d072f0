package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents recording lifecycle.
const (
	RecordingStatusRecording  = "recording"
	RecordingStatusUploading  = "uploading"
	RecordingStatusProcessing = "processing"
	RecordingStatusCompleted  = "completed"
	RecordingStatusFailed     = "failed"
)

// Track types of a participant's segments.
const (
	TrackVideo = "video"
	TrackAudio = "audio"
)

var statusRank = map[string]int{
	RecordingStatusRecording:  0,
	RecordingStatusUploading:  1,
	RecordingStatusProcessing: 2,
	RecordingStatusCompleted:  3,
}

// CanTransition reports whether a recording may move from one status to another.
// Status only moves forward; failed is reachable from any non-terminal status.
func CanTransition(from, to string) bool {
	if from == RecordingStatusCompleted || from == RecordingStatusFailed {
		return false
	}
	if to == RecordingStatusFailed {
		return true
	}
	f, okFrom := statusRank[from]
	t, okTo := statusRank[to]
	return okFrom && okTo && t > f
}

// ValidTrackType reports whether t names a segment track type.
func ValidTrackType(t string) bool {
	return t == TrackVideo || t == TrackAudio
}

// Recording is one capture-and-upload cycle of a studio session.
type Recording struct {
	ID        uuid.UUID          `json:"id"`
	StudioID  uuid.UUID          `json:"studio_id"`
	SessionID string             `json:"session_id"`
	HostID    string             `json:"host_id"`
	Status    string             `json:"status"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	Duration  int                `json:"duration"`
	Tracks    []ParticipantTrack `json:"participants"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Track returns the participant track with the given id.
func (r *Recording) Track(participantID string) (*ParticipantTrack, bool) {
	for i := range r.Tracks {
		if r.Tracks[i].ParticipantID == participantID {
			return &r.Tracks[i], true
		}
	}
	return nil, false
}

// AllProcessed reports whether every track finished upload and reconstruction.
func (r *Recording) AllProcessed() bool {
	if len(r.Tracks) == 0 {
		return false
	}
	for _, t := range r.Tracks {
		if !t.UploadComplete || !t.Processed {
			return false
		}
	}
	return true
}

// ParticipantTrack is the per-participant upload and reconstruction state of a recording.
type ParticipantTrack struct {
	ParticipantID   string `json:"participant_id"`
	ParticipantName string `json:"participant_name"`
	ChunkCount      int    `json:"chunk_count"`
	VideoSegments   int    `json:"video_segments"`
	AudioSegments   int    `json:"audio_segments"`
	UploadComplete  bool   `json:"upload_complete"`
	Processed       bool   `json:"processed"`
	FinalVideoKey   string `json:"final_video_key,omitempty"`
	FinalAudioKey   string `json:"final_audio_key,omitempty"`
	// Download URLs are filled only in API responses.
	VideoDownloadURL string `json:"video_download_url,omitempty"`
	AudioDownloadURL string `json:"audio_download_url,omitempty"`
}
