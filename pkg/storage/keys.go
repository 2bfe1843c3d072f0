package storage

import (
	"fmt"
	"path"
)

// FolderRecordings is the prefix for every recording object.
const FolderRecordings = "recordings"

// Deliverable file names under a participant's prefix.
const (
	FinalVideoName = "final_video.mp4"
	FinalAudioName = "final_audio.wav"
)

// segmentExt maps a track type to the container extension the capture encoder produces.
var segmentExt = map[string]string{
	"video": ".ivf",
	"audio": ".ogg",
}

// SegmentExt returns the file extension for segments of trackType.
func SegmentExt(trackType string) string {
	if ext, ok := segmentExt[trackType]; ok {
		return ext
	}
	return ".bin"
}

// ParticipantPrefix returns recordings/{session_id}/{participant_id}.
func ParticipantPrefix(sessionID, participantID string) string {
	return path.Join(FolderRecordings, sessionID, participantID)
}

// SegmentKey returns recordings/{session_id}/{participant_id}/{track}_chunk_{index:05d}{ext}.
func SegmentKey(sessionID, participantID, trackType string, index int) string {
	return path.Join(ParticipantPrefix(sessionID, participantID), SegmentName(trackType, index))
}

// SegmentName returns the file name of a segment without its prefix.
func SegmentName(trackType string, index int) string {
	return fmt.Sprintf("%s_chunk_%05d%s", trackType, index, SegmentExt(trackType))
}

// FinalVideoKey returns the deliverable video key for a participant.
func FinalVideoKey(sessionID, participantID string) string {
	return path.Join(ParticipantPrefix(sessionID, participantID), FinalVideoName)
}

// FinalAudioKey returns the deliverable audio key for a participant.
func FinalAudioKey(sessionID, participantID string) string {
	return path.Join(ParticipantPrefix(sessionID, participantID), FinalAudioName)
}

// SegmentContentType is the default content type for segments of trackType.
func SegmentContentType(trackType string) string {
	switch trackType {
	case "video":
		return "video/x-ivf"
	case "audio":
		return "audio/ogg"
	}
	return "application/octet-stream"
}
