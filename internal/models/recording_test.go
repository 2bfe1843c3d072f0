package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{RecordingStatusRecording, RecordingStatusUploading, true},
		{RecordingStatusUploading, RecordingStatusProcessing, true},
		{RecordingStatusRecording, RecordingStatusCompleted, true},
		{RecordingStatusProcessing, RecordingStatusCompleted, true},
		{RecordingStatusProcessing, RecordingStatusUploading, false},
		{RecordingStatusUploading, RecordingStatusUploading, false},
		{RecordingStatusCompleted, RecordingStatusFailed, false},
		{RecordingStatusFailed, RecordingStatusProcessing, false},
		{RecordingStatusUploading, RecordingStatusFailed, true},
		{RecordingStatusRecording, "bogus", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestAllProcessed(t *testing.T) {
	rec := &Recording{}
	assert.False(t, rec.AllProcessed())

	rec.Tracks = []ParticipantTrack{
		{ParticipantID: "a", UploadComplete: true, Processed: true},
		{ParticipantID: "b", UploadComplete: true},
	}
	assert.False(t, rec.AllProcessed())

	tr, ok := rec.Track("b")
	assert.True(t, ok)
	tr.Processed = true
	assert.True(t, rec.AllProcessed())

	_, ok = rec.Track("c")
	assert.False(t, ok)
}

func TestStudioIsOwner(t *testing.T) {
	owner := uuid.New()
	s := &Studio{ID: uuid.New(), OwnerID: owner}
	assert.True(t, s.IsOwner(owner.String()))
	assert.False(t, s.IsOwner(""))
	assert.False(t, s.IsOwner("not-a-uuid"))
	assert.False(t, s.IsOwner(uuid.NewString()))
}
