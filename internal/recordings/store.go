package recordings

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/streamly-studio/backend/internal/models"
)

// Store persists recordings and their participant tracks.
// Implementations return apperr.ErrNotFound for unknown recordings or tracks and
// apperr.ErrInconsistent for status changes that would move backwards.
type Store interface {
	// Create inserts rec and its initial tracks; rec.ID and timestamps are filled in.
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.Recording, error)
	ListByStudio(ctx context.Context, studioID uuid.UUID) ([]models.Recording, error)
	// ActiveByStudio returns the studio's recording in recording status. A studio has at most one.
	ActiveByStudio(ctx context.Context, studioID uuid.UUID) (*models.Recording, error)
	// UpdateStatus moves the recording forward. Setting the current status again is a no-op.
	UpdateStatus(ctx context.Context, sessionID, status string) error
	// MarkStopped sets endedAt and duration and moves status to uploading.
	MarkStopped(ctx context.Context, sessionID string, endedAt time.Time, duration int) error
	// EnsureTrack adds a participant track if missing.
	EnsureTrack(ctx context.Context, sessionID, participantID, participantName string) error
	// RecordSegment counts one stored segment. Returns false if (track, index) was already counted.
	RecordSegment(ctx context.Context, sessionID, participantID, trackType string, index int, size int64) (bool, error)
	// MarkUploadComplete sets the per-type totals and uploadComplete. Returns false if the track was already complete.
	MarkUploadComplete(ctx context.Context, sessionID, participantID string, videoSegments, audioSegments int) (bool, error)
	MarkProcessed(ctx context.Context, sessionID, participantID, videoKey, audioKey string) error
	// CompleteIfAllProcessed moves the recording to completed when every track is uploaded and processed.
	CompleteIfAllProcessed(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
