package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/metrics"
	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/studios"
	"github.com/streamly-studio/backend/pkg/apperr"
	"github.com/streamly-studio/backend/pkg/queue"
	"github.com/streamly-studio/backend/pkg/storage"
)

// Notifier tells other processes about lifecycle changes they cannot observe locally.
type Notifier interface {
	RecordingDeleted(ctx context.Context, sessionID string) error
}

// TrackOwner names a participant who gets a track on a new recording.
type TrackOwner struct {
	ParticipantID string
	Name          string
}

// SegmentUpload describes one segment received from a participant.
type SegmentUpload struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	TrackType       string
	Index           int
	ContentType     string
}

// FinalizeRequest is a participant's declaration that all its segments were sent.
type FinalizeRequest struct {
	SessionID       string `json:"sessionId" binding:"required"`
	ParticipantID   string `json:"participantId" binding:"required"`
	ParticipantName string `json:"participantName"`
	VideoSegments   int    `json:"videoSegments"`
	AudioSegments   int    `json:"audioSegments"`
}

// FinalizeResult reports what a finalize call changed.
type FinalizeResult struct {
	AlreadyComplete bool `json:"alreadyComplete"`
	JobSubmitted    bool `json:"jobSubmitted"`
}

// Service owns the recording lifecycle: start, stop, segment intake, finalize and reconstruction dispatch.
type Service struct {
	store    Store
	objects  storage.ObjectStore
	jobs     queue.Dispatcher
	studios  studios.Resolver
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a recording service. notifier may be nil.
func NewService(store Store, objects storage.ObjectStore, jobs queue.Dispatcher, resolver studios.Resolver, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		objects:  objects,
		jobs:     jobs,
		studios:  resolver,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Store returns the underlying metadata store.
func (s *Service) Store() Store { return s.store }

// Start creates a recording with a fresh session id and one track per participant.
func (s *Service) Start(ctx context.Context, studioID uuid.UUID, hostID string, participants []TrackOwner) (*models.Recording, error) {
	rec := &models.Recording{
		StudioID:  studioID,
		SessionID: uuid.NewString(),
		HostID:    hostID,
		Status:    models.RecordingStatusRecording,
		StartedAt: s.now().UTC(),
	}
	for _, p := range participants {
		rec.Tracks = append(rec.Tracks, models.ParticipantTrack{ParticipantID: p.ParticipantID, ParticipantName: p.Name})
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	metrics.RecordingsTotal.WithLabelValues("started").Inc()
	s.logger.Info("recording started", zap.String("session_id", rec.SessionID), zap.String("studio_id", studioID.String()), zap.Int("participants", len(participants)))
	return rec, nil
}

// Active returns the studio's recording that is still capturing, or nil when there is none.
func (s *Service) Active(ctx context.Context, studioID uuid.UUID) (*models.Recording, error) {
	rec, err := s.store.ActiveByStudio(ctx, studioID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// AddParticipant gives a late joiner a track on an active recording.
func (s *Service) AddParticipant(ctx context.Context, sessionID string, p TrackOwner) error {
	return s.store.EnsureTrack(ctx, sessionID, p.ParticipantID, p.Name)
}

// Stop ends capture for a recording. It does not wait for uploads; tracks that are
// already finalized are dispatched for reconstruction.
func (s *Service) Stop(ctx context.Context, sessionID string) (*models.Recording, error) {
	rec, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	endedAt := s.now().UTC()
	duration := int(endedAt.Sub(rec.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	if err := s.store.MarkStopped(ctx, sessionID, endedAt, duration); err != nil {
		return nil, fmt.Errorf("mark stopped: %w", err)
	}
	metrics.RecordingsTotal.WithLabelValues("stopped").Inc()
	rec, err = s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.dispatchReady(ctx, rec); err != nil {
		s.logger.Error("dispatch after stop failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.logger.Info("recording stopped", zap.String("session_id", sessionID), zap.Int("duration", duration))
	return rec, nil
}

// dispatchReady submits a job for every uploaded but unprocessed track and moves the recording to processing.
func (s *Service) dispatchReady(ctx context.Context, rec *models.Recording) (int, error) {
	n := 0
	for _, t := range rec.Tracks {
		if !t.UploadComplete || t.Processed {
			continue
		}
		if err := s.submit(ctx, rec, t); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		if err := s.store.UpdateStatus(ctx, rec.SessionID, models.RecordingStatusProcessing); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Service) submit(ctx context.Context, rec *models.Recording, t models.ParticipantTrack) error {
	err := s.jobs.SubmitReconstruct(ctx, queue.ReconstructPayload{
		RecordingID:     rec.ID,
		SessionID:       rec.SessionID,
		ParticipantID:   t.ParticipantID,
		ParticipantName: t.ParticipantName,
		VideoSegments:   t.VideoSegments,
		AudioSegments:   t.AudioSegments,
	})
	if err != nil {
		return apperr.Transient(fmt.Errorf("submit reconstruct %s/%s: %w", rec.SessionID, t.ParticipantID, err))
	}
	s.logger.Info("reconstruction submitted", zap.String("session_id", rec.SessionID), zap.String("participant_id", t.ParticipantID))
	return nil
}

// StoreSegment writes a segment to object storage and counts it once per (track, index).
func (s *Service) StoreSegment(ctx context.Context, seg SegmentUpload, body io.Reader, size int64) error {
	if !models.ValidTrackType(seg.TrackType) {
		return apperr.Inconsistent("unknown track type %q", seg.TrackType)
	}
	if seg.Index < 0 {
		return apperr.Inconsistent("negative segment index %d", seg.Index)
	}
	rec, err := s.store.GetBySessionID(ctx, seg.SessionID)
	if err != nil {
		return err
	}
	if rec.Status == models.RecordingStatusFailed || rec.Status == models.RecordingStatusCompleted {
		return apperr.Inconsistent("recording %s is %s", seg.SessionID, rec.Status)
	}
	if t, ok := rec.Track(seg.ParticipantID); ok && t.UploadComplete {
		return apperr.Inconsistent("participant %s already finalized", seg.ParticipantID)
	}
	if err := s.store.EnsureTrack(ctx, seg.SessionID, seg.ParticipantID, seg.ParticipantName); err != nil {
		return err
	}

	key := storage.SegmentKey(seg.SessionID, seg.ParticipantID, seg.TrackType, seg.Index)
	if _, err := s.objects.Put(ctx, key, seg.ContentType, body, size); err != nil {
		metrics.RecordSegment(seg.TrackType, "failed", 0)
		return err
	}
	counted, err := s.store.RecordSegment(ctx, seg.SessionID, seg.ParticipantID, seg.TrackType, seg.Index, size)
	if err != nil {
		return fmt.Errorf("record segment: %w", err)
	}
	if counted {
		metrics.RecordSegment(seg.TrackType, "stored", size)
	} else {
		metrics.RecordSegment(seg.TrackType, "duplicate", 0)
	}
	s.logger.Debug("segment stored",
		zap.String("session_id", seg.SessionID),
		zap.String("participant_id", seg.ParticipantID),
		zap.String("track", seg.TrackType),
		zap.Int("index", seg.Index),
		zap.Bool("duplicate", !counted),
	)
	return nil
}

// Finalize marks a participant's upload complete after checking every declared segment is stored.
// Repeated calls are no-ops.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	var res FinalizeResult
	if req.VideoSegments < 0 || req.AudioSegments < 0 {
		return res, apperr.Inconsistent("negative segment totals")
	}
	rec, err := s.store.GetBySessionID(ctx, req.SessionID)
	if err != nil {
		return res, err
	}
	if t, ok := rec.Track(req.ParticipantID); ok && t.UploadComplete {
		res.AlreadyComplete = true
		return res, nil
	}
	if rec.Status == models.RecordingStatusFailed || rec.Status == models.RecordingStatusCompleted {
		return res, apperr.Inconsistent("recording %s is %s", req.SessionID, rec.Status)
	}
	if err := s.store.EnsureTrack(ctx, req.SessionID, req.ParticipantID, req.ParticipantName); err != nil {
		return res, err
	}

	for track, n := range map[string]int{models.TrackVideo: req.VideoSegments, models.TrackAudio: req.AudioSegments} {
		missing, err := s.missingSegments(ctx, req.SessionID, req.ParticipantID, track, n)
		if err != nil {
			return res, err
		}
		if len(missing) > 0 {
			return res, apperr.Inconsistent("%s segments missing for %s: %v", track, req.ParticipantID, missing)
		}
	}

	changed, err := s.store.MarkUploadComplete(ctx, req.SessionID, req.ParticipantID, req.VideoSegments, req.AudioSegments)
	if err != nil {
		return res, err
	}
	if !changed {
		res.AlreadyComplete = true
		return res, nil
	}
	s.logger.Info("participant upload finalized",
		zap.String("session_id", req.SessionID),
		zap.String("participant_id", req.ParticipantID),
		zap.Int("video_segments", req.VideoSegments),
		zap.Int("audio_segments", req.AudioSegments),
	)

	// Re-read after the write: a concurrent Stop either sees this track complete or we see it stopped.
	rec, err = s.store.GetBySessionID(ctx, req.SessionID)
	if err != nil {
		return res, err
	}
	if rec.Status == models.RecordingStatusRecording {
		return res, nil
	}
	t, ok := rec.Track(req.ParticipantID)
	if !ok {
		return res, apperr.NotFound("track %s in session %s", req.ParticipantID, req.SessionID)
	}
	if err := s.submit(ctx, rec, *t); err != nil {
		return res, err
	}
	res.JobSubmitted = true
	if err := s.store.UpdateStatus(ctx, req.SessionID, models.RecordingStatusProcessing); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) missingSegments(ctx context.Context, sessionID, participantID, track string, n int) ([]int, error) {
	var missing []int
	for i := 0; i < n; i++ {
		ok, err := s.objects.Exists(ctx, storage.SegmentKey(sessionID, participantID, track, i))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (s *Service) authorizeOwner(ctx context.Context, studioID uuid.UUID, identity string) error {
	st, err := s.studios.GetByID(ctx, studioID)
	if err != nil {
		return err
	}
	if !st.IsOwner(identity) {
		return apperr.NotAuthorized("studio %s", studioID)
	}
	return nil
}

// List returns a studio's recordings for its owner.
func (s *Service) List(ctx context.Context, studioID uuid.UUID, identity string) ([]models.Recording, error) {
	if err := s.authorizeOwner(ctx, studioID, identity); err != nil {
		return nil, err
	}
	list, err := s.store.ListByStudio(ctx, studioID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.Recording{}
	}
	return list, nil
}

// Get returns a recording with signed download URLs for every produced deliverable.
func (s *Service) Get(ctx context.Context, id uuid.UUID, identity string, ttl time.Duration) (*models.Recording, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeOwner(ctx, rec.StudioID, identity); err != nil {
		return nil, err
	}
	for i := range rec.Tracks {
		t := &rec.Tracks[i]
		if t.FinalVideoKey != "" {
			if t.VideoDownloadURL, err = s.objects.SignedURL(ctx, t.FinalVideoKey, ttl); err != nil {
				return nil, err
			}
		}
		if t.FinalAudioKey != "" {
			if t.AudioDownloadURL, err = s.objects.SignedURL(ctx, t.FinalAudioKey, ttl); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// Delete removes a recording's metadata. In-flight reconstruction is cancelled through the notifier;
// uploads for the session start failing with not found.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, identity string) error {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorizeOwner(ctx, rec.StudioID, identity); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	metrics.RecordingsTotal.WithLabelValues("deleted").Inc()
	s.logger.Info("recording deleted", zap.String("recording_id", id.String()), zap.String("session_id", rec.SessionID))
	if s.notifier != nil {
		if err := s.notifier.RecordingDeleted(ctx, rec.SessionID); err != nil {
			s.logger.Warn("publish recording-deleted failed", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}
	return nil
}

// Reprocess re-submits reconstruction for every uploaded track that is not processed yet.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID, identity string) (int, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := s.authorizeOwner(ctx, rec.StudioID, identity); err != nil {
		return 0, err
	}
	switch rec.Status {
	case models.RecordingStatusUploading, models.RecordingStatusProcessing:
	default:
		return 0, apperr.Inconsistent("recording is %s", rec.Status)
	}
	return s.dispatchReady(ctx, rec)
}
