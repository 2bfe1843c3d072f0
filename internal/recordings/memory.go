package recordings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/pkg/apperr"
)

type segmentID struct {
	sessionID     string
	participantID string
	trackType     string
	index         int
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	bySession map[string]*models.Recording
	segments  map[segmentID]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySession: make(map[string]*models.Recording),
		segments:  make(map[segmentID]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, rec *models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySession[rec.SessionID]; ok {
		return apperr.Inconsistent("recording for session %s already exists", rec.SessionID)
	}
	if rec.Status == models.RecordingStatusRecording {
		for _, other := range m.bySession {
			if other.StudioID == rec.StudioID && other.Status == models.RecordingStatusRecording {
				return apperr.Inconsistent("studio %s already has active recording %s", rec.StudioID, other.SessionID)
			}
		}
	}
	now := time.Now()
	rec.ID = uuid.New()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := copyRecording(rec)
	m.bySession[rec.SessionID] = cp
	return nil
}

func copyRecording(rec *models.Recording) *models.Recording {
	cp := *rec
	cp.Tracks = append([]models.ParticipantTrack{}, rec.Tracks...)
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.bySession {
		if rec.ID == id {
			return copyRecording(rec), nil
		}
	}
	return nil, apperr.NotFound("recording")
}

func (m *MemoryStore) GetBySessionID(_ context.Context, sessionID string) (*models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bySession[sessionID]
	if !ok {
		return nil, apperr.NotFound("recording for session %s", sessionID)
	}
	return copyRecording(rec), nil
}

func (m *MemoryStore) ListByStudio(_ context.Context, studioID uuid.UUID) ([]models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Recording
	for _, rec := range m.bySession {
		if rec.StudioID == studioID {
			list = append(list, *copyRecording(rec))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (m *MemoryStore) ActiveByStudio(_ context.Context, studioID uuid.UUID) (*models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.bySession {
		if rec.StudioID == studioID && rec.Status == models.RecordingStatusRecording {
			return copyRecording(rec), nil
		}
	}
	return nil, apperr.NotFound("active recording for studio %s", studioID)
}

func (m *MemoryStore) lookup(sessionID string) (*models.Recording, error) {
	rec, ok := m.bySession[sessionID]
	if !ok {
		return nil, apperr.NotFound("recording for session %s", sessionID)
	}
	return rec, nil
}

func (m *MemoryStore) lookupTrack(sessionID, participantID string) (*models.Recording, *models.ParticipantTrack, error) {
	rec, err := m.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	t, ok := rec.Track(participantID)
	if !ok {
		return nil, nil, apperr.NotFound("track %s in session %s", participantID, sessionID)
	}
	return rec, t, nil
}

func setStatus(rec *models.Recording, status string) error {
	if rec.Status == status {
		return nil
	}
	if !models.CanTransition(rec.Status, status) {
		return apperr.Inconsistent("recording %s cannot move from %s to %s", rec.SessionID, rec.Status, status)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, sessionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return setStatus(rec, status)
}

func (m *MemoryStore) MarkStopped(_ context.Context, sessionID string, endedAt time.Time, duration int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := setStatus(rec, models.RecordingStatusUploading); err != nil {
		return err
	}
	rec.EndedAt = &endedAt
	rec.Duration = duration
	return nil
}

func (m *MemoryStore) EnsureTrack(_ context.Context, sessionID, participantID, participantName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, ok := rec.Track(participantID); ok {
		return nil
	}
	rec.Tracks = append(rec.Tracks, models.ParticipantTrack{ParticipantID: participantID, ParticipantName: participantName})
	return nil
}

func (m *MemoryStore) RecordSegment(_ context.Context, sessionID, participantID, trackType string, index int, _ int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t, err := m.lookupTrack(sessionID, participantID)
	if err != nil {
		return false, err
	}
	id := segmentID{sessionID, participantID, trackType, index}
	if _, ok := m.segments[id]; ok {
		return false, nil
	}
	m.segments[id] = struct{}{}
	t.ChunkCount++
	return true, nil
}

func (m *MemoryStore) MarkUploadComplete(_ context.Context, sessionID, participantID string, videoSegments, audioSegments int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t, err := m.lookupTrack(sessionID, participantID)
	if err != nil {
		return false, err
	}
	if t.UploadComplete {
		return false, nil
	}
	t.UploadComplete = true
	t.VideoSegments = videoSegments
	t.AudioSegments = audioSegments
	return true, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, sessionID, participantID, videoKey, audioKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t, err := m.lookupTrack(sessionID, participantID)
	if err != nil {
		return err
	}
	t.Processed = true
	t.FinalVideoKey = videoKey
	t.FinalAudioKey = audioKey
	return nil
}

func (m *MemoryStore) CompleteIfAllProcessed(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookup(sessionID)
	if err != nil {
		return false, err
	}
	if rec.Status != models.RecordingStatusUploading && rec.Status != models.RecordingStatusProcessing {
		return false, nil
	}
	if !rec.AllProcessed() {
		return false, nil
	}
	return true, setStatus(rec, models.RecordingStatusCompleted)
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, rec := range m.bySession {
		if rec.ID == id {
			delete(m.bySession, sid)
			for seg := range m.segments {
				if seg.sessionID == sid {
					delete(m.segments, seg)
				}
			}
			return nil
		}
	}
	return apperr.NotFound("recording")
}
