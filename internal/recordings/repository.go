package recordings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/pkg/apperr"
)

// Repository handles recording persistence in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

const recordingColumns = `id, studio_id, session_id, host_id, status, started_at, ended_at, duration, created_at, updated_at`

// Create inserts a new recording and its initial tracks in one transaction.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `INSERT INTO recordings (studio_id, session_id, host_id, status, started_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at`
		if err := tx.QueryRow(ctx, q, rec.StudioID, rec.SessionID, rec.HostID, rec.Status, rec.StartedAt).
			Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return apperr.Inconsistent("studio %s already has an active recording", rec.StudioID)
			}
			return err
		}
		for _, t := range rec.Tracks {
			if err := insertTrack(ctx, tx, rec.SessionID, t.ParticipantID, t.ParticipantName); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTrack(ctx context.Context, tx pgx.Tx, sessionID, participantID, name string) error {
	const q = `INSERT INTO recording_tracks (session_id, participant_id, participant_name) VALUES ($1, $2, $3)
		ON CONFLICT (session_id, participant_id) DO NOTHING`
	_, err := tx.Exec(ctx, q, sessionID, participantID, name)
	return err
}

// GetByID returns a recording with its tracks.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	return r.getOne(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id)
}

// GetBySessionID returns a recording by its session id.
func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (*models.Recording, error) {
	return r.getOne(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE session_id = $1`, sessionID)
}

func (r *Repository) getOne(ctx context.Context, q string, arg interface{}) (*models.Recording, error) {
	rec, err := scanRecording(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("recording")
		}
		return nil, err
	}
	tracks, err := r.tracks(ctx, rec.SessionID)
	if err != nil {
		return nil, err
	}
	rec.Tracks = tracks
	return rec, nil
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.StudioID, &rec.SessionID, &rec.HostID, &rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.Duration, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) tracks(ctx context.Context, sessionID string) ([]models.ParticipantTrack, error) {
	const q = `SELECT participant_id, participant_name, chunk_count, video_segments, audio_segments, upload_complete, processed, final_video_key, final_audio_key
		FROM recording_tracks WHERE session_id = $1 ORDER BY joined_at, participant_id`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.ParticipantTrack{}
	for rows.Next() {
		var t models.ParticipantTrack
		if err := rows.Scan(&t.ParticipantID, &t.ParticipantName, &t.ChunkCount, &t.VideoSegments, &t.AudioSegments, &t.UploadComplete, &t.Processed, &t.FinalVideoKey, &t.FinalAudioKey); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// ActiveByStudio returns the recording still capturing in a studio.
func (r *Repository) ActiveByStudio(ctx context.Context, studioID uuid.UUID) (*models.Recording, error) {
	return r.getOne(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE studio_id = $1 AND status = 'recording' ORDER BY started_at DESC LIMIT 1`, studioID)
}

// ListByStudio returns all recordings of a studio, newest first.
func (r *Repository) ListByStudio(ctx context.Context, studioID uuid.UUID) ([]models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings WHERE studio_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, studioID)
	if err != nil {
		return nil, err
	}
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, *rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range list {
		tracks, err := r.tracks(ctx, list[i].SessionID)
		if err != nil {
			return nil, err
		}
		list[i].Tracks = tracks
	}
	return list, nil
}

// UpdateStatus moves status forward under a row lock.
func (r *Repository) UpdateStatus(ctx context.Context, sessionID, status string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return updateStatusTx(ctx, tx, sessionID, status)
	})
}

func updateStatusTx(ctx context.Context, tx pgx.Tx, sessionID, status string) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM recordings WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("recording for session %s", sessionID)
		}
		return err
	}
	if current == status {
		return nil
	}
	if !models.CanTransition(current, status) {
		return apperr.Inconsistent("recording %s cannot move from %s to %s", sessionID, current, status)
	}
	_, err = tx.Exec(ctx, `UPDATE recordings SET status = $1, updated_at = NOW() WHERE session_id = $2`, status, sessionID)
	return err
}

// MarkStopped records the end of capture.
func (r *Repository) MarkStopped(ctx context.Context, sessionID string, endedAt time.Time, duration int) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := updateStatusTx(ctx, tx, sessionID, models.RecordingStatusUploading); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE recordings SET ended_at = $1, duration = $2, updated_at = NOW() WHERE session_id = $3`, endedAt, duration, sessionID)
		return err
	})
}

// EnsureTrack adds a participant row for a late joiner.
func (r *Repository) EnsureTrack(ctx context.Context, sessionID, participantID, participantName string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recordings WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.NotFound("recording for session %s", sessionID)
		}
		return insertTrack(ctx, tx, sessionID, participantID, participantName)
	})
}

// RecordSegment inserts the segment row and bumps chunk_count only on first insert.
func (r *Repository) RecordSegment(ctx context.Context, sessionID, participantID, trackType string, index int, size int64) (bool, error) {
	var counted bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const ins = `INSERT INTO recording_segments (session_id, participant_id, track_type, idx, size_bytes)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
		tag, err := tx.Exec(ctx, ins, sessionID, participantID, trackType, index, size)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		const upd = `UPDATE recording_tracks SET chunk_count = chunk_count + 1 WHERE session_id = $1 AND participant_id = $2`
		tag, err = tx.Exec(ctx, upd, sessionID, participantID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("track %s in session %s", participantID, sessionID)
		}
		counted = true
		return nil
	})
	return counted, err
}

// MarkUploadComplete sets totals once.
func (r *Repository) MarkUploadComplete(ctx context.Context, sessionID, participantID string, videoSegments, audioSegments int) (bool, error) {
	const q = `UPDATE recording_tracks SET upload_complete = TRUE, video_segments = $3, audio_segments = $4
		WHERE session_id = $1 AND participant_id = $2 AND NOT upload_complete`
	tag, err := r.pool.Exec(ctx, q, sessionID, participantID, videoSegments, audioSegments)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recording_tracks WHERE session_id = $1 AND participant_id = $2)`, sessionID, participantID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, apperr.NotFound("track %s in session %s", participantID, sessionID)
	}
	return false, nil
}

// MarkProcessed records the deliverable keys of one track.
func (r *Repository) MarkProcessed(ctx context.Context, sessionID, participantID, videoKey, audioKey string) error {
	const q = `UPDATE recording_tracks SET processed = TRUE, final_video_key = $3, final_audio_key = $4
		WHERE session_id = $1 AND participant_id = $2`
	tag, err := r.pool.Exec(ctx, q, sessionID, participantID, videoKey, audioKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("track %s in session %s", participantID, sessionID)
	}
	return nil
}

// CompleteIfAllProcessed is a single guarded UPDATE so concurrent workers complete the recording once.
func (r *Repository) CompleteIfAllProcessed(ctx context.Context, sessionID string) (bool, error) {
	const q = `UPDATE recordings SET status = 'completed', updated_at = NOW()
		WHERE session_id = $1 AND status IN ('uploading', 'processing')
		AND EXISTS (SELECT 1 FROM recording_tracks WHERE session_id = $1)
		AND NOT EXISTS (SELECT 1 FROM recording_tracks WHERE session_id = $1 AND NOT (upload_complete AND processed))`
	tag, err := r.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a recording; tracks and segment rows cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("recording")
	}
	return nil
}
