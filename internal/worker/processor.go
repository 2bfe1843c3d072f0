package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamly-studio/backend/internal/events"
	"github.com/streamly-studio/backend/internal/media"
	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/recordings"
	"github.com/streamly-studio/backend/pkg/apperr"
	"github.com/streamly-studio/backend/pkg/queue"
	"github.com/streamly-studio/backend/pkg/storage"
)

// ErrDataLoss is returned when a declared segment is absent from storage.
var ErrDataLoss = errors.New("segments missing from storage")

// Job results beyond the bus outcomes.
const (
	resultSkipped = "skipped"
)

const downloadConcurrency = 4

// Outcomes publishes reconstruction results.
type Outcomes interface {
	PublishOutcome(ctx context.Context, o events.Outcome) error
}

// Reconstructor rebuilds one participant's deliverables. Returned results are bus outcome results or "skipped".
type Reconstructor interface {
	Reconstruct(ctx context.Context, job queue.ReconstructPayload) (string, error)
}

// Processor downloads a participant's segments, joins them per track type, transcodes the
// deliverables, uploads them and records the result.
type Processor struct {
	store    recordings.Store
	objects  storage.ObjectStore
	media    media.Transcoder
	outcomes Outcomes
	scratch  string
	logger   *zap.Logger
}

// NewProcessor creates a processor working under scratchDir.
func NewProcessor(store recordings.Store, objects storage.ObjectStore, transcoder media.Transcoder, outcomes Outcomes, scratchDir string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scratchDir == "" {
		scratchDir = filepath.Join(os.TempDir(), "studio-worker")
	}
	return &Processor{store: store, objects: objects, media: transcoder, outcomes: outcomes, scratch: scratchDir, logger: logger}
}

// ScratchDir returns the scratch directory of one job.
func (p *Processor) ScratchDir(sessionID, participantID string) string {
	return filepath.Join(p.scratch, sessionID, participantID)
}

// Reconstruct runs one job. Already processed tracks and deleted recordings are skipped.
func (p *Processor) Reconstruct(ctx context.Context, job queue.ReconstructPayload) (string, error) {
	log := p.logger.With(zap.String("session_id", job.SessionID), zap.String("participant_id", job.ParticipantID))

	rec, err := p.store.GetBySessionID(ctx, job.SessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Info("recording gone, dropping job")
		return resultSkipped, nil
	}
	if err != nil {
		return "", err
	}
	track, ok := rec.Track(job.ParticipantID)
	if !ok {
		log.Warn("no track for participant, dropping job")
		return resultSkipped, nil
	}
	if track.Processed || rec.Status == models.RecordingStatusCompleted || rec.Status == models.RecordingStatusFailed {
		log.Info("track already settled", zap.Bool("processed", track.Processed), zap.String("status", rec.Status))
		return resultSkipped, nil
	}

	dir := p.ScratchDir(job.SessionID, job.ParticipantID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create scratch: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("scratch cleanup failed", zap.Error(err))
		}
	}()

	videoKey, audioKey, err := p.build(ctx, dir, job)
	if errors.Is(err, ErrDataLoss) {
		// Status and the track stay as they are so the recording can be resubmitted once the
		// segments are back in storage.
		log.Error("reconstruction impossible", zap.Error(err))
		p.publish(ctx, events.Outcome{SessionID: job.SessionID, ParticipantID: job.ParticipantID, Result: events.ResultFailed, Error: err.Error()})
		return events.ResultFailed, err
	}
	if err != nil {
		return "", err
	}

	if err := p.store.MarkProcessed(ctx, job.SessionID, job.ParticipantID, videoKey, audioKey); err != nil {
		return "", fmt.Errorf("mark processed: %w", err)
	}
	completed, err := p.store.CompleteIfAllProcessed(ctx, job.SessionID)
	if err != nil {
		return "", fmt.Errorf("complete recording: %w", err)
	}
	result := events.ResultProcessed
	if completed {
		result = events.ResultCompleted
	}
	p.publish(ctx, events.Outcome{SessionID: job.SessionID, ParticipantID: job.ParticipantID, Result: result})
	log.Info("reconstruction finished", zap.String("result", result), zap.String("video_key", videoKey), zap.String("audio_key", audioKey))
	return result, nil
}

func (p *Processor) publish(ctx context.Context, o events.Outcome) {
	if p.outcomes == nil {
		return
	}
	if err := p.outcomes.PublishOutcome(ctx, o); err != nil {
		p.logger.Warn("publish outcome failed", zap.String("session_id", o.SessionID), zap.Error(err))
	}
}

// build produces and uploads the deliverables, returning their keys ("" when a deliverable has no source).
func (p *Processor) build(ctx context.Context, dir string, job queue.ReconstructPayload) (string, string, error) {
	videoFiles, err := p.download(ctx, dir, job, models.TrackVideo, job.VideoSegments)
	if err != nil {
		return "", "", err
	}
	audioFiles, err := p.download(ctx, dir, job, models.TrackAudio, job.AudioSegments)
	if err != nil {
		return "", "", err
	}

	var videoJoined, audioJoined string
	if len(videoFiles) > 0 {
		videoJoined = filepath.Join(dir, "video.mkv")
		if err := p.concat(ctx, dir, "video", videoFiles, videoJoined); err != nil {
			return "", "", err
		}
	}
	if len(audioFiles) > 0 {
		audioJoined = filepath.Join(dir, "audio.mka")
		if err := p.concat(ctx, dir, "audio", audioFiles, audioJoined); err != nil {
			return "", "", err
		}
	}

	var videoKey, audioKey string
	if videoJoined != "" {
		out := filepath.Join(dir, storage.FinalVideoName)
		if err := p.media.EncodeVideo(ctx, videoJoined, audioJoined, out); err != nil {
			return "", "", err
		}
		videoKey = storage.FinalVideoKey(job.SessionID, job.ParticipantID)
		if err := p.upload(ctx, out, videoKey, "video/mp4"); err != nil {
			return "", "", err
		}
	}

	wav := filepath.Join(dir, storage.FinalAudioName)
	switch {
	case audioJoined != "":
		if err := p.media.ExtractAudio(ctx, audioJoined, wav); err != nil {
			return "", "", err
		}
	case videoJoined != "":
		// no separate audio track: take it from the video container if it has one
		if err := p.media.ExtractAudio(ctx, videoJoined, wav); err != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			p.logger.Info("video container has no audio", zap.String("session_id", job.SessionID), zap.Error(err))
			wav = ""
		}
	default:
		wav = ""
	}
	if wav != "" {
		audioKey = storage.FinalAudioKey(job.SessionID, job.ParticipantID)
		if err := p.upload(ctx, wav, audioKey, "audio/wav"); err != nil {
			return "", "", err
		}
	}
	return videoKey, audioKey, nil
}

// download fetches segments 0..n-1 of track in parallel and returns their local paths in index order.
func (p *Processor) download(ctx context.Context, dir string, job queue.ReconstructPayload, track string, n int) ([]string, error) {
	files := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i := 0; i < n; i++ {
		i := i
		files[i] = filepath.Join(dir, storage.SegmentName(track, i))
		g.Go(func() error {
			key := storage.SegmentKey(job.SessionID, job.ParticipantID, track, i)
			if err := p.fetch(gctx, key, files[i]); err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					return fmt.Errorf("%s: %w", key, ErrDataLoss)
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func (p *Processor) fetch(ctx context.Context, key, path string) error {
	body, err := p.objects.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return apperr.Transient(fmt.Errorf("download %s: %w", key, err))
	}
	return f.Close()
}

func (p *Processor) concat(ctx context.Context, dir, track string, files []string, out string) error {
	list := filepath.Join(dir, track+"_list.txt")
	if err := media.WriteConcatList(list, files); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return p.media.Concat(ctx, list, out)
}

func (p *Processor) upload(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := p.objects.Put(ctx, key, contentType, f, info.Size()); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
