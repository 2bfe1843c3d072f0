package recordings

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/pkg/response"
	"github.com/streamly-studio/backend/pkg/storage"
)

// MaxSegmentBytes bounds one uploaded segment.
const MaxSegmentBytes = 64 << 20

// UploadHandler receives segments and finalize calls from participants.
// Participants may be guests, so the routes are keyed by the unguessable session id rather than a token.
type UploadHandler struct {
	svc    *Service
	logger *zap.Logger
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(svc *Service, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{svc: svc, logger: logger}
}

// UploadChunk handles POST /api/upload/chunk (multipart: sessionId, participantId, participantName, chunkIndex, trackType, chunk).
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	seg := SegmentUpload{
		SessionID:       c.PostForm("sessionId"),
		ParticipantID:   c.PostForm("participantId"),
		ParticipantName: c.PostForm("participantName"),
		TrackType:       c.DefaultPostForm("trackType", models.TrackVideo),
	}
	if seg.SessionID == "" || seg.ParticipantID == "" {
		response.BadRequest(c, "sessionId and participantId required")
		return
	}
	if !models.ValidTrackType(seg.TrackType) {
		response.BadRequest(c, "trackType must be video or audio")
		return
	}
	idx, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil || idx < 0 {
		response.BadRequest(c, "invalid chunkIndex")
		return
	}
	seg.Index = idx

	file, err := c.FormFile("chunk")
	if err != nil {
		response.BadRequest(c, "missing file (form field: chunk)")
		return
	}
	if file.Size > MaxSegmentBytes {
		response.BadRequest(c, "segment exceeds size limit")
		return
	}
	rc, err := file.Open()
	if err != nil {
		h.logger.Error("open uploaded segment failed", zap.Error(err))
		response.Internal(c, "failed to read file")
		return
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxSegmentBytes+1))
	if err != nil {
		response.Internal(c, "failed to read file")
		return
	}
	if len(data) == 0 {
		response.BadRequest(c, "empty segment")
		return
	}

	contentType, ok := segmentContentType(seg.TrackType, data)
	if !ok {
		response.BadRequest(c, "unsupported segment content: "+contentType)
		return
	}
	seg.ContentType = contentType

	if err := h.svc.StoreSegment(c.Request.Context(), seg, bytes.NewReader(data), int64(len(data))); err != nil {
		h.logger.Warn("store segment failed",
			zap.Error(err),
			zap.String("session_id", seg.SessionID),
			zap.String("participant_id", seg.ParticipantID),
			zap.Int("index", seg.Index),
		)
		response.Error(c, err, "failed to store segment")
		return
	}
	response.OK(c, gin.H{
		"key":        storage.SegmentKey(seg.SessionID, seg.ParticipantID, seg.TrackType, seg.Index),
		"chunkIndex": seg.Index,
		"trackType":  seg.TrackType,
	})
}

// segmentContentType sniffs the payload. Containers the sniffer does not know fall back to the track default;
// text and image payloads are rejected.
func segmentContentType(trackType string, data []byte) (string, bool) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/octet-stream"):
		return storage.SegmentContentType(trackType), true
	case strings.HasPrefix(mt.String(), "text/"), strings.HasPrefix(mt.String(), "image/"):
		return mt.String(), false
	}
	return mt.String(), true
}

// Finalize handles POST /api/upload/finalize.
func (h *UploadHandler) Finalize(c *gin.Context) {
	var req FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Finalize(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("finalize failed", zap.Error(err), zap.String("session_id", req.SessionID), zap.String("participant_id", req.ParticipantID))
		response.Error(c, err, "failed to finalize upload")
		return
	}
	response.OK(c, res)
}
