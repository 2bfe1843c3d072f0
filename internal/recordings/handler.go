package recordings

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamly-studio/backend/internal/middleware"
	"github.com/streamly-studio/backend/pkg/response"
)

// Handler handles recording HTTP endpoints for studio owners.
type Handler struct {
	svc       *Service
	signedTTL time.Duration
	logger    *zap.Logger
}

// NewHandler creates a recordings handler. Download URLs are signed for signedTTL.
func NewHandler(svc *Service, signedTTL time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, signedTTL: signedTTL, logger: logger}
}

// ListByStudio handles GET /api/studios/:id/recordings.
func (h *Handler) ListByStudio(c *gin.Context) {
	studioID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid studio id")
		return
	}
	list, err := h.svc.List(c.Request.Context(), studioID, middleware.Identity(c))
	if err != nil {
		h.logger.Warn("list recordings failed", zap.Error(err), zap.String("studio_id", studioID.String()))
		response.Error(c, err, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// Get handles GET /api/recordings/:id. Deliverables carry signed download URLs.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), id, middleware.Identity(c), h.signedTTL)
	if err != nil {
		response.Error(c, err, "failed to fetch recording")
		return
	}
	response.OK(c, rec)
}

// Delete handles DELETE /api/recordings/:id. Studio owner only.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id, middleware.Identity(c)); err != nil {
		response.Error(c, err, "failed to delete recording")
		return
	}
	response.OK(c, gin.H{"message": "recording deleted"})
}

// Reprocess handles POST /api/recordings/:id/reprocess.
func (h *Handler) Reprocess(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	n, err := h.svc.Reprocess(c.Request.Context(), id, middleware.Identity(c))
	if err != nil {
		response.Error(c, err, "failed to reprocess recording")
		return
	}
	response.OK(c, gin.H{"submitted": n})
}
