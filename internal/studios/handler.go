package studios

import (
	"github.com/gin-gonic/gin"

	"github.com/streamly-studio/backend/pkg/response"
)

// Handler serves the public invite lookup.
type Handler struct {
	resolver Resolver
}

// NewHandler creates a studio handler.
func NewHandler(resolver Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// JoinInfo handles GET /api/studios/join/:inviteCode. Returns only what a guest needs to join.
func (h *Handler) JoinInfo(c *gin.Context) {
	st, err := h.resolver.GetByInviteCode(c.Request.Context(), c.Param("inviteCode"))
	if err != nil {
		response.Error(c, err, "failed to look up studio")
		return
	}
	response.OK(c, gin.H{"id": st.ID, "name": st.Name, "invite_code": st.InviteCode})
}
