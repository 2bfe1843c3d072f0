package studios

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/pkg/apperr"
)

func TestJoinInfo(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := &models.Studio{ID: uuid.New(), Name: "Morning Show", OwnerID: uuid.New(), InviteCode: "abc123"}
	r := gin.New()
	r.GET("/api/studios/join/:inviteCode", NewHandler(NewStatic(st)).JoinInfo)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/studios/join/abc123", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "Morning Show", body.Data["name"])
	assert.NotContains(t, body.Data, "owner_id")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/studios/join/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	st := &models.Studio{ID: uuid.New(), InviteCode: "inv"}
	res := NewStatic(st)

	got, err := Resolve(ctx, res, st.ID.String(), "")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)

	got, err = Resolve(ctx, res, "", "inv")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)

	_, err = Resolve(ctx, res, "garbage", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = Resolve(ctx, res, "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
