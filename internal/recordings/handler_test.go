package recordings

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/streamly-studio/backend/internal/middleware"
	"github.com/streamly-studio/backend/pkg/storage"
)

func newUploadRouter(t *testing.T, f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	up := NewUploadHandler(f.svc, zaptest.NewLogger(t))
	r.POST("/api/upload/chunk", up.UploadChunk)
	r.POST("/api/upload/finalize", up.Finalize)

	h := NewHandler(f.svc, time.Hour, zaptest.NewLogger(t))
	api := r.Group("/api", func(c *gin.Context) {
		c.Set(middleware.ContextIdentity, c.GetHeader("X-Test-Identity"))
	})
	api.GET("/studios/:id/recordings", h.ListByStudio)
	api.GET("/recordings/:id", h.Get)
	api.DELETE("/recordings/:id", h.Delete)
	api.POST("/recordings/:id/reprocess", h.Reprocess)
	return r
}

func chunkRequest(t *testing.T, fields map[string]string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if data != nil {
		part, err := w.CreateFormFile("chunk", "chunk.bin")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/upload/chunk", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

var ivfHeader = []byte{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'V', 'P', '8', '0', 0x80, 0x02, 0xe0, 0x01, 0x1e, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func TestUploadChunkAndFinalize(t *testing.T) {
	f := newFixture(t)
	r := newUploadRouter(t, f)
	rec := f.start(t, "A")

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, chunkRequest(t, map[string]string{
			"sessionId": rec.SessionID, "participantId": "A", "participantName": "Ana",
			"chunkIndex": strconv.Itoa(i), "trackType": "video",
		}, ivfHeader))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, []string{
		storage.SegmentKey(rec.SessionID, "A", "video", 0),
		storage.SegmentKey(rec.SessionID, "A", "video", 1),
	}, f.objects.Keys(storage.ParticipantPrefix(rec.SessionID, "A")))

	_, err := f.svc.Stop(context.Background(), rec.SessionID)
	require.NoError(t, err)

	body, _ := json.Marshal(FinalizeRequest{SessionID: rec.SessionID, ParticipantID: "A", VideoSegments: 2})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/upload/finalize", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, f.jobs.submitted(), 1)
}

func TestUploadChunkValidation(t *testing.T) {
	f := newFixture(t)
	r := newUploadRouter(t, f)
	rec := f.start(t, "A")

	cases := []struct {
		name   string
		fields map[string]string
		data   []byte
		want   int
	}{
		{"missing session", map[string]string{"participantId": "A", "chunkIndex": "0"}, ivfHeader, http.StatusBadRequest},
		{"bad index", map[string]string{"sessionId": rec.SessionID, "participantId": "A", "chunkIndex": "x"}, ivfHeader, http.StatusBadRequest},
		{"bad track", map[string]string{"sessionId": rec.SessionID, "participantId": "A", "chunkIndex": "0", "trackType": "screen"}, ivfHeader, http.StatusBadRequest},
		{"no file", map[string]string{"sessionId": rec.SessionID, "participantId": "A", "chunkIndex": "0"}, nil, http.StatusBadRequest},
		{"html payload", map[string]string{"sessionId": rec.SessionID, "participantId": "A", "chunkIndex": "0"}, []byte("<html><body>hi</body></html>"), http.StatusBadRequest},
		{"unknown session", map[string]string{"sessionId": "nope", "participantId": "A", "chunkIndex": "0"}, ivfHeader, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, chunkRequest(t, tc.fields, tc.data))
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestFinalizeMissingSegmentsConflict(t *testing.T) {
	f := newFixture(t)
	r := newUploadRouter(t, f)
	rec := f.start(t, "A")

	body, _ := json.Marshal(FinalizeRequest{SessionID: rec.SessionID, ParticipantID: "A", AudioSegments: 1})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/upload/finalize", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRecordingRoutes(t *testing.T) {
	f := newFixture(t)
	r := newUploadRouter(t, f)
	rec := f.start(t, "A")

	get := func(method, path, identity string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Test-Identity", identity)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get(http.MethodGet, "/api/studios/"+f.studio.ID.String()+"/recordings", f.owner())
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, rec.SessionID, list.Data[0]["session_id"])

	assert.Equal(t, http.StatusForbidden, get(http.MethodGet, "/api/recordings/"+rec.ID.String(), "someone").Code)
	assert.Equal(t, http.StatusBadRequest, get(http.MethodGet, "/api/recordings/not-a-uuid", f.owner()).Code)
	assert.Equal(t, http.StatusOK, get(http.MethodGet, "/api/recordings/"+rec.ID.String(), f.owner()).Code)
	assert.Equal(t, http.StatusConflict, get(http.MethodPost, "/api/recordings/"+rec.ID.String()+"/reprocess", f.owner()).Code)
	assert.Equal(t, http.StatusOK, get(http.MethodDelete, "/api/recordings/"+rec.ID.String(), f.owner()).Code)
	assert.Equal(t, http.StatusNotFound, get(http.MethodGet, "/api/recordings/"+rec.ID.String(), f.owner()).Code)
}
