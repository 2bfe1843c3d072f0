// Package client is the participant side of a studio session: the websocket connection to the
// coordinator and the HTTP client for segment uploads.
package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/streamly-studio/backend/internal/models"
	"github.com/streamly-studio/backend/internal/upload"
	"github.com/streamly-studio/backend/pkg/apperr"
)

const defaultTimeout = 60 * time.Second

// API talks to the upload endpoints. It satisfies upload.Uploader and upload.Finalizer.
type API struct {
	http *resty.Client
}

var (
	_ upload.Uploader  = (*API)(nil)
	_ upload.Finalizer = (*API)(nil)
)

type apiBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewAPI creates a client for the server at baseURL.
func NewAPI(baseURL string) *API {
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "streamly-participant/1.0").
		SetTimeout(defaultTimeout)
	return &API{http: http}
}

// UploadSegment posts one segment as multipart form data.
func (a *API) UploadSegment(ctx context.Context, seg upload.Segment) error {
	var body apiBody
	resp, err := a.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"sessionId":       seg.SessionID,
			"participantId":   seg.ParticipantID,
			"participantName": seg.ParticipantName,
			"chunkIndex":      strconv.Itoa(seg.Index),
			"trackType":       seg.Track,
		}).
		SetMultipartField("chunk", fmt.Sprintf("%s_%05d", seg.Track, seg.Index), seg.ContentType, bytes.NewReader(seg.Data)).
		SetError(&body).
		Post("/api/upload/chunk")
	if err != nil {
		return apperr.Transient(fmt.Errorf("upload %s segment %d: %w", seg.Track, seg.Index, err))
	}
	return classify(resp, body.Error)
}

type finalizeBody struct {
	SessionID       string `json:"sessionId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	VideoSegments   int    `json:"videoSegments"`
	AudioSegments   int    `json:"audioSegments"`
}

// Finalize reports the participant's segment totals.
func (a *API) Finalize(ctx context.Context, m upload.Manifest) error {
	var body apiBody
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(finalizeBody{
			SessionID:       m.SessionID,
			ParticipantID:   m.ParticipantID,
			ParticipantName: m.ParticipantName,
			VideoSegments:   m.Totals[models.TrackVideo],
			AudioSegments:   m.Totals[models.TrackAudio],
		}).
		SetError(&body).
		Post("/api/upload/finalize")
	if err != nil {
		return apperr.Transient(fmt.Errorf("finalize: %w", err))
	}
	return classify(resp, body.Error)
}

// classify maps a response status onto the error taxonomy. Server errors and throttling are
// transient; other client errors are permanent.
func classify(resp *resty.Response, msg string) error {
	if !resp.IsError() {
		return nil
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	status := resp.StatusCode()
	switch {
	case status == http.StatusNotFound:
		return apperr.NotFound("server: %s", msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperr.NotAuthorized("server: %s", msg)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return apperr.Transient(fmt.Errorf("server %d: %s", status, msg))
	default:
		return apperr.Inconsistent("server %d: %s", status, msg)
	}
}
