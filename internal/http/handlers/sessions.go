// Package handlers provides the streamgate HTTP API handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/streamgate/streamgate/internal/admission"
	"github.com/streamgate/streamgate/internal/breaker"
	"github.com/streamgate/streamgate/internal/medialib"
	"github.com/streamgate/streamgate/internal/session"
	"github.com/streamgate/streamgate/internal/transcode"
)

// SessionHandler handles the session lifecycle endpoints.
type SessionHandler struct {
	registry *session.Registry
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSession",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions",
		Summary:       "Start a stream session",
		Description:   "Admits, resolves, and starts a new stream session for a client",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateSession)

	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Tags:        []string{"Sessions"},
	}, h.ListSessions)

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session status",
		Tags:        []string{"Sessions"},
	}, h.GetSession)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSession",
		Method:        http.MethodDelete,
		Path:          "/api/v1/sessions/{id}",
		Summary:       "Stop a stream session",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteSession)

	huma.Register(api, huma.Operation{
		OperationID:   "reportTelemetry",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions/{id}/telemetry",
		Summary:       "Report client playback telemetry",
		Description:   "Feeds buffer fill and achieved throughput into the session's bitrate controller",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusAccepted,
	}, h.ReportTelemetry)
}

// CreateSessionInput is the request for starting a session.
type CreateSessionInput struct {
	Body struct {
		ClientID string `json:"client_id" minLength:"1" doc:"Identifier of the requesting client"`
		MediaID  string `json:"media_id" minLength:"1" doc:"Identifier of the media to stream"`
	}
}

// CreateSessionOutput is the response for a started session.
type CreateSessionOutput struct {
	Body struct {
		SessionID string `json:"session_id"`
		Bitrate   int64  `json:"bitrate"`
	}
}

// CreateSession starts a new stream session.
func (h *SessionHandler) CreateSession(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
	sess, err := h.registry.StartSession(ctx, input.Body.ClientID, input.Body.MediaID)
	if err != nil {
		return nil, mapSessionError(err)
	}

	out := &CreateSessionOutput{}
	out.Body.SessionID = sess.ID()
	out.Body.Bitrate = sess.CurrentBitrate()
	return out, nil
}

// ListSessionsOutput is the response for the session list.
type ListSessionsOutput struct {
	Body struct {
		Sessions []session.Status `json:"sessions"`
		Total    int              `json:"total"`
	}
}

// ListSessions returns snapshots of all live sessions.
func (h *SessionHandler) ListSessions(ctx context.Context, _ *struct{}) (*ListSessionsOutput, error) {
	out := &ListSessionsOutput{}
	out.Body.Sessions = h.registry.Statuses()
	out.Body.Total = len(out.Body.Sessions)
	return out, nil
}

// GetSessionInput identifies a session.
type GetSessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// GetSessionOutput is a session status snapshot.
type GetSessionOutput struct {
	Body session.Status
}

// GetSession returns one session's status.
func (h *SessionHandler) GetSession(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
	sess, err := h.registry.Get(input.ID)
	if err != nil {
		return nil, mapSessionError(err)
	}
	return &GetSessionOutput{Body: sess.Status()}, nil
}

// DeleteSession stops a session.
func (h *SessionHandler) DeleteSession(ctx context.Context, input *GetSessionInput) (*struct{}, error) {
	if err := h.registry.StopSession(ctx, input.ID); err != nil {
		return nil, mapSessionError(err)
	}
	return &struct{}{}, nil
}

// TelemetryInput is a client playback report.
type TelemetryInput struct {
	ID   string `path:"id" doc:"Session ID"`
	Body struct {
		BufferFill      float64 `json:"buffer_fill" minimum:"0" maximum:"1" doc:"Client buffer level, 0.0 to 1.0"`
		AchievedBitrate float64 `json:"achieved_bitrate" minimum:"0" doc:"Measured delivered throughput in bits/sec"`
	}
}

// ReportTelemetry records a playback report for the session.
func (h *SessionHandler) ReportTelemetry(ctx context.Context, input *TelemetryInput) (*struct{}, error) {
	sess, err := h.registry.Get(input.ID)
	if err != nil {
		return nil, mapSessionError(err)
	}

	if err := sess.ReportTelemetry(session.TelemetryReport{
		BufferFill:      input.Body.BufferFill,
		AchievedBitrate: input.Body.AchievedBitrate,
	}); err != nil {
		return nil, mapSessionError(err)
	}
	return &struct{}{}, nil
}

// mapSessionError translates domain errors into API status codes.
func mapSessionError(err error) error {
	switch {
	case errors.Is(err, admission.ErrBackpressureExceeded):
		return huma.Error429TooManyRequests("session request rejected by admission control")
	case errors.Is(err, medialib.ErrNotFound):
		return huma.Error404NotFound("media not found")
	case errors.Is(err, session.ErrNotFound):
		return huma.Error404NotFound("session not found")
	case errors.Is(err, session.ErrClosed):
		return huma.Error404NotFound("session closed")
	case errors.Is(err, breaker.ErrCircuitOpen):
		return huma.Error503ServiceUnavailable("dependency unavailable")
	case errors.Is(err, transcode.ErrSpawnFailed):
		return huma.Error503ServiceUnavailable("streaming backend unavailable")
	default:
		return huma.Error500InternalServerError("session operation failed", err)
	}
}
