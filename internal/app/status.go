package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/session"
)

// statusResponse is the /status body.
type statusResponse struct {
	State           string    `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	ServerSessionID string    `json:"server_session_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`

	FramesSent     uint64 `json:"frames_sent"`
	FramesDropped  uint64 `json:"frames_dropped"`
	FramesWithheld uint64 `json:"frames_withheld"`
	BargeIns       uint64 `json:"barge_ins"`

	MicLevel    float64 `json:"mic_level"`
	RemoteLevel float64 `json:"remote_level"`

	Playback playbackStatus `json:"playback"`

	Endpoints []resilience.EndpointStatus `json:"endpoints,omitempty"`
}

type playbackStatus struct {
	Utterances uint64 `json:"utterances"`
	Scheduled  uint64 `json:"scheduled"`
	CatchUps   uint64 `json:"catch_ups"`
	Cancelled  uint64 `json:"cancelled"`
	Rejected   uint64 `json:"rejected"`
}

func newStatusResponse(st session.Status) statusResponse {
	res := statusResponse{
		State:           st.State.String(),
		SessionID:       st.SessionID,
		ServerSessionID: st.ServerSessionID,
		StartedAt:       st.StartedAt,
		FramesSent:      st.FramesSent,
		FramesDropped:   st.FramesDropped,
		FramesWithheld:  st.FramesWithheld,
		BargeIns:        st.BargeIns,
		MicLevel:        st.MicLevel,
		RemoteLevel:     st.RemoteLevel,
		Playback: playbackStatus{
			Utterances: st.Playback.Utterances,
			Scheduled:  st.Playback.Scheduled,
			CatchUps:   st.Playback.CatchUps,
			Cancelled:  st.Playback.Cancelled,
			Rejected:   st.Playback.Rejected,
		},
	}
	if st.LastError != nil {
		res.LastError = st.LastError.Error()
	}
	return res
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	res := newStatusResponse(a.session.Status())
	if a.failover != nil {
		res.Endpoints = a.failover.Endpoints()
	}
	writeJSON(w, http.StatusOK, res)
}

// handleInput wraps an input buffer control. An idle session answers 409.
func (a *App) handleInput(send func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		err := send()
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, session.ErrNotRunning):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
