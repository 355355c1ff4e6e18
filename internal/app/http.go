package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hawkfranklin/aura/internal/observe"
	"github.com/hawkfranklin/aura/internal/session"
)

// eventWriteTimeout bounds a single state push on the events socket.
const eventWriteTimeout = 5 * time.Second

// StateView is the JSON shape of a session state.
type StateView struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	StatusText         string     `json:"status_text"`
	MicEnabled         bool       `json:"mic_enabled"`
	NextPlaybackCursor float64    `json:"next_playback_cursor_seconds"`
	Level              float64    `json:"level"`
	UserTranscript     string     `json:"user_transcript,omitempty"`
	ModelTranscript    string     `json:"model_transcript,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// NewStateView converts st to its JSON shape.
func NewStateView(st session.State) StateView {
	v := StateView{
		ID:                 st.ID,
		Status:             st.Status.String(),
		StatusText:         st.StatusText,
		MicEnabled:         st.MicEnabled,
		NextPlaybackCursor: st.NextPlaybackCursor.Seconds(),
		Level:              st.Level,
		UserTranscript:     st.UserTranscript,
		ModelTranscript:    st.ModelTranscript,
		Error:              st.Err,
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		v.StartedAt = &t
	}
	return v
}

type micRequest struct {
	Enabled *bool `json:"enabled"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *App) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	st, ok := a.sessions.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, NewStateView(st))
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Start(r.Context())
	a.writeStartResult(w, r, s, err)
}

func (a *App) handleRestart(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Restart(r.Context())
	a.writeStartResult(w, r, s, err)
}

// writeStartResult reports the outcome of a start. A session that failed to
// start is still returned so the client sees its status line.
func (a *App) writeStartResult(w http.ResponseWriter, r *http.Request, s *session.Session, err error) {
	switch {
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case err != nil && s == nil:
		writeError(w, http.StatusInternalServerError, err)
	case err != nil:
		observe.Logger(r.Context()).Warn("session start failed", "session_id", s.ID(), "err", err)
		writeJSON(w, http.StatusBadGateway, NewStateView(s.Snapshot()))
	default:
		writeJSON(w, http.StatusOK, NewStateView(s.Snapshot()))
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Stop(); err != nil {
		if errors.Is(err, ErrNoSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		observe.Logger(r.Context()).Warn("session close error", "err", err)
	}
	st, _ := a.sessions.Snapshot()
	writeJSON(w, http.StatusOK, NewStateView(st))
}

func (a *App) handleMic(w http.ResponseWriter, r *http.Request) {
	var req micRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"enabled": true|false}`))
		return
	}
	if err := a.sessions.SetMicEnabled(*req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	st, _ := a.sessions.Snapshot()
	writeJSON(w, http.StatusOK, NewStateView(st))
}

// handleEvents upgrades to a WebSocket and pushes the current session's state
// on every change. The stream ends when the session's resources are released
// or the client goes away.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	s := a.sessions.Current()
	if s == nil {
		writeError(w, http.StatusNotFound, ErrNoSession)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the response.
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(observe.WithSessionID(ctx, s.ID()))

	states, unsubscribe := s.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			// Flush the final state before closing.
			if err := writeState(ctx, conn, s.Snapshot()); err != nil {
				return
			}
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		case st := <-states:
			if err := writeState(ctx, conn, st); err != nil {
				log.Debug("events: write failed", "err", err)
				return
			}
		}
	}
}

func writeState(ctx context.Context, conn *websocket.Conn, st session.State) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, NewStateView(st))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
