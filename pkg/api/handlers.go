package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/stores"
)

// SubmitRequest is the body of POST /v1/requests.
type SubmitRequest struct {
	ID      string            `json:"id,omitempty" validate:"required,max=128,printascii,excludesall=/"`
	Options map[string]string `json:"options,omitempty" validate:"omitempty,max=64,dive,keys,required,max=64,endkeys,max=1024"`
}

// QueueResponse is the body of GET /v1/queue.
type QueueResponse struct {
	Positions map[string]int `json:"positions"`
	Admitted  []string       `json:"admitted"`
}

const maxBodyBytes = 64 << 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.auth != nil {
		id, err := s.auth.identify(r)
		if err != nil {
			s.logger.Debug().Err(err).Msg("token rejected")
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		if req.ID == "" {
			req.ID = id
		}
		if req.ID != id {
			writeError(w, http.StatusForbidden, "token belongs to another user")
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	stored, err := s.requests.Submit(r.Context(), req.ID, req.Options)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stored)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.requests.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Get(r.Context(), s.keys.Waiting())
	if err != nil && !engine.IsNotFound(err) {
		s.writeEngineError(w, err)
		return
	}
	waiting, err := engine.ParseWaitingList(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("waiting list is malformed, reporting an empty queue")
	}

	admitted := waiting.Admitted()
	if admitted == nil {
		admitted = []string{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{
		Positions: engine.QueuePositions(waiting),
		Admitted:  admitted,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := stores.EventQuery{
		UserID: r.PathValue("id"),
		Type:   r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	events, err := s.journal.GetEvents(r.Context(), q)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.requests.Get(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	// The upgrader writes its own error response.
	if err := s.connector.ServeWS(w, r, id); err != nil {
		s.logger.Debug().Err(err).Str("user_id", id).Msg("websocket connection refused")
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.requests.Get(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	err := s.streamer.StreamWS(w, r, id, func(ctx context.Context, emit func([]byte) error) error {
		return s.logs.StreamCoreLogs(ctx, id, emit)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", id).Msg("log stream ended")
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code == engine.ErrCodeNoCapacity {
		return http.StatusServiceUnavailable
	}
	switch engine.ClassOf(err) {
	case engine.ErrorClassNotFound:
		return http.StatusNotFound
	case engine.ErrorClassInvariant, engine.ErrorClassMalformed:
		return http.StatusBadRequest
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
