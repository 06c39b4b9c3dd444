// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelhil/synopticon/internal/distribute"
	"github.com/michaelhil/synopticon/internal/result"
	"github.com/michaelhil/synopticon/internal/session"
)

func (s *Server) handleDistributionStatus(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[session.Status]int)
	for _, v := range s.sessions.List(session.ListFilter{}) {
		counts[v.Status]++
	}
	writeData(w, http.StatusOK, map[string]any{
		"streams":      s.sessions.Count(),
		"by_status":    counts,
		"distributors": s.sessions.DistributorHealth(),
	})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	clients := make(map[string]struct{})
	for _, v := range s.sessions.List(session.ListFilter{}) {
		if v.ClientID != "" {
			clients[v.ClientID] = struct{}{}
		}
	}
	clientIDs := make([]string, 0, len(clients))
	for id := range clients {
		clientIDs = append(clientIDs, id)
	}

	writeData(w, http.StatusOK, map[string]any{
		"sources":      result.AllCapabilities(),
		"distributors": s.sessions.Transports(),
		"templates":    session.Templates(),
		"clients":      clientIDs,
	})
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, session.Templates())
}

func (s *Server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	var spec session.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := s.sessions.Create(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusCreated, view)
}

func (s *Server) handleStreamList(w http.ResponseWriter, r *http.Request) {
	f := session.ListFilter{
		Status: session.Status(r.URL.Query().Get("status")),
		Type:   distribute.Transport(r.URL.Query().Get("type")),
	}
	writeData(w, http.StatusOK, s.sessions.List(f))
}

func (s *Server) handleStreamGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleStreamModify(w http.ResponseWriter, r *http.Request) {
	var patch session.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := s.sessions.Modify(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleStreamDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id"), "status": string(session.StatusClosed)})
}

// recordRequest starts or stops a stream recording.
type recordRequest struct {
	Action string `json:"action,omitempty"` // "start" (default) or "stop"
	Path   string `json:"path,omitempty"`
}

func (s *Server) handleStreamRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	switch req.Action {
	case "", "start":
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "recording requires a path")
			return
		}
		if err := s.sessions.RecordStart(r.Context(), id, req.Path); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "stop":
		if err := s.sessions.RecordStop(r.Context(), id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "action must be start or stop")
		return
	}

	view, _ := s.sessions.Get(id)
	writeData(w, http.StatusOK, view)
}

type shareRequest struct {
	Destination distribute.Destination `json:"destination"`
}

func (s *Server) handleStreamShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := s.sessions.Share(r.Context(), chi.URLParam(r, "id"), req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusCreated, view)
}

// handleStreamSSE attaches the caller to an SSE stream and pushes frames
// until the client disconnects.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if view.Type != distribute.TransportSSE {
		writeError(w, http.StatusBadRequest, "stream is not an sse stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	frames, detach := s.sse.Attach(id)
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-frames:
			if !open {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
