// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/michaelhil/synopticon/internal/orchestrator"
	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/result"
	"github.com/michaelhil/synopticon/internal/strategy"
)

// detectRequest is the body of /api/detect.
type detectRequest struct {
	Image        []byte         `json:"image"`
	Capabilities []string       `json:"capabilities"`
	Strategy     string         `json:"strategy,omitempty"`
	TimeoutMS    int            `json:"timeout_ms,omitempty"`
	Action       string         `json:"action,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	health := s.orch.Health()
	writeData(w, http.StatusOK, map[string]any{
		"status":    health.Overall,
		"version":   s.version,
		"uptime_s":  int64(time.Since(s.startTime).Seconds()),
		"pipelines": health.Pipelines,
		"streams":   s.sessions.Count(),
		"memory": map[string]uint64{
			"heap_alloc_bytes": mem.HeapAlloc,
			"sys_bytes":        mem.Sys,
		},
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"capabilities": result.AllCapabilities(),
		"strategies":   strategy.Names(),
		"transports":   s.sessions.Transports(),
		"features": map[string]bool{
			"recording": true,
			"sharing":   true,
			"media":     s.cfg.MediaEnabled,
		},
		"limits": map[string]any{
			"max_fallbacks":         s.cfg.MaxFallbacks,
			"dispatch_timeout_ms":   s.cfg.DefaultTimeout.Milliseconds(),
			"stream_queue_size":     s.cfg.StreamQueueSize,
			"stream_fail_threshold": s.cfg.StreamFailThreshold,
		},
	})
}

// parseDetect converts one request body entry into an orchestrator request.
func parseDetect(req detectRequest) (orchestrator.Request, error) {
	caps, err := result.ParseCapabilitySet(req.Capabilities)
	if err != nil {
		return orchestrator.Request{}, err
	}

	out := orchestrator.Request{
		Required: caps,
		Strategy: req.Strategy,
		Frame: pipeline.Frame{
			Data:      req.Image,
			Timestamp: time.Now().UTC(),
			Action:    req.Action,
			Params:    req.Params,
		},
	}
	if req.TimeoutMS > 0 {
		out.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	return out, nil
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	oreq, err := parseDetect(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.orch.Process(r.Context(), oreq)
	if res.Success {
		s.sessions.Dispatch(r.Context(), oreq.Required, res)
	}
	writeResult(w, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []detectRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must not be empty")
		return
	}

	results := make([]result.AnalysisResult, 0, len(reqs))
	for _, req := range reqs {
		oreq, err := parseDetect(req)
		if err != nil {
			results = append(results, result.NewFailure(result.KindInputValidation, err.Error(), ""))
			continue
		}
		res := s.orch.Process(r.Context(), oreq)
		if res.Success {
			s.sessions.Dispatch(r.Context(), oreq.Required, res)
		}
		results = append(results, res)
	}
	writeData(w, http.StatusOK, results)
}

func (s *Server) handlePipelines(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.orch.Pipelines())
}

// registerRequest is the testing-only hot-registration body: a declared
// descriptor whose process function echoes an empty success.
type registerRequest struct {
	Name         string                    `json:"name"`
	Version      string                    `json:"version"`
	Capabilities []string                  `json:"capabilities"`
	Performance  result.PerformanceProfile `json:"performance"`
	Reentrant    bool                      `json:"reentrant,omitempty"`
}

func (s *Server) handleRegisterPipeline(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caps, err := result.ParseCapabilitySet(req.Capabilities)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := req.Name
	desc := pipeline.Descriptor{
		Name:         name,
		Version:      req.Version,
		Capabilities: caps,
		Performance:  req.Performance,
		Reentrant:    req.Reentrant,
		Process: func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
			return result.NewSuccess(name, 0, nil), nil
		},
	}

	if err := s.orch.Register(r.Context(), desc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"name": req.Name, "version": req.Version})
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, strategy.Names())
}
