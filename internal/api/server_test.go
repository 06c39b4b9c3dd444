// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/config"
	"github.com/michaelhil/synopticon/internal/distribute"
	"github.com/michaelhil/synopticon/internal/orchestrator"
	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/result"
	"github.com/michaelhil/synopticon/internal/session"
)

type fixture struct {
	srv      *httptest.Server
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	events   *bus.MemoryBus
	cfg      config.Config
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	events := bus.NewMemoryBus()
	orch := orchestrator.New(events, orchestrator.Options{})
	sse := distribute.NewSSE()
	sessions := session.NewManager(events, []distribute.Distributor{distribute.NewUDP(), sse}, session.Options{})

	s := New(Deps{
		Config:       cfg,
		Version:      "test",
		Orchestrator: orch,
		Sessions:     sessions,
		Events:       events,
		SSE:          sse,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = sessions.Close(context.Background())
	})

	return &fixture{srv: srv, orch: orch, sessions: sessions, events: events, cfg: cfg}
}

func (f *fixture) registerFacePipeline(t *testing.T, name string) {
	t.Helper()
	desc := pipeline.Descriptor{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: result.NewCapabilitySet(result.FaceDetection),
		Performance: result.PerformanceProfile{
			FPS: 30, LatencyMS: 20,
			CPU: result.ImpactLow, Memory: result.ImpactLow, Battery: result.ImpactLow,
			ModelSizeMB: 5,
		},
		Process: func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
			return result.NewSuccess(name, 1, []result.Face{
				{BBox: result.BBox{X: 10, Y: 10, W: 50, H: 50}, Confidence: 0.9},
			}), nil
		},
	}
	require.NoError(t, f.orch.Register(context.Background(), desc))
}

func (f *fixture) postJSON(t *testing.T, path string, body any) (*http.Response, Envelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decodeEnvelope(t, resp)
}

func (f *fixture) getJSON(t *testing.T, path string) (*http.Response, Envelope) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) Envelope {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestDetect_HappyPath(t *testing.T) {
	f := newFixture(t, config.Defaults())
	f.registerFacePipeline(t, "mediapipe-face")

	resp, env := f.postJSON(t, "/api/detect", map[string]any{
		"image":        []byte{1, 2, 3},
		"capabilities": []string{"face_detection"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	raw, _ := json.Marshal(env.Data)
	var res result.AnalysisResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "mediapipe-face", res.Source)
	assert.Equal(t, 0, res.FallbackDepth)
	require.Len(t, res.Faces, 1)
	assert.Equal(t, result.BBox{X: 10, Y: 10, W: 50, H: 50}, res.Faces[0].BBox)
}

func TestDetect_UnknownCapabilityIs400(t *testing.T) {
	f := newFixture(t, config.Defaults())

	resp, env := f.postJSON(t, "/api/detect", map[string]any{
		"capabilities": []string{"precognition"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
}

func TestDetect_NoPipelineIs503(t *testing.T) {
	f := newFixture(t, config.Defaults())

	resp, env := f.postJSON(t, "/api/detect", map[string]any{
		"capabilities": []string{"face_detection"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, env.Success)
}

func TestBatch(t *testing.T) {
	f := newFixture(t, config.Defaults())
	f.registerFacePipeline(t, "mediapipe-face")

	resp, env := f.postJSON(t, "/api/batch", []map[string]any{
		{"capabilities": []string{"face_detection"}},
		{"capabilities": []string{"precognition"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	raw, _ := json.Marshal(env.Data)
	var results []result.AnalysisResult
	require.NoError(t, json.Unmarshal(raw, &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, result.KindInputValidation, results[1].Error.Kind)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, config.Defaults())
	f.registerFacePipeline(t, "mediapipe-face")

	resp, env := f.getJSON(t, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	data := env.Data.(map[string]any)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "test", data["version"])
}

func TestConfigAndStrategies(t *testing.T) {
	f := newFixture(t, config.Defaults())

	_, env := f.getJSON(t, "/api/config")
	data := env.Data.(map[string]any)
	assert.Contains(t, data["capabilities"], "face_detection")
	assert.Contains(t, data["strategies"], "balanced")

	_, env = f.getJSON(t, "/api/strategies")
	assert.Contains(t, env.Data, "performance_first")
}

func TestPipelineEndpoints(t *testing.T) {
	f := newFixture(t, config.Defaults())

	resp, env := f.postJSON(t, "/api/pipelines/register", map[string]any{
		"name":         "hot-pipe",
		"version":      "0.1.0",
		"capabilities": []string{"face_detection"},
		"performance": map[string]any{
			"fps": 15, "latency_ms": 40,
			"cpu": "low", "memory": "low", "battery": "low",
			"model_size_mb": 1,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "error: %v", env.Error)

	_, env = f.getJSON(t, "/api/pipelines")
	raw, _ := json.Marshal(env.Data)
	var statuses []pipeline.Status
	require.NoError(t, json.Unmarshal(raw, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "hot-pipe", statuses[0].Name)
	assert.True(t, statuses[0].Initialized)
}

func TestStreamLifecycleOverAPI(t *testing.T) {
	f := newFixture(t, config.Defaults())
	f.registerFacePipeline(t, "mediapipe-face")

	// A local UDP listener so sends succeed.
	laddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	listener, err := net.ListenUDP("udp", laddr)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	resp, env := f.postJSON(t, "/api/distribution/streams", map[string]any{
		"type":        "udp",
		"source":      "face_detection",
		"destination": map[string]any{"host": "127.0.0.1", "port": port},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "error: %v", env.Error)

	raw, _ := json.Marshal(env.Data)
	var view session.View
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, session.StatusPending, view.Status)

	// One dispatch activates the stream.
	resp, _ = f.postJSON(t, "/api/detect", map[string]any{
		"capabilities": []string{"face_detection"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, env := f.getJSON(t, "/api/distribution/streams/"+view.ID)
		raw, _ := json.Marshal(env.Data)
		var got session.View
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		return got.Status == session.StatusActive && got.Stats.Messages == 1
	}, 2*time.Second, 20*time.Millisecond)

	// Delete removes it from the list.
	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/distribution/streams/"+view.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	_, env = f.getJSON(t, "/api/distribution/streams")
	raw, _ = json.Marshal(env.Data)
	var views []session.View
	require.NoError(t, json.Unmarshal(raw, &views))
	assert.Empty(t, views)
}

func TestDistributionStatusAndDiscovery(t *testing.T) {
	f := newFixture(t, config.Defaults())

	_, env := f.getJSON(t, "/api/distribution/status")
	data := env.Data.(map[string]any)
	assert.EqualValues(t, 0, data["streams"])

	_, env = f.getJSON(t, "/api/distribution/discovery")
	data = env.Data.(map[string]any)
	assert.Contains(t, data["sources"], "face_detection")

	_, env = f.getJSON(t, "/api/distribution/templates")
	raw, _ := json.Marshal(env.Data)
	var tpls []session.Template
	require.NoError(t, json.Unmarshal(raw, &tpls))
	assert.NotEmpty(t, tpls)
}

func TestAPIKey_Enforced(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIKey = "sekrit"
	f := newFixture(t, cfg)

	resp, err := http.Get(f.srv.URL + "/api/config")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open for probes")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/config", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFallbackOverAPI(t *testing.T) {
	f := newFixture(t, config.Defaults())

	broken := pipeline.Descriptor{
		Name:         "alpha",
		Version:      "1.0.0",
		Capabilities: result.NewCapabilitySet(result.FaceDetection),
		Performance: result.PerformanceProfile{
			FPS: 60, LatencyMS: 5,
			CPU: result.ImpactLow, Memory: result.ImpactLow, Battery: result.ImpactLow,
			ModelSizeMB: 5,
		},
		Process: func(context.Context, pipeline.Frame) (result.AnalysisResult, error) {
			return result.AnalysisResult{}, fmt.Errorf("model crashed")
		},
	}
	require.NoError(t, f.orch.Register(context.Background(), broken))
	f.registerFacePipeline(t, "beta")

	resp, env := f.postJSON(t, "/api/detect", map[string]any{
		"capabilities": []string{"face_detection"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	raw, _ := json.Marshal(env.Data)
	var res result.AnalysisResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "beta", res.Source)
	assert.Equal(t, 1, res.FallbackDepth)
}
