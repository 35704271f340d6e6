package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/kon-rad/tviz"
	"github.com/kon-rad/tviz/internal/metrics"
)

type testServer struct {
	store    *tviz.Store
	sessions *Sessions
	handler  http.Handler
}

func newTestServer(t *testing.T, maxBody int64) *testServer {
	t.Helper()
	store, err := tviz.OpenStore(filepath.Join(t.TempDir(), "tviz.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	meter := noop.NewMeterProvider().Meter("tviz/test")
	counters, err := metrics.NewIngest(meter)
	require.NoError(t, err)
	obs, err := NewObserver(tracenoop.NewTracerProvider().Tracer("tviz/test"), meter, logger)
	require.NoError(t, err)

	sessions := NewSessions()
	ingest := NewIngestHandlers(store, sessions, counters, logger, IngestConfig{
		DashboardURL: "http://dash.test",
		MaxBodyBytes: maxBody,
	})
	health := NewHealthHandler(store, time.Now(), "test", sessions.Len)
	return &testServer{
		store:    store,
		sessions: sessions,
		handler:  NewRouter(health, ingest, obs),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createRun(t *testing.T, body any) createRunResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	ctx := context.Background()

	created := srv.createRun(t, map[string]any{
		"name":   "gsm8k_rl",
		"type":   "rl",
		"config": map[string]any{"lr": 4e-5, "group_size": 4},
	})
	assert.Len(t, created.RunID, 8)
	assert.Equal(t, "http://dash.test/training-run/"+created.RunID, created.URL)
	assert.Equal(t, 1, srv.sessions.Len())

	base := "/v1/runs/" + created.RunID
	rec := srv.do(t, http.MethodPost, base+"/metrics", `{"step": 3, "metrics": {"reward_mean": 0.5, "loss": 0.2, "custom_x": 1}}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodPost, base+"/rollouts", `{"step": 0, "rollouts": [
		{"group_idx": 0, "prompt_text": "Q", "trajectories": [
			{"trajectory_idx": 0, "reward": 1.0},
			{"trajectory_idx": 1, "reward": 0.0}
		]}
	]}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	st, err := srv.store.Step(ctx, created.RunID, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"reward_mean": 0.5, "loss": 0.2}, st.Values)
	assert.Equal(t, map[string]float64{"custom_x": 1}, st.Extras)

	rollouts, err := srv.store.Rollouts(ctx, created.RunID, 0)
	require.NoError(t, err)
	require.Len(t, rollouts, 1)
	assert.Equal(t, 0.5, *rollouts[0].MeanReward)
	assert.Equal(t, 1.0, *rollouts[0].BestReward)

	rec = srv.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "gsm8k_rl", run.Name)
	assert.Equal(t, "text", run.Modality)
	assert.True(t, run.Open)
	assert.Nil(t, run.EndedAt)
	assert.Equal(t, 4e-5, run.Config["lr"])

	rec = srv.do(t, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, srv.sessions.Len())

	rec = srv.do(t, http.MethodPost, base+"/close", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = srv.do(t, http.MethodPost, base+"/metrics", `{"step": 4, "metrics": {"loss": 1}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.False(t, run.Open)
	assert.NotNil(t, run.EndedAt)
}

func TestRolloutsWithMissingRewardDefaultToZero(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	created := srv.createRun(t, map[string]any{"modality": "vision"})

	rec := srv.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/rollouts", `{"step": 2, "rollouts": [
		{"group_idx": 0, "image_path": "img/1.jpg", "gt_lat": 10, "gt_lon": 20,
		 "trajectories": [{"trajectory_idx": 0}, {"trajectory_idx": 1, "reward": 0.5}]}
	]}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rollouts, err := srv.store.Rollouts(context.Background(), created.RunID, 2)
	require.NoError(t, err)
	require.Len(t, rollouts, 1)
	require.NotNil(t, rollouts[0].Vision)
	assert.Equal(t, "img/1.jpg", rollouts[0].Vision.ImagePath)
	require.Len(t, rollouts[0].Trajectories, 2)
	assert.Equal(t, 0.0, rollouts[0].Trajectories[0].Reward)
	assert.Equal(t, 0.25, *rollouts[0].MeanReward)
}

func TestInvalidRequestsPersistNothing(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	created := srv.createRun(t, map[string]any{})
	base := "/v1/runs/" + created.RunID

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad json", path: base + "/metrics", body: `{"step":`, want: http.StatusBadRequest},
		{name: "missing step", path: base + "/metrics", body: `{"metrics": {"loss": 1}}`, want: http.StatusBadRequest},
		{name: "negative step", path: base + "/metrics", body: `{"step": -1, "metrics": {"loss": 1}}`, want: http.StatusBadRequest},
		{name: "rollouts without step", path: base + "/rollouts", body: `{"rollouts": [
			{"group_idx": 0, "prompt_text": "ok"}
		]}`, want: http.StatusBadRequest},
		{name: "unknown run", path: "/v1/runs/deadbeef/metrics", body: `{"step": 0, "metrics": {}}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := srv.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, tt.want, rec.Code, "%s: %s", tt.name, rec.Body.String())
	}

	stats, err := srv.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Runs)
	assert.Zero(t, stats.Steps)
	assert.Zero(t, stats.Rollouts)
}

func TestCreateRunRejectsUnknownModality(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	rec := srv.do(t, http.MethodPost, "/v1/runs", map[string]any{"modality": "audio"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, srv.sessions.Len())
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 256)
	created := srv.createRun(t, map[string]any{})

	big := map[string]float64{}
	for i := 0; i < 64; i++ {
		big[strings.Repeat("k", 8)+string(rune('a'+i%26))+strings.Repeat("x", i)] = float64(i)
	}
	rec := srv.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/metrics", map[string]any{"step": 0, "metrics": big})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	rec := srv.do(t, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthRouteReportsOpenRuns(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	srv.createRun(t, map[string]any{})
	srv.createRun(t, map[string]any{})

	rec := srv.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.OpenRuns)
	assert.Equal(t, int64(2), body.Runs)
}

func TestSessionsCloseAll(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	a := srv.createRun(t, map[string]any{})
	b := srv.createRun(t, map[string]any{})

	require.NoError(t, srv.sessions.CloseAll(context.Background()))
	assert.Zero(t, srv.sessions.Len())
	for _, id := range []string{a.RunID, b.RunID} {
		run, err := srv.store.Run(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, run.EndedAt)
	}
}

func TestCORSAllowsDashboardOrigin(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "http://dash.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://dash.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://elsewhere.test")
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRolloutsKeepWildPredictions(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	created := srv.createRun(t, map[string]any{"modality": "vision"})

	rec := srv.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/rollouts", `{"step": 4, "rollouts": [
		{"group_idx": 0, "image_path": "a.png", "prompt_tokens": [5, 6], "gt_lat": 10, "gt_lon": 20,
		 "trajectories": [{"trajectory_idx": 0, "reward": 1, "pred_lat": 11, "pred_lon": 21}]},
		{"group_idx": 1, "image_path": "b.png", "gt_lat": 120,
		 "trajectories": [{"trajectory_idx": 0, "reward": 0, "pred_lat": 95, "pred_lon": -400}]}
	]}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rollouts, err := srv.store.Rollouts(context.Background(), created.RunID, 4)
	require.NoError(t, err)
	require.Len(t, rollouts, 2)
	assert.Equal(t, []int{5, 6}, rollouts[0].Vision.PromptTokens)
	assert.Equal(t, 120.0, *rollouts[1].Vision.GTLat)
	assert.Equal(t, 95.0, *rollouts[1].Trajectories[0].PredLat)
	assert.Equal(t, -400.0, *rollouts[1].Trajectories[0].PredLon)
}
