package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/tviz"
)

type recorded struct {
	path string
	body map[string]any
}

// mockTransport answers with statuses in order, repeating the last one.
type mockTransport struct {
	mu       sync.Mutex
	statuses []int
	reply    string
	requests []recorded
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recorded{path: req.URL.Path, body: payload})
	status := m.statuses[len(m.statuses)-1]
	if len(m.requests) <= len(m.statuses) {
		status = m.statuses[len(m.requests)-1]
	}
	reply := m.reply
	if status >= 400 {
		reply = `{"error":"nope"}`
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(reply))),
		Header:     make(http.Header),
	}, nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newTestClient(mt *mockTransport, retries int) *Client {
	c := New("http://tviz.test/")
	c.SetTestOptions(&http.Client{Transport: mt}, retries, time.Millisecond)
	return c
}

func TestCreateRunAndLog(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{statuses: []int{http.StatusCreated, http.StatusNoContent}, reply: `{"run_id":"ab12cd34","url":"http://dash/training-run/ab12cd34"}`}
	c := newTestClient(mt, 3)

	run, err := c.CreateRun(context.Background(), RunOptions{Name: "exp", Type: "sft", Modality: tviz.ModalityText, Config: map[string]any{"lr": 0.1}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.ID != "ab12cd34" || run.URL != "http://dash/training-run/ab12cd34" {
		t.Fatalf("unexpected run: %+v", run)
	}

	if err := run.LogMetrics(context.Background(), map[string]float64{"loss": 0.5}, 3); err != nil {
		t.Fatalf("log metrics: %v", err)
	}
	reward := 1.0
	if err := run.LogRollouts(context.Background(), []tviz.RawRollout{{GroupIdx: 0, Trajectories: []tviz.RawTrajectory{{Reward: &reward}}}}, 3); err != nil {
		t.Fatalf("log rollouts: %v", err)
	}
	if err := run.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []string{"/v1/runs", "/v1/runs/ab12cd34/metrics", "/v1/runs/ab12cd34/rollouts", "/v1/runs/ab12cd34/close"}
	if mt.count() != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), mt.count())
	}
	for i, p := range want {
		if mt.requests[i].path != p {
			t.Fatalf("request %d: expected %s, got %s", i, p, mt.requests[i].path)
		}
	}
	if mt.requests[0].body["type"] != "sft" || mt.requests[0].body["modality"] != "text" {
		t.Fatalf("unexpected create body: %v", mt.requests[0].body)
	}
	if mt.requests[1].body["step"] != float64(3) {
		t.Fatalf("unexpected metrics body: %v", mt.requests[1].body)
	}
}

func TestLogMetricsRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{statuses: []int{http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusNoContent}}
	run := &Run{c: newTestClient(mt, 5), ID: "r1"}

	if err := run.LogMetrics(context.Background(), map[string]float64{"loss": 1}, 0); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if mt.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", mt.count())
	}
}

func TestLogMetricsGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{statuses: []int{http.StatusBadGateway}}
	run := &Run{c: newTestClient(mt, 3), ID: "r1"}

	err := run.LogMetrics(context.Background(), map[string]float64{"loss": 1}, 0)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
	if mt.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", mt.count())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{statuses: []int{http.StatusNotFound}}
	run := &Run{c: newTestClient(mt, 5), ID: "gone"}

	err := run.LogMetrics(context.Background(), map[string]float64{"loss": 1}, 0)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound || se.Message != "nope" {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if mt.count() != 1 {
		t.Fatalf("expected single attempt, got %d", mt.count())
	}
}

func TestRolloutsAreSentOnce(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{statuses: []int{http.StatusInternalServerError}}
	run := &Run{c: newTestClient(mt, 5), ID: "r1"}

	if err := run.LogRollouts(context.Background(), nil, 1); err == nil {
		t.Fatal("expected error")
	}
	if mt.count() != 1 {
		t.Fatalf("expected single attempt, got %d", mt.count())
	}
}

func TestCreateRunRequiresEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := New("").CreateRun(context.Background(), RunOptions{}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}
