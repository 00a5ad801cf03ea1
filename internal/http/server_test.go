package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/cartridge/signal/internal/events"
	"github.com/cartridge/signal/internal/storage"
	"github.com/cartridge/signal/internal/trainer"
	"github.com/cartridge/signal/internal/types"
)

type stubRuns struct {
	mu       sync.Mutex
	run      types.Run
	started  bool
	err      error
	received []types.OverrideCommand
}

func (s *stubRuns) Status() (types.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run, s.started
}

func (s *stubRuns) SubmitOverride(cmd types.OverrideCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, cmd)
	return nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *stubRuns, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	if err := store.CreateRun(context.Background(), types.Run{
		ID: "old-run", Mode: types.RunModeEval, State: types.RunStateCompleted, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	runs := &stubRuns{
		run:     types.Run{ID: "live-run", Mode: types.RunModeEval, State: types.RunStateRunning, HealthStatus: types.RunHealthHealthy},
		started: true,
	}
	logger := zerolog.New(io.Discard)
	return NewServer(runs, store, nil, &logger, opts...), runs, store
}

func overrideRequest(runID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID+"/overrides", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestGetRunPrefersLiveSnapshot(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Routes()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/runs/live-run", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var run types.Run
	if err := json.NewDecoder(res.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.State != types.RunStateRunning {
		t.Fatalf("expected running, got %s", run.State)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/runs/old-run", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for stored run, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestListEpisodes(t *testing.T) {
	server, _, store := newTestServer(t)
	ctx := context.Background()
	for ep := 2; ep >= 1; ep-- {
		if err := store.AppendEpisode(ctx, types.EpisodeRecord{RunID: "old-run", Episode: ep, AvgWait: float64(ep)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	res := httptest.NewRecorder()
	server.Routes().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/runs/old-run/episodes", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var eps []types.EpisodeRecord
	if err := json.NewDecoder(res.Body).Decode(&eps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(eps) != 2 || eps[0].Episode != 1 {
		t.Fatalf("unexpected episodes %+v", eps)
	}
}

func TestOverrideLifecycle(t *testing.T) {
	server, runs, _ := newTestServer(t)
	handler := server.Routes()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, overrideRequest("live-run", `{"phase":"EW_GREEN","actor":{"id":"tester"}}`))
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if len(runs.received) != 1 {
		t.Fatalf("expected one queued override, got %d", len(runs.received))
	}
	cmd := runs.received[0]
	if cmd.RunID != "live-run" || cmd.ID == "" || cmd.IssuedAt.IsZero() || cmd.Actor.Type != types.CommandActorOperator {
		t.Fatalf("defaults not applied: %+v", cmd)
	}

	cases := []struct {
		name   string
		runID  string
		body   string
		err    error
		status int
	}{
		{"bad json", "live-run", `{`, nil, http.StatusBadRequest},
		{"unknown run", "missing", `{"phase":"EW_GREEN"}`, nil, http.StatusNotFound},
		{"finished run", "old-run", `{"phase":"EW_GREEN"}`, nil, http.StatusConflict},
		{"queue full", "live-run", `{"phase":"EW_GREEN"}`, trainer.ErrQueueFull, http.StatusTooManyRequests},
		{"unknown phase", "live-run", `{"phase":"BOGUS"}`, trainer.ErrUnknownPhase, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runs.err = tc.err
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, overrideRequest(tc.runID, tc.body))
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.Code, res.Body.String())
			}
		})
	}

	runs.err = nil
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/live-run/overrides", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "text/plain")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", res.Code)
	}
}

func TestOverrideRequiresToken(t *testing.T) {
	secret := "s3cret"
	server, runs, _ := newTestServer(t, WithJWTSecret(secret))
	handler := server.Routes()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, overrideRequest("live-run", `{"phase":"NS_GREEN"}`))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops-7"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := overrideRequest("live-run", `{"phase":"NS_GREEN","actor":{"id":"spoofed"}}`)
	req.Header.Set("Authorization", "Bearer "+token)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if got := runs.received[0].Actor.ID; got != "ops-7" {
		t.Fatalf("expected token subject as actor, got %q", got)
	}

	// reads stay open
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/runs/live-run", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)
	res := httptest.NewRecorder()
	server.Routes().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["run_id"] != "live-run" || body["health"] != string(types.RunHealthHealthy) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStreamForwardsHubEvents(t *testing.T) {
	hub := events.NewHub(4)
	server, _, _ := newTestServer(t, WithHub(hub))
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/runs/live-run/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first events.Message
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Kind != events.KindStatus || first.Status == nil || first.Status.RunID != "live-run" {
		t.Fatalf("unexpected snapshot %+v", first)
	}

	// other runs are filtered out
	_ = hub.PublishEpisode(ctx, events.EpisodeEvent{EpisodeRecord: types.EpisodeRecord{RunID: "other", Episode: 9}})
	_ = hub.PublishEpisode(ctx, events.EpisodeEvent{EpisodeRecord: types.EpisodeRecord{RunID: "live-run", Episode: 3, AvgWait: 12.5}, Best: true})

	var next events.Message
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read episode: %v", err)
	}
	if next.Kind != events.KindEpisode || next.Episode == nil || next.Episode.Episode != 3 || !next.Episode.Best {
		t.Fatalf("unexpected episode message %+v", next)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestStreamUnknownRun(t *testing.T) {
	server, _, _ := newTestServer(t, WithHub(events.NewHub(1)))
	res := httptest.NewRecorder()
	server.Routes().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing/stream", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}
