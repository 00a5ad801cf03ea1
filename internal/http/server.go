package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/signal/internal/events"
	"github.com/cartridge/signal/internal/metrics"
	"github.com/cartridge/signal/internal/middleware"
	"github.com/cartridge/signal/internal/storage"
	"github.com/cartridge/signal/internal/trainer"
	"github.com/cartridge/signal/internal/types"
)

const (
	maxOverrideBody = 32 * 1024
	streamWriteWait = 5 * time.Second
)

// RunController is the live side of a run: its current snapshot and the
// queue accepting operator phase requests.
type RunController interface {
	Status() (types.Run, bool)
	SubmitOverride(cmd types.OverrideCommand) error
}

// Server wires HTTP handlers to the controller and the run store.
type Server struct {
	runs      RunController
	store     storage.RunStore
	hub       *events.Hub
	metrics   *metrics.Collector
	jwtSecret []byte
	logger    *zerolog.Logger
}

// Option configures optional server behaviour.
type Option func(*Server)

// WithJWTSecret requires an HS256 bearer token on mutating routes.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
}

// WithHub enables the websocket event stream.
func WithHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// NewServer constructs a Server instance.
func NewServer(runs RunController, store storage.RunStore, collector *metrics.Collector, logger *zerolog.Logger, opts ...Option) *Server {
	s := &Server{runs: runs, store: store, metrics: collector, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(*s.logger))
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/episodes", s.handleListEpisodes)
		if s.hub != nil {
			r.Get("/runs/{runID}/stream", s.handleStream)
		}
		r.Group(func(r chi.Router) {
			if s.jwtSecret != nil {
				r.Use(middleware.RequireJWT(s.jwtSecret))
			}
			r.Post("/runs/{runID}/overrides", s.handleOverride)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if run, ok := s.runs.Status(); ok {
		body["run_id"] = run.ID
		body["state"] = run.State
		body["health"] = run.HealthStatus
	}
	s.writeJSON(w, http.StatusOK, body)
}

// lookupRun prefers the live snapshot, which is fresher than the store
// between episodes.
func (s *Server) lookupRun(ctx context.Context, runID string) (types.Run, bool, error) {
	if run, ok := s.runs.Status(); ok && run.ID == runID {
		return run, true, nil
	}
	run, err := s.store.GetRun(ctx, runID)
	return run, false, err
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, _, err := s.lookupRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	episodes, err := s.store.ListEpisodes(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if episodes == nil {
		episodes = []types.EpisodeRecord{}
	}
	s.writeJSON(w, http.StatusOK, episodes)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	runID := chi.URLParam(r, "runID")
	r.Body = http.MaxBytesReader(w, r.Body, maxOverrideBody)
	defer r.Body.Close()
	var payload struct {
		ID       string             `json:"id"`
		Phase    string             `json:"phase"`
		IssuedAt time.Time          `json:"issued_at"`
		Actor    types.CommandActor `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid override payload")
		return
	}

	if _, live, err := s.lookupRun(r.Context(), runID); err != nil {
		s.respondError(w, err)
		return
	} else if !live {
		s.respondError(w, trainer.ErrRunNotActive)
		return
	}

	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.IssuedAt.IsZero() {
		payload.IssuedAt = time.Now().UTC()
	}
	if payload.Actor.Type == "" {
		payload.Actor.Type = types.CommandActorOperator
	}
	if sub, ok := middleware.Subject(r.Context()); ok {
		payload.Actor.ID = sub
	}
	cmd := types.OverrideCommand{
		ID:       payload.ID,
		RunID:    runID,
		Phase:    payload.Phase,
		Actor:    payload.Actor,
		IssuedAt: payload.IssuedAt,
	}
	if err := s.runs.SubmitOverride(cmd); err != nil {
		s.respondError(w, err)
		return
	}
	s.logger.Info().
		Str("run_id", runID).
		Str("command_id", cmd.ID).
		Str("phase", cmd.Phase).
		Str("actor", cmd.Actor.ID).
		Msg("override queued")
	s.writeJSON(w, http.StatusAccepted, cmd)
}

// handleStream upgrades to a websocket and forwards hub events for the run
// until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, _, err := s.lookupRun(r.Context(), runID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	msgs, cancel := s.hub.Subscribe(runID)
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	status := events.StatusEvent(run)
	if err := s.send(ctx, conn, events.Message{Kind: events.KindStatus, Status: &status}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-msgs:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.send(ctx, conn, msg); err != nil {
				s.logger.Debug().Err(err).Str("run_id", runID).Msg("stream client dropped")
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg events.Message) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteWait)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trainer.ErrRunNotActive), errors.Is(err, storage.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trainer.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
