// Package httpapi exposes planning sessions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/orchestrator"
	"helios/internal/planning"
	sqlitestore "helios/internal/store/sqlite"
)

type Orchestrator interface {
	Create(ctx context.Context, goal string) (domain.Session, error)
	RunSession(ctx context.Context, sessionID string, goal string) (orchestrator.RunResult, error)
	ProcessFeedback(ctx context.Context, sessionID string, text string) (orchestrator.FeedbackResult, error)
	Snapshot(ctx context.Context, sessionID string) (domain.Session, domain.Artifacts, error)
}

type Reader interface {
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	LatestPlan(ctx context.Context, sessionID string) (domain.Plan, error)
	ListPlans(ctx context.Context, sessionID string) ([]domain.Plan, error)
	ListDecisions(ctx context.Context, sessionID string, limit int) ([]domain.DecisionLog, error)
}

type Events interface {
	Subscribe(sessionID string) (string, <-chan domain.Event)
	Unsubscribe(id string)
	Subscribers() int
	Dropped() int64
}

type Options struct {
	// BaseContext bounds background runs started by asynchronous requests.
	BaseContext context.Context
	Metrics     http.Handler
	Heartbeat   time.Duration
	Logger      *log.Logger
}

type Server struct {
	orch      Orchestrator
	reader    Reader
	events    Events
	metrics   http.Handler
	heartbeat time.Duration
	logger    *log.Logger
	baseCtx   context.Context

	wg sync.WaitGroup
}

func New(orch Orchestrator, reader Reader, events Events, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Server{
		orch:      orch,
		reader:    reader,
		events:    events,
		metrics:   opts.Metrics,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger,
		baseCtx:   opts.BaseContext,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Post("/classify", s.handleClassify)
		r.Post("/validate", s.handleValidate)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/feedback", s.handleFeedback)
				r.Get("/plan", s.handlePlan)
				r.Get("/plans", s.handlePlans)
				r.Get("/messages", s.handleMessages)
				r.Get("/decisions", s.handleDecisions)
				r.Get("/events", s.handleEvents)
			})
		})
	})
	return r
}

// Wait blocks until background runs started by the server have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"events": map[string]any{
			"subscribers": s.events.Subscribers(),
			"dropped":     s.events.Dropped(),
		},
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.reader.ListSessions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Goal string `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	record, err := s.orch.Create(r.Context(), req.Goal)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if wantWait(r) {
		res, err := s.orch.RunSession(r.Context(), record.ID, "")
		if err != nil {
			writeErrorWith(w, statusFor(err), err, map[string]any{"session_id": record.ID, "state": res.State})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	s.background(func(ctx context.Context) error {
		_, err := s.orch.RunSession(ctx, record.ID, "")
		return err
	}, record.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": record.ID, "state": record.State})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	record, artifacts, err := s.orch.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   record,
		"artifacts": artifacts,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		writeError(w, http.StatusBadRequest, orchestrator.ErrEmptyFeedback)
		return
	}
	if _, _, err := s.orch.Snapshot(r.Context(), sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if wantWait(r) {
		res, err := s.orch.ProcessFeedback(r.Context(), sessionID, req.Feedback)
		if err != nil {
			writeErrorWith(w, statusFor(err), err, map[string]any{"session_id": sessionID, "state": res.State})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	s.background(func(ctx context.Context) error {
		_, err := s.orch.ProcessFeedback(ctx, sessionID, req.Feedback)
		return err
	}, sessionID)
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID, "state": domain.StateFeedback})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.reader.LatestPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := map[string]any{"plan": plan}
	if g, err := planning.Validate(plan.Tasks); err == nil {
		out["topological_order"] = g.Order
		out["levels"] = planning.Levels(g)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, sessionID) {
		return
	}
	plans, err := s.reader.ListPlans(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, sessionID) {
		return
	}
	messages, err := s.reader.ListMessages(r.Context(), sessionID, queryInt(r, "limit", 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, sessionID) {
		return
	}
	decisions, err := s.reader.ListDecisions(r.Context(), sessionID, queryInt(r, "limit", 300))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

// handleEvents streams the session's events as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if !s.sessionExists(w, r, sessionID) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	subID, events := s.events.Subscribe(sessionID)
	defer s.events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("encode event failed session=%s type=%s: %v", sessionID, ev.Type, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	intent, directive := feedback.DirectiveFor(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"intent":    intent,
		"directive": directive,
		"no_action": feedback.IsNoAction(directive),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks []domain.Task `json:"tasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	g, err := planning.Validate(req.Tasks)
	if err != nil {
		extra := map[string]any{}
		var cycle *planning.CycleError
		var dangling *planning.DanglingDependencyError
		switch {
		case errors.As(err, &cycle):
			extra["cycle"] = cycle.Path
		case errors.As(err, &dangling):
			extra["task_id"] = dangling.TaskID
			extra["missing_id"] = dangling.MissingID
		}
		writeErrorWith(w, statusFor(err), err, extra)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graph":  g,
		"levels": planning.Levels(g),
	})
}

func (s *Server) sessionExists(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if _, _, err := s.orch.Snapshot(r.Context(), sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return false
	}
	return true
}

func (s *Server) background(run func(ctx context.Context) error, sessionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.baseCtx); err != nil {
			s.logger.Printf("background run failed session=%s: %v", sessionID, err)
		}
	}()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, sqlitestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrEmptyGoal), errors.Is(err, orchestrator.ErrEmptyFeedback):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrSessionNotConverged):
		return http.StatusUnprocessableEntity
	case errors.Is(err, planning.ErrCycleDetected), errors.Is(err, planning.ErrDanglingDependency):
		return http.StatusConflict
	case errors.Is(err, planning.ErrInvalidPlan), errors.Is(err, planning.ErrMalformedPlan):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func wantWait(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("wait"))
	return err == nil && v
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeErrorWith(w, code, err, nil)
}

func writeErrorWith(w http.ResponseWriter, code int, err error, extra map[string]any) {
	payload := map[string]any{"error": err.Error()}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
