package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/fsm"
	"helios/internal/metrics"
	"helios/internal/planning"
	sqlitestore "helios/internal/store/sqlite"
)

const orchestratorActor = "orchestrator"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotConverged = errors.New("session did not converge")
	ErrEmptyGoal           = errors.New("goal is empty")
	ErrEmptyFeedback       = errors.New("feedback is empty")
)

type NotConvergedError struct {
	SessionID string
	Rounds    int
	LastState domain.State
}

func (e *NotConvergedError) Error() string {
	return fmt.Sprintf("%s: session %s stopped in %s after %d rounds", ErrSessionNotConverged, e.SessionID, e.LastState, e.Rounds)
}

func (e *NotConvergedError) Unwrap() error { return ErrSessionNotConverged }

type ReplyProvider interface {
	Reply(ctx context.Context, role domain.Role, history []domain.Message) (string, error)
}

type Store interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	UpdateSession(ctx context.Context, session domain.Session) error
	SaveArtifacts(ctx context.Context, sessionID string, artifacts domain.Artifacts) error
	LoadArtifacts(ctx context.Context, sessionID string) (domain.Artifacts, error)
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessagesFrom(ctx context.Context, sessionID string, fromSeq int) ([]domain.Message, error)
	LatestRunStart(ctx context.Context, sessionID string) (int, error)
	SavePlan(ctx context.Context, plan domain.Plan) error
	LatestPlan(ctx context.Context, sessionID string) (domain.Plan, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Publisher interface {
	Publish(event domain.Event) error
}

type PlanSink interface {
	ExportPlan(ctx context.Context, plan domain.Plan, graph planning.Graph) error
}

type Config struct {
	MaxRounds int
	Now       func() time.Time
	Sink      PlanSink
	Metrics   *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 50
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Service struct {
	store   Store
	replies ReplyProvider
	events  Publisher
	cfg     Config
	logger  *log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the in-memory side of one planning session. run serialises
// drives of the same session; different sessions never share state.
type session struct {
	run         sync.Mutex
	record      domain.Session
	artifacts   domain.Artifacts
	machine     *fsm.Machine
	history     []domain.Message
	planVersion int
}

type RunResult struct {
	SessionID      string                 `json:"session_id"`
	State          domain.State           `json:"state"`
	StructuredGoal *domain.StructuredGoal `json:"structured_goal,omitempty"`
	ResearchReport *domain.ResearchReport `json:"research_report,omitempty"`
	Plan           *domain.Plan           `json:"plan,omitempty"`
	Order          []string               `json:"topological_order,omitempty"`
	Rounds         int                    `json:"rounds"`
}

type FeedbackResult struct {
	SessionID    string                `json:"session_id"`
	State        domain.State          `json:"state"`
	OriginalPlan *domain.Plan          `json:"original_plan,omitempty"`
	Feedback     domain.FeedbackRecord `json:"feedback"`
	Directive    string                `json:"directive,omitempty"`
	UpdatedPlan  *domain.Plan          `json:"updated_plan,omitempty"`
	Rounds       int                   `json:"rounds"`
}

func New(store Store, replies ReplyProvider, events Publisher, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		replies:  replies,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Create registers a session in INIT without driving it.
func (s *Service) Create(ctx context.Context, goal string) (domain.Session, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return domain.Session{}, ErrEmptyGoal
	}
	now := s.cfg.Now()
	record := domain.Session{
		ID:        uuid.NewString(),
		Goal:      goal,
		State:     domain.StateInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, record); err != nil {
		return domain.Session{}, err
	}

	s.mu.Lock()
	s.sessions[record.ID] = &session{record: record, machine: fsm.NewMachine()}
	s.mu.Unlock()

	s.logDecision(ctx, record.ID, "session_created", "planning session created", record)
	return record, nil
}

func (s *Service) Run(ctx context.Context, goal string) (RunResult, error) {
	record, err := s.Create(ctx, goal)
	if err != nil {
		return RunResult{}, err
	}
	return s.RunSession(ctx, record.ID, goal)
}

// RunSession resets the session to INIT with empty artifacts and drives it
// until COMPLETE or the round limit. An empty goal reuses the stored one.
func (s *Service) RunSession(ctx context.Context, sessionID string, goal string) (RunResult, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return RunResult{}, err
	}
	sess.run.Lock()
	defer sess.run.Unlock()

	if goal = strings.TrimSpace(goal); goal != "" {
		sess.record.Goal = goal
	}
	if sess.record.Goal == "" {
		return RunResult{SessionID: sessionID}, ErrEmptyGoal
	}

	sess.artifacts.Reset()
	sess.history = nil
	sess.record.Rounds = 0
	sess.record.LastError = ""
	if err := s.moveTo(ctx, sess, domain.StateInit); err != nil {
		return RunResult{SessionID: sessionID}, err
	}
	sess.machine.Reset(domain.StateInit)
	if err := s.store.SaveArtifacts(ctx, sessionID, sess.artifacts); err != nil {
		return RunResult{SessionID: sessionID}, err
	}

	opening := domain.GoalMessagePrefix + sess.record.Goal
	if _, err := s.appendMessage(ctx, sess, domain.RoleUser, opening); err != nil {
		return RunResult{SessionID: sessionID}, err
	}

	driveErr := s.drive(ctx, sess, fsm.Turn{Speaker: domain.RoleUser, Outcome: fsm.Pending{}})
	result := RunResult{
		SessionID: sessionID,
		State:     sess.record.State,
		Rounds:    sess.record.Rounds,
	}
	if driveErr != nil {
		s.cfg.Metrics.RecordSession("run", "error")
		return result, driveErr
	}
	s.cfg.Metrics.RecordSession("run", "complete")

	artifacts := sess.artifacts.Clone()
	result.StructuredGoal = artifacts.StructuredGoal
	result.ResearchReport = artifacts.ResearchReport
	result.Plan = artifacts.Plan
	if result.Plan != nil {
		if graph, err := planning.Validate(result.Plan.Tasks); err == nil {
			result.Order = graph.Order
		}
	}
	return result, nil
}

// ProcessFeedback classifies the feedback, puts the session straight into
// FEEDBACK and drives it. The original plan is the one in effect before the
// feedback arrived.
func (s *Service) ProcessFeedback(ctx context.Context, sessionID string, text string) (FeedbackResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return FeedbackResult{}, ErrEmptyFeedback
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return FeedbackResult{}, err
	}
	sess.run.Lock()
	defer sess.run.Unlock()

	var original *domain.Plan
	if sess.artifacts.Plan != nil {
		p := sess.artifacts.Plan.Clone()
		original = &p
	}

	intent := feedback.Classify(text)
	s.cfg.Metrics.RecordFeedback(intent.Kind)
	record := domain.FeedbackRecord{Text: text, Intent: intent}
	sess.artifacts.ClearFeedback()
	_ = sess.artifacts.SetFeedback(record)
	sess.record.Rounds = 0
	sess.record.LastError = ""

	if err := s.moveTo(ctx, sess, domain.StateFeedback); err != nil {
		return FeedbackResult{SessionID: sessionID}, err
	}
	sess.machine.Reset(domain.StateFeedback)
	if err := s.store.SaveArtifacts(ctx, sessionID, sess.artifacts); err != nil {
		return FeedbackResult{SessionID: sessionID}, err
	}
	s.logDecision(ctx, sessionID, "feedback_classified", string(intent.Kind), intent)

	if _, err := s.appendMessage(ctx, sess, domain.RoleUser, text); err != nil {
		return FeedbackResult{SessionID: sessionID}, err
	}

	driveErr := s.drive(ctx, sess, fsm.Turn{Speaker: domain.RoleUser, Outcome: fsm.FeedbackReceived{Text: text}})
	result := FeedbackResult{
		SessionID:    sessionID,
		State:        sess.record.State,
		OriginalPlan: original,
		Feedback:     record,
		Directive:    lastContent(sess.history, domain.RoleAdaptor),
		Rounds:       sess.record.Rounds,
	}
	if driveErr != nil {
		s.cfg.Metrics.RecordSession("feedback", "error")
		return result, driveErr
	}
	s.cfg.Metrics.RecordSession("feedback", "complete")
	if sess.artifacts.Plan != nil {
		p := sess.artifacts.Plan.Clone()
		result.UpdatedPlan = &p
	}
	return result, nil
}

// Snapshot reads the persisted view of a session, so it does not wait for a
// running drive.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (domain.Session, domain.Artifacts, error) {
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, domain.Artifacts{}, wrapNotFound(err)
	}
	artifacts, err := s.store.LoadArtifacts(ctx, sessionID)
	if err != nil {
		return domain.Session{}, domain.Artifacts{}, wrapNotFound(err)
	}
	return record, artifacts, nil
}

func (s *Service) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, wrapNotFound(err)
	}
	return record, nil
}

func (s *Service) Artifacts(ctx context.Context, sessionID string) (domain.Artifacts, error) {
	_, artifacts, err := s.Snapshot(ctx, sessionID)
	return artifacts, err
}

func (s *Service) drive(ctx context.Context, sess *session, turn fsm.Turn) error {
	var pendingGraph planning.Graph
	for {
		tr := sess.machine.Step(turn)
		if tr.Accepted {
			if err := s.accept(ctx, sess, turn.Outcome, pendingGraph); err != nil {
				return s.fail(ctx, sess, err)
			}
		}
		if tr.From != tr.To {
			if err := s.moveTo(ctx, sess, tr.To); err != nil {
				return s.fail(ctx, sess, err)
			}
		}
		if tr.To == domain.StateComplete {
			return nil
		}

		if sess.record.Rounds >= s.cfg.MaxRounds {
			return s.fail(ctx, sess, &NotConvergedError{
				SessionID: sess.record.ID,
				Rounds:    sess.record.Rounds,
				LastState: tr.To,
			})
		}

		started := time.Now()
		content, err := s.replies.Reply(ctx, tr.Speaker, append([]domain.Message(nil), sess.history...))
		if err != nil {
			return s.fail(ctx, sess, fmt.Errorf("%s reply: %w", tr.Speaker, err))
		}
		s.cfg.Metrics.RecordTurn(tr.Speaker, time.Since(started))
		sess.record.Rounds++
		if _, err := s.appendMessage(ctx, sess, tr.Speaker, content); err != nil {
			return s.fail(ctx, sess, err)
		}

		outcome := fsm.Detect(tr.Speaker, content)
		outcome, pendingGraph = s.review(ctx, sess, outcome)
		turn = fsm.Turn{Speaker: tr.Speaker, Outcome: outcome}
	}
}

// review validates proposed plans and records the outcomes that keep the floor
// with the same role.
func (s *Service) review(ctx context.Context, sess *session, outcome fsm.Outcome) (fsm.Outcome, planning.Graph) {
	switch o := outcome.(type) {
	case fsm.PlanProposed:
		graph, err := planning.Validate(o.Tasks)
		if err == nil {
			s.cfg.Metrics.RecordPlanValidation("accepted")
			return o, graph
		}
		outcome = fsm.PlanRejected{Err: err}
		s.rejectPlan(ctx, sess, err)
	case fsm.PlanRejected:
		s.rejectPlan(ctx, sess, o.Err)
	case fsm.NeedsClarification:
		s.logDecision(ctx, sess.record.ID, "clarification_requested", trimText(o.Question, 240), nil)
	}
	return outcome, planning.Graph{}
}

func (s *Service) rejectPlan(ctx context.Context, sess *session, err error) {
	s.cfg.Metrics.RecordPlanValidation("rejected")
	payload := map[string]any{"error": err.Error()}
	var cycle *planning.CycleError
	var dangling *planning.DanglingDependencyError
	switch {
	case errors.As(err, &cycle):
		payload["cycle"] = cycle.Path
	case errors.As(err, &dangling):
		payload["task_id"] = dangling.TaskID
		payload["missing_id"] = dangling.MissingID
	}
	s.logDecision(ctx, sess.record.ID, "plan_rejected", err.Error(), payload)

	note := fmt.Sprintf("Plan rejected: %v. Send a corrected plan; the previous plan version stays in effect.", err)
	if _, appendErr := s.appendMessage(ctx, sess, domain.RoleSystem, note); appendErr != nil {
		s.logger.Printf("append rejection note failed session=%s: %v", sess.record.ID, appendErr)
	}
}

func (s *Service) accept(ctx context.Context, sess *session, outcome fsm.Outcome, graph planning.Graph) error {
	switch o := outcome.(type) {
	case fsm.GoalClarified:
		if err := sess.artifacts.SetStructuredGoal(o.Goal); err != nil {
			return fmt.Errorf("structured goal: %w", err)
		}
	case fsm.ResearchComplete:
		if err := sess.artifacts.SetResearchReport(o.Report); err != nil {
			return fmt.Errorf("research report: %w", err)
		}
	case fsm.PlanProposed:
		return s.acceptPlan(ctx, sess, o.Tasks, graph)
	case fsm.DirectiveIssued:
		s.logDecision(ctx, sess.record.ID, "directive_issued", trimText(o.Text, 240), map[string]any{"no_action": o.NoAction})
		return nil
	default:
		return nil
	}
	return s.store.SaveArtifacts(ctx, sess.record.ID, sess.artifacts)
}

func (s *Service) acceptPlan(ctx context.Context, sess *session, tasks []domain.Task, graph planning.Graph) error {
	source := domain.PlanSourceInitial
	if sess.artifacts.Feedback != nil {
		source = domain.PlanSourceReplan
	}
	plan := domain.Plan{
		SessionID: sess.record.ID,
		Version:   sess.planVersion + 1,
		Goal:      sess.record.Goal,
		Tasks:     tasks,
		Source:    source,
		CreatedAt: s.cfg.Now(),
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return err
	}
	sess.planVersion = plan.Version
	if err := sess.artifacts.SetPlan(plan); err != nil {
		return fmt.Errorf("plan v%d: %w", plan.Version, err)
	}
	if err := s.store.SaveArtifacts(ctx, sess.record.ID, sess.artifacts); err != nil {
		return err
	}

	s.publish(domain.Event{
		Type:      domain.EventPlanUpdated,
		SessionID: sess.record.ID,
		State:     sess.record.State,
		Payload:   map[string]any{"plan": plan, "topological_order": graph.Order},
	})
	s.logDecision(ctx, sess.record.ID, "plan_accepted", fmt.Sprintf("plan v%d accepted with %d tasks", plan.Version, len(plan.Tasks)), map[string]any{
		"version": plan.Version,
		"order":   graph.Order,
	})

	if s.cfg.Sink != nil {
		if err := s.cfg.Sink.ExportPlan(ctx, plan, graph); err != nil {
			s.logger.Printf("plan export failed session=%s version=%d: %v", sess.record.ID, plan.Version, err)
		}
	}
	return nil
}

func (s *Service) moveTo(ctx context.Context, sess *session, state domain.State) error {
	from := sess.record.State
	sess.record.State = state
	sess.record.UpdatedAt = s.cfg.Now()
	if err := s.store.UpdateSession(ctx, sess.record); err != nil {
		return err
	}
	if from == state {
		return nil
	}
	s.cfg.Metrics.RecordTransition(from, state)
	s.publish(domain.Event{
		Type:      domain.EventStatusChange,
		SessionID: sess.record.ID,
		State:     state,
		Payload:   map[string]any{"from": from, "to": state, "rounds": sess.record.Rounds},
	})
	s.logDecision(ctx, sess.record.ID, "transition", fmt.Sprintf("%s -> %s", from, state), nil)
	return nil
}

func (s *Service) fail(ctx context.Context, sess *session, cause error) error {
	sess.machine.Fail()
	sess.record.LastError = cause.Error()
	if err := s.moveTo(ctx, sess, domain.StateError); err != nil {
		s.logger.Printf("persist error state failed session=%s: %v", sess.record.ID, err)
	}
	s.logDecision(ctx, sess.record.ID, "session_failed", trimText(cause.Error(), 240), nil)
	s.logger.Printf("session failed session=%s rounds=%d: %v", sess.record.ID, sess.record.Rounds, cause)
	return cause
}

func (s *Service) appendMessage(ctx context.Context, sess *session, speaker domain.Role, content string) (domain.Message, error) {
	msg, err := s.store.AppendMessage(ctx, domain.Message{
		ID:        uuid.NewString(),
		SessionID: sess.record.ID,
		Speaker:   speaker,
		Content:   content,
		CreatedAt: s.cfg.Now(),
	})
	if err != nil {
		return domain.Message{}, err
	}
	sess.history = append(sess.history, msg)
	s.publish(domain.Event{
		Type:      domain.EventAgentMessage,
		SessionID: sess.record.ID,
		State:     sess.record.State,
		Payload:   msg,
	})
	return msg, nil
}

// load returns the live session, rebuilding it from the store when the
// process has not seen it yet. The history starts at the goal message of the
// latest run, as RunSession leaves it in memory.
func (s *Service) load(ctx context.Context, sessionID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}
	record, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	artifacts, err := s.store.LoadArtifacts(ctx, sessionID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	start, err := s.store.LatestRunStart(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListMessagesFrom(ctx, sessionID, start)
	if err != nil {
		return nil, err
	}
	sess := &session{
		record:    record,
		artifacts: artifacts,
		machine:   fsm.NewMachine(),
		history:   history,
	}
	sess.machine.Reset(record.State)
	// Versions keep counting across reruns, so the next one follows the
	// newest stored plan even when the current run has none.
	latest, err := s.store.LatestPlan(ctx, sessionID)
	switch {
	case err == nil:
		sess.planVersion = latest.Version
	case !errors.Is(err, sqlitestore.ErrNotFound):
		return nil, err
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *Service) publish(event domain.Event) {
	if s.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = s.cfg.Now()
	}
	if err := s.events.Publish(event); err != nil {
		s.logger.Printf("publish event failed session=%s type=%s: %v", event.SessionID, event.Type, err)
	}
}

func (s *Service) logDecision(ctx context.Context, sessionID, action, reason string, payload any) {
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		SessionID: sessionID,
		Actor:     orchestratorActor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
	})
}

func wrapNotFound(err error) error {
	if errors.Is(err, sqlitestore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return err
}

func lastContent(history []domain.Message, role domain.Role) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == role {
			return history[i].Content
		}
	}
	return ""
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}

func trimText(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
