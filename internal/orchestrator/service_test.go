package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios/internal/agent"
	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/messaging/inproc"
	"helios/internal/metrics"
	"helios/internal/planning"
	sqlitestore "helios/internal/store/sqlite"
)

var testNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

const cyclicPlan = `{"plan":{"tasks":[
	{"id":"a","description":"a","due_date":"2025-01-02","depends_on":["b"]},
	{"id":"b","description":"b","due_date":"2025-01-03","depends_on":["a"]}]}}`

const danglingPlan = `{"plan":{"tasks":[{"id":"a","description":"a","due_date":"2025-01-02","depends_on":["ghost"]}]}}`

type harness struct {
	svc     *Service
	store   *sqlitestore.Store
	bus     *inproc.Bus
	roster  *agent.Roster
	metrics *metrics.Metrics
	sink    *recordingSink
}

type recordingSink struct {
	mu    sync.Mutex
	plans []domain.Plan
}

func (s *recordingSink) ExportPlan(_ context.Context, plan domain.Plan, _ planning.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, plan)
	return nil
}

func newHarness(t *testing.T, replies func(*agent.Roster) ReplyProvider, maxRounds int) *harness {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "helios.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	logger := log.New(io.Discard, "", 0)
	roster := agent.NewRoster(agent.RosterOptions{
		Now:    func() time.Time { return testNow },
		Logger: logger,
	})
	var provider ReplyProvider = roster
	if replies != nil {
		provider = replies(roster)
	}

	_, m := metrics.NewRegistry()
	h := &harness{
		store:   store,
		bus:     inproc.New(512),
		roster:  roster,
		metrics: m,
		sink:    &recordingSink{},
	}
	h.svc = New(store, provider, h.bus, Config{
		MaxRounds: maxRounds,
		Now:       func() time.Time { return testNow },
		Sink:      h.sink,
		Metrics:   m,
	}, logger)
	return h
}

func decisionActions(t *testing.T, store *sqlitestore.Store, sessionID string) []string {
	t.Helper()
	entries, err := store.ListDecisions(context.Background(), sessionID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestRunProducesPlan(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	res, err := h.svc.Run(ctx, "在3个月内学习Python编程")
	require.NoError(t, err)

	assert.Equal(t, domain.StateComplete, res.State)
	assert.Equal(t, 3, res.Rounds)
	require.NotNil(t, res.StructuredGoal)
	assert.Equal(t, "3个月", res.StructuredGoal.Timeframe)
	require.NotNil(t, res.ResearchReport)
	require.NotNil(t, res.Plan)
	assert.Equal(t, 1, res.Plan.Version)
	assert.Equal(t, domain.PlanSourceInitial, res.Plan.Source)
	assert.Len(t, res.Plan.Tasks, 4)
	assert.Equal(t, []string{"task_1", "task_2", "task_3", "task_4"}, res.Order)

	record, err := h.svc.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, record.State)
	assert.Equal(t, 3, record.Rounds)

	messages, err := h.store.ListMessages(ctx, res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	speakers := []domain.Role{messages[0].Speaker, messages[1].Speaker, messages[2].Speaker, messages[3].Speaker}
	assert.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAnalyst, domain.RoleResearcher, domain.RoleStrategist}, speakers)
	assert.True(t, strings.HasPrefix(messages[0].Content, domain.GoalMessagePrefix))

	artifacts, err := h.svc.Artifacts(ctx, res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, artifacts.Plan)
	assert.Equal(t, res.Plan.Tasks, artifacts.Plan.Tasks)
	require.NotNil(t, artifacts.StructuredGoal)

	require.Len(t, h.sink.plans, 1)
	assert.Contains(t, decisionActions(t, h.store, res.SessionID), "plan_accepted")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Sessions.WithLabelValues("run", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PlanValidations.WithLabelValues("accepted")))
}

func TestRunPublishesEvents(t *testing.T) {
	h := newHarness(t, nil, 0)
	_, events := h.bus.Subscribe("")

	res, err := h.svc.Run(context.Background(), "学习Go语言")
	require.NoError(t, err)

	counts := map[domain.EventType]int{}
	var states []domain.State
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, res.SessionID, ev.SessionID)
		counts[ev.Type]++
		if ev.Type == domain.EventStatusChange {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, 4, counts[domain.EventAgentMessage])
	assert.Equal(t, 1, counts[domain.EventPlanUpdated])
	assert.Equal(t, []domain.State{domain.StateAnalyzing, domain.StateResearching, domain.StatePlanning, domain.StateComplete}, states)
}

func TestRunNotConverged(t *testing.T) {
	h := newHarness(t, func(*agent.Roster) ReplyProvider {
		return agent.FuncProvider(func(context.Context, domain.Role, []domain.Message) (string, error) {
			return "still thinking", nil
		})
	}, 5)
	ctx := context.Background()

	res, err := h.svc.Run(ctx, "学习Go语言")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotConverged)
	var nc *NotConvergedError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, 5, nc.Rounds)
	assert.Equal(t, domain.StateAnalyzing, nc.LastState)
	assert.Equal(t, domain.StateError, res.State)

	record, err := h.svc.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, record.State)
	assert.Contains(t, record.LastError, "did not converge")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Sessions.WithLabelValues("run", "error")))
}

func TestRunRejectsCyclicPlanAndRetriesStrategist(t *testing.T) {
	var strategistCalls int
	h := newHarness(t, func(r *agent.Roster) ReplyProvider {
		return agent.FuncProvider(func(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
			if role == domain.RoleStrategist {
				strategistCalls++
				if strategistCalls == 1 {
					return cyclicPlan, nil
				}
			}
			return r.Reply(ctx, role, history)
		})
	}, 0)
	ctx := context.Background()

	res, err := h.svc.Run(ctx, "学习Go语言")
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, res.State)
	assert.Equal(t, 2, strategistCalls)
	assert.Equal(t, 4, res.Rounds)
	require.NotNil(t, res.Plan)
	assert.Equal(t, 1, res.Plan.Version)

	messages, err := h.store.ListMessages(ctx, res.SessionID, 0)
	require.NoError(t, err)
	var notes []string
	for _, m := range messages {
		if m.Speaker == domain.RoleSystem {
			notes = append(notes, m.Content)
		}
	}
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "cycle")
	assert.Contains(t, decisionActions(t, h.store, res.SessionID), "plan_rejected")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PlanValidations.WithLabelValues("rejected")))
}

func TestFeedbackNoActionKeepsPlan(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)

	res, err := h.svc.ProcessFeedback(ctx, run.SessionID, "计划很好，谢谢")
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, res.State)
	assert.Equal(t, domain.IntentNone, res.Feedback.Intent.Kind)
	assert.True(t, feedback.IsNoAction(res.Directive))
	assert.Equal(t, 1, res.Rounds)
	require.NotNil(t, res.OriginalPlan)
	require.NotNil(t, res.UpdatedPlan)
	assert.Equal(t, res.OriginalPlan.Version, res.UpdatedPlan.Version)

	plans, err := h.store.ListPlans(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestFeedbackReplansWithNewVersion(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)

	res, err := h.svc.ProcessFeedback(ctx, run.SessionID, "这个计划太难了")
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, res.State)
	assert.Equal(t, domain.IntentReduceDifficulty, res.Feedback.Intent.Kind)
	assert.Equal(t, domain.PriorityHigh, res.Feedback.Intent.Priority)
	assert.Equal(t, feedback.Directive(domain.IntentReduceDifficulty), res.Directive)
	assert.Equal(t, 2, res.Rounds)

	require.NotNil(t, res.OriginalPlan)
	require.NotNil(t, res.UpdatedPlan)
	assert.Equal(t, 1, res.OriginalPlan.Version)
	assert.Equal(t, 2, res.UpdatedPlan.Version)
	assert.Equal(t, domain.PlanSourceReplan, res.UpdatedPlan.Source)
	assert.Equal(t, "2025-01-08", res.OriginalPlan.Tasks[0].DueDate)
	assert.Equal(t, "2025-01-10", res.UpdatedPlan.Tasks[0].DueDate)

	artifacts, err := h.svc.Artifacts(ctx, run.SessionID)
	require.NoError(t, err)
	require.NotNil(t, artifacts.Feedback)
	assert.Equal(t, "这个计划太难了", artifacts.Feedback.Text)
	assert.Equal(t, 2, artifacts.Plan.Version)
	assert.Len(t, h.sink.plans, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FeedbackIntents.WithLabelValues(string(domain.IntentReduceDifficulty))))
}

func TestFeedbackKeepsLastValidPlanWhenReplanNeverValidates(t *testing.T) {
	replanning := false
	h := newHarness(t, func(r *agent.Roster) ReplyProvider {
		return agent.FuncProvider(func(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
			if role == domain.RoleStrategist && replanning {
				return danglingPlan, nil
			}
			return r.Reply(ctx, role, history)
		})
	}, 4)
	ctx := context.Background()
	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)

	replanning = true
	res, err := h.svc.ProcessFeedback(ctx, run.SessionID, "太简单了")
	assert.ErrorIs(t, err, ErrSessionNotConverged)
	assert.Equal(t, domain.StateError, res.State)
	assert.Nil(t, res.UpdatedPlan)

	artifacts, err := h.svc.Artifacts(ctx, run.SessionID)
	require.NoError(t, err)
	require.NotNil(t, artifacts.Plan)
	assert.Equal(t, 1, artifacts.Plan.Version)
	assert.Equal(t, run.Plan.Tasks, artifacts.Plan.Tasks)
}

func TestFeedbackAfterRestartRebuildsSession(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)

	restarted := New(h.store, h.roster, nil, Config{Now: func() time.Time { return testNow }}, log.New(io.Discard, "", 0))
	res, err := restarted.ProcessFeedback(ctx, run.SessionID, "我最近没时间")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentExtendTimeline, res.Feedback.Intent.Kind)
	require.NotNil(t, res.UpdatedPlan)
	assert.Equal(t, 2, res.UpdatedPlan.Version)
	assert.Equal(t, "2025-01-15", res.UpdatedPlan.Tasks[0].DueDate)
}

func TestFeedbackAfterRestartRevisesCurrentPlanInLongSession(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)

	for i := 0; i < 520; i++ {
		_, err := h.store.AppendMessage(ctx, domain.Message{
			ID:        uuid.NewString(),
			SessionID: run.SessionID,
			Speaker:   domain.RoleSystem,
			Content:   "note",
		})
		require.NoError(t, err)
	}
	harder, err := h.svc.ProcessFeedback(ctx, run.SessionID, "太简单了")
	require.NoError(t, err)
	require.NotNil(t, harder.UpdatedPlan)
	assert.Equal(t, 2, harder.UpdatedPlan.Version)
	require.Len(t, harder.UpdatedPlan.Tasks, 5)

	restarted := New(h.store, h.roster, nil, Config{Now: func() time.Time { return testNow }}, log.New(io.Discard, "", 0))
	res, err := restarted.ProcessFeedback(ctx, run.SessionID, "太简单了")
	require.NoError(t, err)
	require.NotNil(t, res.OriginalPlan)
	assert.Equal(t, 2, res.OriginalPlan.Version)
	assert.Len(t, res.OriginalPlan.Tasks, 5)
	require.NotNil(t, res.UpdatedPlan)
	assert.Equal(t, 3, res.UpdatedPlan.Version)
	require.Len(t, res.UpdatedPlan.Tasks, 6)
	assert.Equal(t, "task_6", res.UpdatedPlan.Tasks[5].ID)
	assert.Equal(t, []string{"task_5"}, res.UpdatedPlan.Tasks[5].DependsOn)
}

func TestRestartedSessionHistoryStartsAtLatestRun(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)
	_, err = h.svc.RunSession(ctx, run.SessionID, "学习Rust")
	require.NoError(t, err)

	live, err := h.svc.load(ctx, run.SessionID)
	require.NoError(t, err)

	restarted := New(h.store, h.roster, nil, Config{Now: func() time.Time { return testNow }}, log.New(io.Discard, "", 0))
	rebuilt, err := restarted.load(ctx, run.SessionID)
	require.NoError(t, err)

	require.Len(t, rebuilt.history, len(live.history))
	assert.Equal(t, domain.GoalMessagePrefix+"学习Rust", rebuilt.history[0].Content)
	assert.Equal(t, live.history[0].Seq, rebuilt.history[0].Seq)
	assert.Equal(t, 2, rebuilt.planVersion)
}

func TestFailedRerunDropsPreviousPlanFromSnapshot(t *testing.T) {
	var failing atomic.Bool
	h := newHarness(t, func(r *agent.Roster) ReplyProvider {
		return agent.FuncProvider(func(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
			if failing.Load() && role == domain.RoleStrategist {
				return "", errors.New("model offline")
			}
			return r.Reply(ctx, role, history)
		})
	}, 0)
	ctx := context.Background()

	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)
	require.Equal(t, 1, run.Plan.Version)

	failing.Store(true)
	_, err = h.svc.RunSession(ctx, run.SessionID, "")
	require.Error(t, err)

	_, artifacts, err := h.svc.Snapshot(ctx, run.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, artifacts.StructuredGoal)
	assert.Nil(t, artifacts.Plan)
	plans, err := h.store.ListPlans(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Len(t, plans, 1)

	failing.Store(false)
	restarted := New(h.store, h.svc.replies, nil, Config{Now: func() time.Time { return testNow }}, log.New(io.Discard, "", 0))
	again, err := restarted.RunSession(ctx, run.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Plan.Version)

	_, artifacts, err = restarted.Snapshot(ctx, run.SessionID)
	require.NoError(t, err)
	require.NotNil(t, artifacts.Plan)
	assert.Equal(t, 2, artifacts.Plan.Version)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	_, err := h.svc.ProcessFeedback(ctx, "missing", "太难了")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.svc.RunSession(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = h.svc.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEmptyInputs(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	_, err := h.svc.Run(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyGoal)

	run, err := h.svc.Run(ctx, "学习Python")
	require.NoError(t, err)
	_, err = h.svc.ProcessFeedback(ctx, run.SessionID, "")
	assert.ErrorIs(t, err, ErrEmptyFeedback)
}

func TestReplyErrorFailsSession(t *testing.T) {
	boom := errors.New("provider down")
	h := newHarness(t, func(r *agent.Roster) ReplyProvider {
		return agent.FuncProvider(func(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
			if role == domain.RoleResearcher {
				return "", boom
			}
			return r.Reply(ctx, role, history)
		})
	}, 0)
	ctx := context.Background()

	res, err := h.svc.Run(ctx, "学习Python")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.StateError, res.State)

	record, err := h.svc.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateError, record.State)
	assert.Contains(t, record.LastError, "provider down")
	assert.Contains(t, decisionActions(t, h.store, res.SessionID), "session_failed")
}

func TestRunSessionRerunsFromScratch(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	record, err := h.svc.Create(ctx, "学习Python")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInit, record.State)

	first, err := h.svc.RunSession(ctx, record.ID, "")
	require.NoError(t, err)
	second, err := h.svc.RunSession(ctx, record.ID, "学习Rust")
	require.NoError(t, err)

	assert.Equal(t, 1, first.Plan.Version)
	assert.Equal(t, 2, second.Plan.Version)
	assert.Contains(t, second.Plan.Tasks[0].Description, "Rust")

	stored, err := h.svc.Session(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "学习Rust", stored.Goal)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()

	goals := []string{"学习Python", "学习Go语言", "学习Rust", "学习SQL"}
	results := make([]RunResult, len(goals))
	errs := make([]error, len(goals))
	var wg sync.WaitGroup
	for i, goal := range goals {
		wg.Add(1)
		go func(i int, goal string) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Run(ctx, goal)
		}(i, goal)
	}
	wg.Wait()

	for i := range goals {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StateComplete, results[i].State)
		assert.Equal(t, 1, results[i].Plan.Version)
	}
}
