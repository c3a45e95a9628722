package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/fsm"
	"helios/internal/planning"
)

var fixedNow = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestRoster(opts RosterOptions) *Roster {
	opts.Now = func() time.Time { return fixedNow }
	opts.Logger = log.New(io.Discard, "", 0)
	return NewRoster(opts)
}

func msg(role domain.Role, content string) domain.Message {
	return domain.Message{Speaker: role, Content: content}
}

func goalMsg(goal string) domain.Message {
	return msg(domain.RoleUser, domain.GoalMessagePrefix+goal)
}

func TestAnalystExtractsStructuredGoal(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	reply, err := r.Reply(context.Background(), domain.RoleAnalyst, []domain.Message{goalMsg("在3个月内学习Python编程")})
	require.NoError(t, err)

	out, ok := fsm.Detect(domain.RoleAnalyst, reply).(fsm.GoalClarified)
	require.True(t, ok, "reply %q", reply)
	assert.Equal(t, "在3个月内学习Python编程", out.Goal.Goal)
	assert.Equal(t, "Python编程", out.Goal.Topic)
	assert.Equal(t, "3个月", out.Goal.Timeframe)
	assert.Equal(t, "beginner", out.Goal.Level)
}

func TestAnalystEnglishGoal(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	reply, err := r.Reply(context.Background(), domain.RoleAnalyst, []domain.Message{goalMsg("I want to learn Rust in 6 weeks, intermediate level")})
	require.NoError(t, err)

	out, ok := fsm.Detect(domain.RoleAnalyst, reply).(fsm.GoalClarified)
	require.True(t, ok)
	assert.Equal(t, "Rust", out.Goal.Topic)
	assert.Equal(t, "6 weeks", out.Goal.Timeframe)
	assert.Equal(t, "intermediate", out.Goal.Level)
}

func TestAnalystDefaultsTimeframeWithoutClarifier(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	reply, err := r.Reply(context.Background(), domain.RoleAnalyst, []domain.Message{goalMsg("学习Go语言")})
	require.NoError(t, err)

	out, ok := fsm.Detect(domain.RoleAnalyst, reply).(fsm.GoalClarified)
	require.True(t, ok)
	assert.Equal(t, defaultTimeframe, out.Goal.Timeframe)
}

func TestAnalystAsksOnceThenUsesClarifier(t *testing.T) {
	var questions []string
	r := newTestRoster(RosterOptions{Clarifier: ClarifierFunc(func(_ context.Context, q string) (string, error) {
		questions = append(questions, q)
		return "两个月", nil
	})})
	history := []domain.Message{goalMsg("学习Go语言")}

	first, err := r.Reply(context.Background(), domain.RoleAnalyst, history)
	require.NoError(t, err)
	ask, ok := fsm.Detect(domain.RoleAnalyst, first).(fsm.NeedsClarification)
	require.True(t, ok, "reply %q", first)
	assert.Equal(t, clarificationQuestion, ask.Question)
	assert.Empty(t, questions)

	history = append(history, msg(domain.RoleAnalyst, first))
	second, err := r.Reply(context.Background(), domain.RoleAnalyst, history)
	require.NoError(t, err)
	out, ok := fsm.Detect(domain.RoleAnalyst, second).(fsm.GoalClarified)
	require.True(t, ok, "reply %q", second)
	assert.Equal(t, "两个月", out.Goal.Timeframe)
	assert.Equal(t, []string{clarificationQuestion}, questions)
}

func TestAnalystClarifierError(t *testing.T) {
	boom := errors.New("stdin closed")
	r := newTestRoster(RosterOptions{Clarifier: ClarifierFunc(func(context.Context, string) (string, error) {
		return "", boom
	})})
	history := []domain.Message{goalMsg("学习Go语言")}
	first, err := r.Reply(context.Background(), domain.RoleAnalyst, history)
	require.NoError(t, err)

	_, err = r.Reply(context.Background(), domain.RoleAnalyst, append(history, msg(domain.RoleAnalyst, first)))
	assert.ErrorIs(t, err, boom)
}

func TestResearcherReportsStaticSources(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	history := []domain.Message{
		goalMsg("学习Python"),
		msg(domain.RoleAnalyst, `{"structured_goal":{"goal":"学习Python","topic":"Python"},"status":"clarified"}`),
	}
	reply, err := r.Reply(context.Background(), domain.RoleResearcher, history)
	require.NoError(t, err)

	out, ok := fsm.Detect(domain.RoleResearcher, reply).(fsm.ResearchComplete)
	require.True(t, ok)
	assert.Equal(t, "Python", out.Report.Topic)
	assert.Len(t, out.Report.Findings, 3)
	assert.Contains(t, out.Report.Sources, "https://example.com/feynman")
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string) ([]SearchResult, error) {
	return nil, errors.New("offline")
}

func TestResearcherSearchError(t *testing.T) {
	r := newTestRoster(RosterOptions{Searcher: failingSearcher{}})
	_, err := r.Reply(context.Background(), domain.RoleResearcher, []domain.Message{goalMsg("学习Python")})
	assert.ErrorContains(t, err, "offline")
}

func initialPlan(t *testing.T, r *Roster) (string, []domain.Task) {
	t.Helper()
	history := []domain.Message{
		goalMsg("学习Python"),
		msg(domain.RoleAnalyst, `{"structured_goal":{"goal":"学习Python","topic":"Python"},"status":"clarified"}`),
	}
	reply, err := r.Reply(context.Background(), domain.RoleStrategist, history)
	require.NoError(t, err)
	tasks, err := planning.ParsePlan(reply)
	require.NoError(t, err)
	return reply, tasks
}

func TestStrategistInitialPlanIsValidChain(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	reply, tasks := initialPlan(t, r)

	_, ok := fsm.Detect(domain.RoleStrategist, reply).(fsm.PlanProposed)
	assert.True(t, ok)
	require.Len(t, tasks, 4)
	g, err := planning.Validate(tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1", "task_2", "task_3", "task_4"}, g.Order)
	assert.Equal(t, "2025-01-08", tasks[0].DueDate)
	assert.Equal(t, "2025-01-29", tasks[3].DueDate)
	assert.Empty(t, tasks[0].DependsOn)
	assert.Equal(t, []string{"task_3"}, tasks[3].DependsOn)
	assert.Contains(t, tasks[0].Description, "Python")
}

func TestStrategistUsesResearchFindingForReview(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	history := []domain.Message{
		goalMsg("学习Python"),
		msg(domain.RoleAnalyst, `{"structured_goal":{"goal":"学习Python","topic":"Python"},"status":"clarified"}`),
		msg(domain.RoleResearcher, `{"research_report":{"topic":"Python","summary":"s","findings":["间隔重复学习法：逐渐增加复习间隔"]}}`),
	}
	reply, err := r.Reply(context.Background(), domain.RoleStrategist, history)
	require.NoError(t, err)
	tasks, err := planning.ParsePlan(reply)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	assert.Equal(t, "复习Python，运用「间隔重复学习法」巩固所学", tasks[3].Description)
}

func revisedPlan(t *testing.T, kind domain.IntentKind) ([]domain.Task, []domain.Task) {
	t.Helper()
	r := newTestRoster(RosterOptions{})
	planReply, base := initialPlan(t, r)
	history := []domain.Message{
		goalMsg("学习Python"),
		msg(domain.RoleStrategist, planReply),
		msg(domain.RoleUser, "反馈"),
		msg(domain.RoleAdaptor, feedback.Directive(kind)),
	}
	reply, err := r.Reply(context.Background(), domain.RoleStrategist, history)
	require.NoError(t, err)
	tasks, err := planning.ParsePlan(reply)
	require.NoError(t, err)
	_, err = planning.Validate(tasks)
	require.NoError(t, err)
	return base, tasks
}

func TestStrategistRevisions(t *testing.T) {
	t.Run("reduce difficulty stretches deadlines progressively", func(t *testing.T) {
		_, tasks := revisedPlan(t, domain.IntentReduceDifficulty)
		assert.Equal(t, "2025-01-10", tasks[0].DueDate)
		assert.Equal(t, "2025-02-06", tasks[3].DueDate)
	})
	t.Run("increase difficulty adds a challenge task", func(t *testing.T) {
		_, tasks := revisedPlan(t, domain.IntentIncreaseDifficulty)
		require.Len(t, tasks, 5)
		assert.Equal(t, "task_5", tasks[4].ID)
		assert.Equal(t, []string{"task_4"}, tasks[4].DependsOn)
		assert.Equal(t, "2025-02-05", tasks[4].DueDate)
	})
	t.Run("extend timeline adds a week", func(t *testing.T) {
		base, tasks := revisedPlan(t, domain.IntentExtendTimeline)
		assert.Equal(t, "2025-01-15", tasks[0].DueDate)
		assert.Equal(t, base[1].Description, tasks[1].Description)
	})
	t.Run("schedule change shifts three days", func(t *testing.T) {
		_, tasks := revisedPlan(t, domain.IntentChangeSchedule)
		assert.Equal(t, "2025-01-11", tasks[0].DueDate)
	})
	t.Run("clarify adds steps", func(t *testing.T) {
		base, tasks := revisedPlan(t, domain.IntentClarifyTasks)
		for i := range tasks {
			assert.Contains(t, tasks[i].Description, "步骤：")
			assert.Equal(t, base[i].DueDate, tasks[i].DueDate)
		}
	})
}

func TestStrategistReproposesAfterRejectionNote(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	planReply, base := initialPlan(t, r)
	history := []domain.Message{
		goalMsg("学习Python"),
		msg(domain.RoleStrategist, planReply),
		msg(domain.RoleStrategist, `{"plan":{"tasks":[{"id":"a","depends_on":["a"]}]}}`),
		msg(domain.RoleSystem, "plan rejected: cycle detected"),
	}
	reply, err := r.Reply(context.Background(), domain.RoleStrategist, history)
	require.NoError(t, err)
	tasks, err := planning.ParsePlan(reply)
	require.NoError(t, err)
	assert.Equal(t, base, tasks)
}

func TestAdaptorUsesLatestFeedback(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	history := []domain.Message{
		goalMsg("学习Python"),
		msg(domain.RoleUser, "太简单了"),
		msg(domain.RoleAdaptor, feedback.Directive(domain.IntentIncreaseDifficulty)),
		msg(domain.RoleUser, "这个计划太难了"),
	}
	reply, err := r.Reply(context.Background(), domain.RoleAdaptor, history)
	require.NoError(t, err)
	assert.Equal(t, feedback.Directive(domain.IntentReduceDifficulty), reply)

	out, ok := fsm.Detect(domain.RoleAdaptor, reply).(fsm.DirectiveIssued)
	require.True(t, ok)
	assert.False(t, out.NoAction)
}

func TestAdaptorWithoutFeedbackIsNoAction(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	reply, err := r.Reply(context.Background(), domain.RoleAdaptor, []domain.Message{goalMsg("学习Python")})
	require.NoError(t, err)
	assert.True(t, feedback.IsNoAction(reply))
}

func TestRosterUnknownRole(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	_, err := r.Reply(context.Background(), domain.RoleSystem, nil)
	assert.ErrorIs(t, err, ErrNoAgent)
}

type cannedAgent string

func (c cannedAgent) Reply(context.Context, []domain.Message) (string, error) {
	return string(c), nil
}

func TestRosterSetOverridesRole(t *testing.T) {
	r := newTestRoster(RosterOptions{})
	r.Set(domain.RoleResearcher, cannedAgent("custom"))
	got, err := r.Reply(context.Background(), domain.RoleResearcher, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", got)
}

func TestFuncProvider(t *testing.T) {
	var gotRole domain.Role
	p := FuncProvider(func(_ context.Context, role domain.Role, _ []domain.Message) (string, error) {
		gotRole = role
		return "ok", nil
	})
	got, err := p.Reply(context.Background(), domain.RoleAdaptor, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, domain.RoleAdaptor, gotRole)
}
