package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/fsm"
)

const (
	defaultTimeframe = "4 weeks"
	defaultLevel     = "beginner"
	dueDateLayout    = "2006-01-02"
)

// Clarifier answers a question the analyst has for the user.
type Clarifier interface {
	Clarify(ctx context.Context, question string) (string, error)
}

type ClarifierFunc func(ctx context.Context, question string) (string, error)

func (f ClarifierFunc) Clarify(ctx context.Context, question string) (string, error) {
	return f(ctx, question)
}

var (
	timeframePattern = regexp.MustCompile(`(?i)(\d+|[一二两三四五六七八九十]+)\s*(个月|周|星期|天|days?|weeks?|months?)`)
	topicPatterns    = []*regexp.Regexp{
		regexp.MustCompile(`(?:学习|学会|掌握|精通)\s*([\p{Han}A-Za-z0-9+#.\- ]+?)(?:[，。,.!！?？]|$|的|并|，)`),
		regexp.MustCompile(`(?i)(?:learn|master|study)\s+([A-Za-z0-9+#.\- ]+?)(?:[,.!?]|$| in | within | by )`),
	}
	levelWords = []struct {
		level string
		words []string
	}{
		{"advanced", []string{"精通", "高级", "advanced", "expert"}},
		{"intermediate", []string{"进阶", "中级", "intermediate"}},
		{"beginner", []string{"入门", "零基础", "初学", "beginner", "basics"}},
	}
)

// Analyst turns the latest goal message into a structured goal.
type Analyst struct {
	clarifier Clarifier
}

const clarificationQuestion = "你希望在多长时间内完成这个目标？"

func (a *Analyst) Reply(ctx context.Context, history []domain.Message) (string, error) {
	goal := goalFromHistory(history)
	if goal == "" {
		return mustJSON(map[string]string{
			"action":   fsm.MarkerClarification,
			"question": "请描述你想要达成的目标。",
		}), nil
	}

	timeframe := extractTimeframe(goal)
	if timeframe == "" && a.clarifier != nil {
		if !askedForClarification(history) {
			return mustJSON(map[string]string{
				"action":   fsm.MarkerClarification,
				"question": clarificationQuestion,
			}), nil
		}
		answer, err := a.clarifier.Clarify(ctx, clarificationQuestion)
		if err != nil {
			return "", fmt.Errorf("clarify goal: %w", err)
		}
		answer = strings.TrimSpace(answer)
		timeframe = extractTimeframe(answer)
		if timeframe == "" {
			timeframe = answer
		}
	}
	if timeframe == "" {
		timeframe = defaultTimeframe
	}

	return mustJSON(map[string]any{
		fsm.MarkerStructuredGoal: domain.StructuredGoal{
			Goal:      goal,
			Topic:     extractTopic(goal),
			Timeframe: timeframe,
			Level:     extractLevel(goal),
		},
		"status": "clarified",
	}), nil
}

func askedForClarification(history []domain.Message) bool {
	goalAt := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == domain.RoleUser && strings.HasPrefix(history[i].Content, domain.GoalMessagePrefix) {
			goalAt = i
			break
		}
	}
	for i := goalAt + 1; i < len(history); i++ {
		if history[i].Speaker != domain.RoleAnalyst {
			continue
		}
		if _, ok := fsm.Detect(domain.RoleAnalyst, history[i].Content).(fsm.NeedsClarification); ok {
			return true
		}
	}
	return false
}

func extractTimeframe(text string) string {
	return strings.TrimSpace(timeframePattern.FindString(text))
}

func extractTopic(goal string) string {
	for _, re := range topicPatterns {
		if m := re.FindStringSubmatch(goal); len(m) == 2 {
			if topic := strings.TrimSpace(m[1]); topic != "" {
				return topic
			}
		}
	}
	return goal
}

func extractLevel(goal string) string {
	folded := strings.ToLower(goal)
	for _, lw := range levelWords {
		for _, w := range lw.words {
			if strings.Contains(folded, w) {
				return lw.level
			}
		}
	}
	return defaultLevel
}

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// StaticSearcher returns a fixed set of learning method references.
type StaticSearcher struct{}

func (StaticSearcher) Search(_ context.Context, _ string) ([]SearchResult, error) {
	return []SearchResult{
		{
			Title:   "学习的费曼技巧",
			URL:     "https://example.com/feynman",
			Snippet: "一种包括用简单术语解释概念的学习方法，通过教授概念来加深理解。",
		},
		{
			Title:   "间隔重复学习法",
			URL:     "https://example.com/spaced-repetition",
			Snippet: "一种基于记忆衰减理论的有效学习方法，逐渐增加复习间隔。",
		},
		{
			Title:   "基于项目的学习方法",
			URL:     "https://example.com/project-based",
			Snippet: "通过实际项目学习新技能，在真实情境中应用知识。",
		},
	}, nil
}

// Researcher reports on the structured goal found in the conversation.
type Researcher struct {
	searcher Searcher
}

func (r *Researcher) Reply(ctx context.Context, history []domain.Message) (string, error) {
	goal, ok := structuredGoalFromHistory(history)
	if !ok {
		goal = domain.StructuredGoal{Goal: goalFromHistory(history)}
	}
	topic := goal.Topic
	if topic == "" {
		topic = goal.Goal
	}

	results, err := r.searcher.Search(ctx, topic+" 学习方法")
	if err != nil {
		return "", fmt.Errorf("search %q: %w", topic, err)
	}
	report := domain.ResearchReport{
		Topic:   topic,
		Summary: fmt.Sprintf("关于%s的学习，找到%d种有效方法。", topic, len(results)),
	}
	for _, res := range results {
		report.Findings = append(report.Findings, res.Title+"："+res.Snippet)
		report.Sources = append(report.Sources, res.URL)
	}
	return mustJSON(map[string]any{fsm.MarkerResearchReport: report}), nil
}

// Strategist drafts the initial plan and revises the current one when the
// adaptor asks for a change.
type Strategist struct {
	now func() time.Time
}

func (s *Strategist) Reply(_ context.Context, history []domain.Message) (string, error) {
	tasks, planAt := currentPlan(history)
	adaptorAt := lastIndexOf(history, domain.RoleAdaptor)

	if tasks != nil && adaptorAt > planAt {
		kind, ok := feedback.KindForDirective(history[adaptorAt].Content)
		if !ok {
			kind = domain.IntentNone
		}
		return planJSON(s.revise(tasks, kind)), nil
	}
	if tasks != nil {
		// Nothing new to react to, e.g. after a rejection note: re-propose the
		// last valid plan.
		return planJSON(tasks), nil
	}

	goal, ok := structuredGoalFromHistory(history)
	if !ok {
		goal = domain.StructuredGoal{Goal: goalFromHistory(history)}
	}
	report, _ := reportFromHistory(history)
	return planJSON(s.initial(goal, report)), nil
}

func (s *Strategist) initial(goal domain.StructuredGoal, report domain.ResearchReport) []domain.Task {
	topic := goal.Topic
	if topic == "" {
		topic = goal.Goal
	}
	review := fmt.Sprintf("复习%s并用费曼技巧讲解给他人", topic)
	if len(report.Findings) > 0 {
		method, _, _ := strings.Cut(report.Findings[0], "：")
		review = fmt.Sprintf("复习%s，运用「%s」巩固所学", topic, method)
	}
	start := s.now()
	steps := []struct {
		desc string
		days int
	}{
		{fmt.Sprintf("学习%s的基础知识，整理核心概念笔记", topic), 7},
		{fmt.Sprintf("完成%s的练习题，巩固基础", topic), 14},
		{fmt.Sprintf("用%s完成一个小项目", topic), 21},
		{review, 28},
	}
	tasks := make([]domain.Task, 0, len(steps))
	for i, step := range steps {
		t := domain.Task{
			ID:          fmt.Sprintf("task_%d", i+1),
			Description: step.desc,
			DueDate:     start.AddDate(0, 0, step.days).Format(dueDateLayout),
			DependsOn:   []string{},
		}
		if i > 0 {
			t.DependsOn = []string{tasks[i-1].ID}
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func (s *Strategist) revise(tasks []domain.Task, kind domain.IntentKind) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		t.DependsOn = append([]string{}, t.DependsOn...)
		out[i] = t
	}

	switch kind {
	case domain.IntentReduceDifficulty:
		for i := range out {
			out[i].DueDate = shiftDate(out[i].DueDate, (i+1)*2)
		}
	case domain.IntentIncreaseDifficulty:
		last := out[len(out)-1]
		out = append(out, domain.Task{
			ID:          fmt.Sprintf("task_%d", nextTaskNumber(out)),
			Description: "挑战任务：独立完成一个更复杂的综合项目",
			DueDate:     shiftDate(last.DueDate, 7),
			DependsOn:   []string{last.ID},
		})
	case domain.IntentExtendTimeline:
		for i := range out {
			out[i].DueDate = shiftDate(out[i].DueDate, 7)
		}
	case domain.IntentChangeSchedule:
		for i := range out {
			out[i].DueDate = shiftDate(out[i].DueDate, 3)
		}
	case domain.IntentClarifyTasks:
		for i := range out {
			if !strings.Contains(out[i].Description, "步骤：") {
				out[i].Description += "（步骤：1. 阅读材料 2. 动手练习 3. 记录问题并复盘）"
			}
		}
	}
	return out
}

func nextTaskNumber(tasks []domain.Task) int {
	n := len(tasks)
	for {
		n++
		id := fmt.Sprintf("task_%d", n)
		taken := false
		for _, t := range tasks {
			if t.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return n
		}
	}
}

func shiftDate(date string, days int) string {
	t, err := time.Parse(dueDateLayout, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format(dueDateLayout)
}

func planJSON(tasks []domain.Task) string {
	return mustJSON(map[string]any{
		fsm.MarkerPlan: map[string]any{"tasks": tasks},
	})
}

// Adaptor answers the latest user feedback with a directive.
type Adaptor struct{}

func (Adaptor) Reply(_ context.Context, history []domain.Message) (string, error) {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Speaker == domain.RoleUser && !strings.HasPrefix(msg.Content, domain.GoalMessagePrefix) {
			_, directive := feedback.DirectiveFor(msg.Content)
			return directive, nil
		}
	}
	return feedback.Directive(domain.IntentNone), nil
}
