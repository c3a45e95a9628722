package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"helios/internal/domain"
	"helios/internal/fsm"
	"helios/internal/planning"
)

var ErrNoAgent = errors.New("no agent for role")

// Agent produces one reply for its role from the conversation so far.
type Agent interface {
	Reply(ctx context.Context, history []domain.Message) (string, error)
}

// FuncProvider adapts a function to the orchestrator's reply provider.
type FuncProvider func(ctx context.Context, role domain.Role, history []domain.Message) (string, error)

func (f FuncProvider) Reply(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
	return f(ctx, role, history)
}

type RosterOptions struct {
	Now       func() time.Time
	Searcher  Searcher
	Clarifier Clarifier
	Logger    *log.Logger
}

// Roster answers for every role with the built-in deterministic agents.
type Roster struct {
	agents map[domain.Role]Agent
	logger *log.Logger
}

func NewRoster(opts RosterOptions) *Roster {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Searcher == nil {
		opts.Searcher = StaticSearcher{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Roster{
		agents: map[domain.Role]Agent{
			domain.RoleAnalyst:    &Analyst{clarifier: opts.Clarifier},
			domain.RoleResearcher: &Researcher{searcher: opts.Searcher},
			domain.RoleStrategist: &Strategist{now: opts.Now},
			domain.RoleAdaptor:    &Adaptor{},
		},
		logger: opts.Logger,
	}
}

// Set replaces the agent of one role.
func (r *Roster) Set(role domain.Role, a Agent) {
	r.agents[role] = a
}

func (r *Roster) Reply(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
	a, ok := r.agents[role]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAgent, role)
	}
	reply, err := a.Reply(ctx, history)
	if err != nil {
		return "", err
	}
	r.logger.Printf("agent reply role=%s bytes=%d", role, len(reply))
	return reply, nil
}

func goalFromHistory(history []domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Speaker == domain.RoleUser && strings.HasPrefix(msg.Content, domain.GoalMessagePrefix) {
			return strings.TrimSpace(strings.TrimPrefix(msg.Content, domain.GoalMessagePrefix))
		}
	}
	return ""
}

func structuredGoalFromHistory(history []domain.Message) (domain.StructuredGoal, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker != domain.RoleAnalyst {
			continue
		}
		if g, ok := fsm.Detect(domain.RoleAnalyst, history[i].Content).(fsm.GoalClarified); ok {
			return g.Goal, true
		}
	}
	return domain.StructuredGoal{}, false
}

func reportFromHistory(history []domain.Message) (domain.ResearchReport, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker != domain.RoleResearcher {
			continue
		}
		if r, ok := fsm.Detect(domain.RoleResearcher, history[i].Content).(fsm.ResearchComplete); ok {
			return r.Report, true
		}
	}
	return domain.ResearchReport{}, false
}

// currentPlan finds the latest strategist reply holding a valid plan, along
// with its index in history. Rejected proposals never validate, so they are
// skipped.
func currentPlan(history []domain.Message) ([]domain.Task, int) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker != domain.RoleStrategist {
			continue
		}
		tasks, err := planning.ParsePlan(history[i].Content)
		if err != nil {
			continue
		}
		if _, err := planning.Validate(tasks); err != nil {
			continue
		}
		return tasks, i
	}
	return nil, -1
}

func lastIndexOf(history []domain.Message, role domain.Role) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == role {
			return i
		}
	}
	return -1
}

func mustJSON(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(payload)
}
