package fsm

import (
	"encoding/json"
	"strings"

	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/planning"
)

// Markers the roles put in their replies to signal a finished stage.
const (
	MarkerStructuredGoal = "structured_goal"
	MarkerClarification  = "ask_user_clarification"
	MarkerResearchReport = "research_report"
	MarkerPlan           = "plan"
)

// Outcome is what a reply amounts to for the turn-taking table. Pending is
// the default: the stage is not finished and the same role speaks again.
type Outcome interface {
	isOutcome()
}

type Pending struct{}

type GoalClarified struct {
	Goal domain.StructuredGoal
}

type NeedsClarification struct {
	Question string
}

type ResearchComplete struct {
	Report domain.ResearchReport
}

type PlanProposed struct {
	Tasks []domain.Task
}

// PlanRejected replaces PlanProposed when the plan cannot be parsed or fails
// graph validation.
type PlanRejected struct {
	Err error
}

type DirectiveIssued struct {
	Text     string
	NoAction bool
}

type FeedbackReceived struct {
	Text string
}

func (Pending) isOutcome()            {}
func (GoalClarified) isOutcome()      {}
func (NeedsClarification) isOutcome() {}
func (ResearchComplete) isOutcome()   {}
func (PlanProposed) isOutcome()       {}
func (PlanRejected) isOutcome()       {}
func (DirectiveIssued) isOutcome()    {}
func (FeedbackReceived) isOutcome()   {}

// Detect maps a reply to an outcome using containment checks on the stage
// markers. A strategist report that merely mentions the word "plan" is still
// read as a plan proposal; it then fails parsing and becomes PlanRejected.
func Detect(speaker domain.Role, content string) Outcome {
	switch speaker {
	case domain.RoleAnalyst:
		return detectGoal(content)
	case domain.RoleResearcher:
		return detectReport(content)
	case domain.RoleStrategist:
		if !strings.Contains(content, MarkerPlan) {
			return Pending{}
		}
		tasks, err := planning.ParsePlan(content)
		if err != nil {
			return PlanRejected{Err: err}
		}
		return PlanProposed{Tasks: tasks}
	case domain.RoleAdaptor:
		return DirectiveIssued{Text: content, NoAction: feedback.IsNoAction(content)}
	case domain.RoleUser:
		return FeedbackReceived{Text: content}
	default:
		return Pending{}
	}
}

func detectGoal(content string) Outcome {
	if strings.Contains(content, MarkerStructuredGoal) {
		body, ok := planning.ExtractObject(content)
		if !ok {
			return Pending{}
		}
		var env struct {
			StructuredGoal *domain.StructuredGoal `json:"structured_goal"`
		}
		if err := json.Unmarshal(body, &env); err != nil || env.StructuredGoal == nil {
			return Pending{}
		}
		if strings.TrimSpace(env.StructuredGoal.Goal) == "" {
			return Pending{}
		}
		return GoalClarified{Goal: *env.StructuredGoal}
	}
	if strings.Contains(content, MarkerClarification) {
		question := content
		if body, ok := planning.ExtractObject(content); ok {
			var env struct {
				Question string `json:"question"`
			}
			if json.Unmarshal(body, &env) == nil && env.Question != "" {
				question = env.Question
			}
		}
		return NeedsClarification{Question: question}
	}
	return Pending{}
}

func detectReport(content string) Outcome {
	if !strings.Contains(content, MarkerResearchReport) {
		return Pending{}
	}
	report := domain.ResearchReport{Summary: content}
	if body, ok := planning.ExtractObject(content); ok {
		var env struct {
			ResearchReport *domain.ResearchReport `json:"research_report"`
		}
		if json.Unmarshal(body, &env) == nil && env.ResearchReport != nil {
			report = *env.ResearchReport
		}
	}
	return ResearchComplete{Report: report}
}
