package domain

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateInit        State = "INIT"
	StateAnalyzing   State = "ANALYZING"
	StateResearching State = "RESEARCHING"
	StatePlanning    State = "PLANNING"
	StateFeedback    State = "FEEDBACK"
	StateComplete    State = "COMPLETE"
	StateError       State = "ERROR"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

type Role string

const (
	RoleUser       Role = "user"
	RoleAnalyst    Role = "analyst"
	RoleResearcher Role = "researcher"
	RoleStrategist Role = "strategist"
	RoleAdaptor    Role = "adaptor"
	// RoleSystem marks orchestrator notes appended to the conversation,
	// e.g. a rejected plan. It never takes a turn.
	RoleSystem Role = "system"
)

// GoalMessagePrefix opens every run; the rest of the message is the goal.
const GoalMessagePrefix = "Please analyze the following goal and draft an execution plan: "

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

type IntentKind string

const (
	IntentReduceDifficulty   IntentKind = "reduce_difficulty"
	IntentIncreaseDifficulty IntentKind = "increase_difficulty"
	IntentExtendTimeline     IntentKind = "extend_timeline"
	IntentChangeSchedule     IntentKind = "change_schedule"
	IntentClarifyTasks       IntentKind = "clarify_tasks"
	IntentNone               IntentKind = "none"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type PlanSource string

const (
	PlanSourceInitial PlanSource = "initial"
	PlanSourceReplan  PlanSource = "replan"
)

type EventType string

const (
	EventPlanUpdated  EventType = "PLAN_UPDATED"
	EventAgentMessage EventType = "AGENT_MESSAGE"
	EventStatusChange EventType = "STATUS_CHANGE"
)

type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	DueDate     string   `json:"due_date"`
	DependsOn   []string `json:"depends_on"`
}

type Plan struct {
	SessionID string     `json:"session_id"`
	Version   int        `json:"version"`
	Goal      string     `json:"goal"`
	Tasks     []Task     `json:"tasks"`
	Source    PlanSource `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
}

type StructuredGoal struct {
	Goal        string   `json:"goal"`
	Topic       string   `json:"topic,omitempty"`
	Timeframe   string   `json:"timeframe,omitempty"`
	Level       string   `json:"level,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

type ResearchReport struct {
	Topic    string   `json:"topic,omitempty"`
	Summary  string   `json:"summary"`
	Findings []string `json:"findings,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

type Intent struct {
	Sentiment Sentiment  `json:"sentiment"`
	Kind      IntentKind `json:"intent"`
	Priority  Priority   `json:"priority"`
	Raw       string     `json:"raw_feedback"`
}

type FeedbackRecord struct {
	Text   string `json:"text"`
	Intent Intent `json:"intent"`
}

type Session struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	State     State     `json:"state"`
	Rounds    int       `json:"rounds"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Speaker   Role      `json:"speaker"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}
