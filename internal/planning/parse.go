package planning

import (
	"encoding/json"
	"strings"

	"helios/internal/domain"
)

// ExtractObject returns the JSON object embedded in a reply. Code fences are
// stripped; if the text still does not parse, the span from the first '{' to
// the last '}' is tried.
func ExtractObject(raw string) ([]byte, bool) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return []byte(text), true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	body := text[start : end+1]
	if !json.Valid([]byte(body)) {
		return nil, false
	}
	return []byte(body), true
}

type planEnvelope struct {
	Plan  json.RawMessage `json:"plan"`
	Tasks []domain.Task   `json:"tasks"`
}

type planBody struct {
	Tasks []domain.Task `json:"tasks"`
}

// ParsePlan reads the task list from a strategist reply. Accepted shapes are
// {"plan": {"tasks": [...]}}, {"plan": [...]} and {"tasks": [...]}.
func ParsePlan(raw string) ([]domain.Task, error) {
	body, ok := ExtractObject(raw)
	if !ok {
		return nil, invalidf(ErrMalformedPlan, "no JSON object in reply")
	}

	var env planEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, invalidf(ErrMalformedPlan, "%v", err)
	}

	tasks := env.Tasks
	if len(env.Plan) > 0 {
		var nested planBody
		if err := json.Unmarshal(env.Plan, &nested); err == nil && nested.Tasks != nil {
			tasks = nested.Tasks
		} else if err := json.Unmarshal(env.Plan, &tasks); err != nil {
			return nil, invalidf(ErrMalformedPlan, "plan field holds neither an object with tasks nor a task list")
		}
	}
	if len(tasks) == 0 {
		return nil, invalidf(ErrMalformedPlan, "plan has no tasks")
	}
	for i := range tasks {
		if tasks[i].DependsOn == nil {
			tasks[i].DependsOn = []string{}
		}
	}
	return tasks, nil
}
