package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"helios/internal/domain"
)

var roleColors = map[domain.Role]string{
	domain.RoleUser:       "white",
	domain.RoleAnalyst:    "aqua",
	domain.RoleResearcher: "green",
	domain.RoleStrategist: "yellow",
	domain.RoleAdaptor:    "fuchsia",
	domain.RoleSystem:     "red",
}

// stageOwner is the role expected to speak next in each state.
var stageOwner = map[domain.State]domain.Role{
	domain.StateAnalyzing:   domain.RoleAnalyst,
	domain.StateResearching: domain.RoleResearcher,
	domain.StatePlanning:    domain.RoleStrategist,
	domain.StateFeedback:    domain.RoleAdaptor,
}

func renderSessionsTable(table *tview.Table, sessions []domain.Session, selectedID string) {
	table.Clear()
	headers := []string{"Session", "State", "Rounds", "Updated", "Goal"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, s := range sessions {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(s.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(s.State)).SetTextColor(stateColor(s.State)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", s.Rounds)))
		table.SetCell(row, 3, tview.NewTableCell(s.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(s.Goal, 48)))
		if s.ID == selectedID {
			table.Select(row, 0)
		}
	}
}

func stateColor(s domain.State) tcell.Color {
	switch s {
	case domain.StateComplete:
		return tcell.ColorGreen
	case domain.StateError:
		return tcell.ColorRed
	case domain.StateInit:
		return tcell.ColorGray
	default:
		return tcell.ColorYellow
	}
}

func renderMessages(items []domain.Message) string {
	if len(items) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range items {
		color := roleColors[m.Speaker]
		if color == "" {
			color = "white"
		}
		fmt.Fprintf(&b, "[gray]%3d %s[-] [%s::b]%s[-::-]\n", m.Seq, m.CreatedAt.Local().Format("15:04:05"), color, m.Speaker)
		b.WriteString("  " + tview.Escape(trimLine(strings.ReplaceAll(m.Content, "\n", " "), 400)) + "\n")
	}
	return b.String()
}

func renderPlan(view *planView) string {
	if view == nil {
		return "No plan yet"
	}
	byID := make(map[string]domain.Task, len(view.Plan.Tasks))
	for _, t := range view.Plan.Tasks {
		byID[t.ID] = t
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]v%d[::-] %s  %d tasks\n", view.Plan.Version, view.Plan.Source, len(view.Plan.Tasks))
	levels := view.Levels
	if len(levels) == 0 {
		levels = [][]string{view.Order}
	}
	for i, level := range levels {
		fmt.Fprintf(&b, "[yellow]stage %d[-]\n", i+1)
		for _, id := range level {
			t := byID[id]
			fmt.Fprintf(&b, "  %s  %s  %s\n", t.ID, t.DueDate, tview.Escape(trimLine(t.Description, 60)))
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			tview.Escape(trimLine(d.Reason, 100)),
		)
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + tview.Escape(trimLine(detail, 160)) + "\n")
		}
	}
	return b.String()
}

type roleStateLine struct {
	Role    domain.Role
	State   string
	Replies int
	LastAt  time.Time
}

// renderRoleState summarises who holds the floor and how often each role
// has spoken in the session.
func renderRoleState(view sessionView, messages []domain.Message) string {
	if view.Session.ID == "" {
		return "No session selected"
	}
	order := []domain.Role{domain.RoleAnalyst, domain.RoleResearcher, domain.RoleStrategist, domain.RoleAdaptor}
	lines := make(map[domain.Role]*roleStateLine, len(order))
	for _, r := range order {
		lines[r] = &roleStateLine{Role: r, State: "idle"}
	}
	for _, m := range messages {
		line, ok := lines[m.Speaker]
		if !ok {
			continue
		}
		line.Replies++
		line.LastAt = m.CreatedAt
		line.State = "done"
	}
	if owner, ok := stageOwner[view.Session.State]; ok {
		lines[owner].State = "speaking"
	}
	if view.Session.State == domain.StateError {
		if last := lastSpeaker(messages); last != "" {
			if line, ok := lines[last]; ok {
				line.State = "error"
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s  state=%s rounds=%d\n", shortID(view.Session.ID), view.Session.State, view.Session.Rounds)
	if view.Session.LastError != "" {
		b.WriteString("  error: " + tview.Escape(trimLine(view.Session.LastError, 120)) + "\n")
	}
	for _, r := range order {
		line := lines[r]
		lastAt := "-"
		if !line.LastAt.IsZero() {
			lastAt = line.LastAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(&b, "%-11s state=%-9s replies=%d last=%s\n", line.Role, line.State, line.Replies, lastAt)
	}
	if fb := view.Artifacts.Feedback; fb != nil {
		fmt.Fprintf(&b, "feedback: %s (%s)\n", tview.Escape(trimLine(fb.Text, 60)), fb.Intent.Kind)
	}
	return b.String()
}

func lastSpeaker(messages []domain.Message) domain.Role {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Speaker != domain.RoleSystem {
			return messages[i].Speaker
		}
	}
	return ""
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
