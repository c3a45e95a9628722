// Package export writes accepted plans to disk as JSON and Markdown.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"helios/internal/domain"
	"helios/internal/planning"
)

var ErrPathEscapesRoot = errors.New("path escapes export root")

type DecisionLogger interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Exporter struct {
	root   string
	logger DecisionLogger
}

func New(root string, logger DecisionLogger) (*Exporter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve export root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}
	return &Exporter{root: absRoot, logger: logger}, nil
}

func (e *Exporter) Root() string {
	return e.root
}

// ExportPlan writes <session>/plan-v<N>.json and <session>/plan-v<N>.md.
func (e *Exporter) ExportPlan(ctx context.Context, plan domain.Plan, graph planning.Graph) error {
	base := fmt.Sprintf("%s/plan-v%d", plan.SessionID, plan.Version)

	doc := struct {
		domain.Plan
		Order []string `json:"topological_order"`
	}{Plan: plan, Order: graph.Order}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := e.write(ctx, plan.SessionID, base+".json", payload); err != nil {
		return err
	}
	return e.write(ctx, plan.SessionID, base+".md", []byte(RenderMarkdown(plan, graph)))
}

func (e *Exporter) write(ctx context.Context, sessionID, relPath string, content []byte) error {
	absPath, normalized, err := e.resolve(relPath)
	if err != nil {
		e.logWrite(ctx, sessionID, relPath, false, err.Error())
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", normalized, err)
	}
	e.logWrite(ctx, sessionID, normalized, true, "written")
	return nil
}

func (e *Exporter) logWrite(ctx context.Context, sessionID, path string, ok bool, reason string) {
	if e.logger == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"path": path, "written": ok})
	_ = e.logger.LogDecision(ctx, domain.DecisionLog{
		SessionID: sessionID,
		Actor:     "exporter",
		Action:    "plan_exported",
		Reason:    reason,
		Payload:   payload,
	})
}

func (e *Exporter) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(e.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(e.root, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}

// RenderMarkdown lists the plan's tasks grouped by dependency level.
func RenderMarkdown(plan domain.Plan, graph planning.Graph) string {
	byID := make(map[string]domain.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan v%d\n\n", plan.Version)
	if plan.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", plan.Goal)
	}
	for i, level := range planning.Levels(graph) {
		fmt.Fprintf(&b, "## Stage %d\n\n", i+1)
		for _, id := range level {
			t := byID[id]
			fmt.Fprintf(&b, "- [ ] **%s** %s", t.ID, t.Description)
			if t.DueDate != "" {
				fmt.Fprintf(&b, " (due %s)", t.DueDate)
			}
			if len(t.DependsOn) > 0 {
				fmt.Fprintf(&b, " after %s", strings.Join(t.DependsOn, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
