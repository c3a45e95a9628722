package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"helios/internal/agent"
	"helios/internal/domain"
	"helios/internal/feedback"
	"helios/internal/httpapi"
	"helios/internal/metrics"
	"helios/internal/planning"
)

func newAPI(ctx context.Context, rt *runtime) *httpapi.Server {
	return httpapi.New(rt.svc, rt.store, rt.bus, httpapi.Options{
		BaseContext: ctx,
		Metrics:     metrics.HandlerFor(rt.registry),
		Logger:      rt.logger,
	})
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var asJSON, interactive bool
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan a goal and print the resulting plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var clarifier agent.Clarifier
			if interactive {
				clarifier = newStdinClarifier(cmd.InOrStdin(), cmd.ErrOrStderr())
			}
			rt, err := openRuntime(cmd.Context(), flags, clarifier)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.svc.Run(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				if res.SessionID != "" {
					return fmt.Errorf("session %s: %w", res.SessionID, err)
				}
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session: %s\n", res.SessionID)
			fmt.Fprintf(out, "rounds:  %d\n", res.Rounds)
			if res.StructuredGoal != nil {
				fmt.Fprintf(out, "goal:    %s (%s, %s)\n", res.StructuredGoal.Goal, res.StructuredGoal.Timeframe, res.StructuredGoal.Level)
			}
			if res.Plan != nil {
				printPlan(out, *res.Plan, res.Order)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer clarification questions on stdin")
	return cmd
}

func newFeedbackCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "feedback <session-id> <feedback>",
		Short: "Send feedback on a session's plan",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.svc.ProcessFeedback(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "intent:    %s (%s, priority %s)\n", res.Feedback.Intent.Kind, res.Feedback.Intent.Sentiment, res.Feedback.Intent.Priority)
			fmt.Fprintf(out, "directive: %s\n", res.Directive)
			if res.UpdatedPlan != nil {
				var order []string
				if g, err := planning.Validate(res.UpdatedPlan.Tasks); err == nil {
					order = g.Order
				}
				printPlan(out, *res.UpdatedPlan, order)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List planning sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			sessions, err := rt.store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tROUNDS\tUPDATED\tGOAL")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.State, s.Rounds, s.UpdatedAt.Format("2006-01-02 15:04"), s.Goal)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <feedback>",
		Short: "Classify feedback and show the directive it maps to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, directive := feedback.DirectiveFor(strings.Join(args, " "))
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"intent":    intent,
				"directive": directive,
			})
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.json|->",
		Short: "Validate a plan's dependency graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			tasks, err := planning.ParsePlan(string(raw))
			if err != nil {
				return err
			}
			g, err := planning.Validate(tasks)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"topological_order": g.Order,
				"levels":            planning.Levels(g),
			})
		},
	}
}

// stdinClarifier asks questions on the terminal during a run.
type stdinClarifier struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newStdinClarifier(in io.Reader, out io.Writer) *stdinClarifier {
	return &stdinClarifier{in: bufio.NewReader(in), out: out}
}

func (c *stdinClarifier) Clarify(_ context.Context, question string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s\n> ", question)
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printPlan(w io.Writer, plan domain.Plan, order []string) {
	byID := make(map[string]domain.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}
	if len(order) == 0 {
		for _, t := range plan.Tasks {
			order = append(order, t.ID)
		}
	}
	fmt.Fprintf(w, "plan v%d (%s):\n", plan.Version, plan.Source)
	for i, id := range order {
		t := byID[id]
		fmt.Fprintf(w, "  %d. [%s] %s  due %s", i+1, t.ID, t.Description, t.DueDate)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, "  after %s", strings.Join(t.DependsOn, ", "))
		}
		fmt.Fprintln(w)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
