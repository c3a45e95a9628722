package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"helios/internal/domain"
)

type embeddedServer struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

type result[T any] struct {
	value T
	err   error
}

type inputMode int

const (
	modeGoal inputMode = iota
	modeFeedback
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8787", "helios server base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start helios serve for the lifetime of the monitor")
	heliosBinary := flag.String("helios-bin", "", "path to helios binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/monitor.db", "sqlite db path for the embedded server")
	flag.Parse()

	logger := log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	var server *embeddedServer
	if *embedded {
		var err error
		server, err = startEmbeddedServer(*addr, *heliosBinary, *dbPath)
		if err != nil {
			logger.Fatalf("start embedded server: %v", err)
		}
		defer server.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		if server != nil {
			server.Stop()
			logger.Printf("embedded server output:\n%s", server.out.String())
		}
		logger.Fatalf("health check failed: %v", err)
	}

	app := tview.NewApplication()
	sessionsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	sessionsTable.SetTitle("Sessions (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	conversationView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	conversationView.SetTitle("Conversation").SetBorder(true)

	planText := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	planText.SetTitle("Plan").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	roleStateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	roleStateView.SetTitle("Roles").SetBorder(true)

	promptInput := tview.NewInputField()
	promptInput.SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | F10 quit, F5 refresh, Ctrl+L prompt, Ctrl+T sessions, Ctrl+G goal mode, Ctrl+F feedback mode",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(conversationView, 0, 2, false).
		AddItem(planText, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(roleStateView, 8, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(sessionsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedID atomic.Value
	selectedID.Store("")
	var lastSessions []domain.Session
	var detailsVersion uint64
	mode := modeGoal

	selected := func() string { return selectedID.Load().(string) }

	setMode := func(m inputMode) {
		mode = m
		if m == modeFeedback {
			promptInput.SetLabel("Feedback -> " + shortID(selected()) + ": ")
			promptInput.SetTitle("Enter = send feedback on the selected session")
			return
		}
		promptInput.SetLabel("Goal -> helios: ")
		promptInput.SetTitle("Enter = create and run a session")
	}
	setMode(modeGoal)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshSessions := func() []domain.Session {
		sessions, err := c.listSessions()
		if err != nil {
			app.QueueUpdateDraw(func() {
				sessionsTable.Clear()
				sessionsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return nil
		}
		app.QueueUpdateDraw(func() {
			lastSessions = sessions
			renderSessionsTable(sessionsTable, sessions, selected())
		})
		return sessions
	}

	refreshDetailsAsync := func(sessionID string) {
		if strings.TrimSpace(sessionID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(id string, v uint64) {
			viewCh := make(chan result[sessionView], 1)
			msgCh := make(chan result[[]domain.Message], 1)
			planCh := make(chan result[*planView], 1)
			decisionCh := make(chan result[[]domain.DecisionLog], 1)

			go func() {
				sv, err := c.getSession(id)
				viewCh <- result[sessionView]{sv, err}
			}()
			go func() {
				items, err := c.listMessages(id, 200)
				msgCh <- result[[]domain.Message]{items, err}
			}()
			go func() {
				p, err := c.latestPlan(id)
				planCh <- result[*planView]{p, err}
			}()
			go func() {
				items, err := c.listDecisions(id, 250)
				decisionCh <- result[[]domain.DecisionLog]{items, err}
			}()

			viewRes := <-viewCh
			msgRes := <-msgCh
			planRes := <-planCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if id != selected() {
					return
				}
				if msgRes.err != nil {
					conversationView.SetText(fmt.Sprintf("error: %v", msgRes.err))
				} else {
					conversationView.SetText(renderMessages(msgRes.value))
					conversationView.ScrollToEnd()
				}
				if planRes.err != nil {
					planText.SetText(fmt.Sprintf("error: %v", planRes.err))
				} else {
					planText.SetText(renderPlan(planRes.value))
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.value))
				}
				if viewRes.err != nil {
					roleStateView.SetText(fmt.Sprintf("error: %v", viewRes.err))
				} else {
					roleStateView.SetText(renderRoleState(viewRes.value, msgRes.value))
				}
			})
		}(sessionID, version)
	}

	selectSession := func(id string) {
		selectedID.Store(id)
		if mode == modeFeedback {
			setMode(modeFeedback)
		}
		conversationView.SetText("Loading...")
		planText.SetText("Loading...")
		roleStateView.SetText("Loading...")
		decisionsView.SetText("Loading...")
		refreshDetailsAsync(id)
	}

	submitPrompt := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		promptInput.SetText("")
		if mode == modeFeedback {
			id := selected()
			if id == "" {
				setStatusUI("Select a session before sending feedback")
				return
			}
			setStatusUI("Sending feedback to " + shortID(id) + "...")
			go func() {
				if err := c.sendFeedback(id, text); err != nil {
					setStatusAsync("Feedback failed: " + err.Error())
					return
				}
				refreshDetailsAsync(id)
				setStatusAsync("Feedback accepted: " + shortID(id))
			}()
			return
		}

		setStatusUI("Creating session...")
		go func() {
			id, err := c.createSession(text)
			if err != nil {
				setStatusAsync("Create session failed: " + err.Error())
				return
			}
			app.QueueUpdateDraw(func() { selectSession(id) })
			refreshSessions()
			setStatusAsync("Session started: " + id)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	sessionsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastSessions) {
			return
		}
		selectSession(lastSessions[row-1].ID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() { refreshSessions() }()
			refreshDetailsAsync(selected())
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(sessionsTable)
			setStatusUI("Focus -> sessions")
			return nil
		case tcell.KeyCtrlG:
			setMode(modeGoal)
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyCtrlF:
			setMode(modeFeedback)
			app.SetFocus(promptInput)
			return nil
		}

		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(sessionsTable)
				setStatusUI("Focus -> sessions")
				return nil
			}
			return event
		}
		if event.Key() == tcell.KeyTAB {
			app.SetFocus(promptInput)
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		for {
			sessions := refreshSessions()
			id := selected()
			if id == "" {
				if len(sessions) > 0 {
					first := sessions[0].ID
					app.QueueUpdateDraw(func() { selectSession(first) })
				}
			} else {
				refreshDetailsAsync(id)
			}
			<-ticker.C
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		logger.Printf("monitor failed: %v", err)
		server.Stop()
		os.Exit(1)
	}
}

// startEmbeddedServer launches `helios serve` on the port of addr, preferring
// an explicit binary, then a sibling of this executable, then `go run`.
func startEmbeddedServer(addr string, heliosBinary string, dbPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	listen := parsed.Hostname() + ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"serve", "--addr", listen, "--db", dbPath}
	var cmd *exec.Cmd
	if strings.TrimSpace(heliosBinary) != "" {
		cmd = exec.Command(heliosBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"helios", "helios.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/helios"}, args...)...)
			cmd.Dir, _ = os.Getwd()
		}
	}

	proc := &embeddedServer{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helios process: %w", err)
	}
	return proc, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
